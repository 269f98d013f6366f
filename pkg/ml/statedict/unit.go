// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
	"github.com/gomlx/shardckpt/pkg/ml/flatparam"
	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// Unit is a model unit whose parameters are flattened and sharded together.
type Unit struct {
	// Prefix of the names of the unit in the wrapped module view, e.g. "encoder._fsdp_wrapped_module.".
	// Names in the state dict are CleanName(Prefix + name).
	Prefix string

	// Param holds the unit's parameters. It can be nil if the unit has no parameters.
	Param *flatparam.FlatParam

	// Buffers are the auxiliary (non-parameter) values of the unit, keyed by their name relative to the unit.
	Buffers map[string]*buffers.Buffer

	// NonPersistent lists the buffers that are not saved to or restored from the state dict.
	NonPersistent sets.Set[string]

	// Ignored are entries of the state dict not owned by the unit: they are copied as is on save, and left
	// untouched on restore. Keyed by their name in the state dict.
	Ignored StateDict

	// MixedPrecision, if set, configures buffers kept in low precision.
	MixedPrecision *MixedPrecision

	// Mesh is the topology of the process group. If nil, all ranks are assumed to be on the same machine.
	Mesh *distributed.ProcessMesh

	// Partitioner used by ModePartitioned. Defaults to distributed.RowPartitioner.
	Partitioner distributed.Partitioner

	// PreLoad converts full values found in the state dict on ModePartitioned restore. Defaults to
	// ReplicatedPreLoad.
	PreLoad PreLoadFn

	// Runtime is called before every conversion. Defaults to NopRuntime.
	Runtime Runtime

	// Clone is used by ModeFull save to copy values out of the materialization scope. Defaults to
	// CloneBuffer.
	Clone CloneFn
}

// MixedPrecision configures auxiliary buffers that are kept in a lower precision during training.
type MixedPrecision struct {
	// OrigBufferDTypes maps buffer names (relative to the unit) to the dtype they are saved in.
	// Buffers not listed are saved in their current dtype.
	OrigBufferDTypes map[string]dtypes.DType
}

// Runtime is the external state synchronized before a conversion.
type Runtime interface {
	// Synchronize waits for pending work on the devices.
	Synchronize(ctx context.Context) error

	// LazyInit completes the initialization of the unit, if it hasn't happened yet.
	LazyInit() error

	// ClearGradients drops the gradient state, which doesn't survive a conversion.
	ClearGradients()
}

// NopRuntime is a Runtime that does nothing.
type NopRuntime struct{}

// Synchronize implements Runtime.
func (NopRuntime) Synchronize(context.Context) error { return nil }

// LazyInit implements Runtime.
func (NopRuntime) LazyInit() error { return nil }

// ClearGradients implements Runtime.
func (NopRuntime) ClearGradients() {}

// CloneFn copies a value out of the materialization scope.
type CloneFn func(*buffers.Buffer) (*buffers.Buffer, error)

// CloneBuffer is the default CloneFn: it returns a deep copy of b, or an error if it fails.
func CloneBuffer(b *buffers.Buffer) (clone *buffers.Buffer, err error) {
	err = exceptions.TryCatch[error](func() { clone = b.Clone() })
	return
}

// PreLoadFn converts a full value found in the state dict, during a ModePartitioned restore, into its sharded form:
// the value reshaped to the parameter's shape, and the shards held by rank.
type PreLoadFn func(ctx context.Context, name string, value *buffers.Buffer, want shapes.Shape,
	rank, worldSize, nodeWidth int) (reshaped *buffers.Buffer, localShards []*distributed.Shard, err error)

// ReplicatedPreLoad returns a PreLoadFn for values replicated on every rank: the value is reshaped to the parameter's
// shape and partitioned by partitioner.
func ReplicatedPreLoad(partitioner distributed.Partitioner) PreLoadFn {
	return func(_ context.Context, name string, value *buffers.Buffer, want shapes.Shape,
		rank, worldSize, nodeWidth int) (*buffers.Buffer, []*distributed.Shard, error) {
		dims := want.Dimensions
		if value.Size() != want.Size() {
			return nil, nil, errors.Wrapf(ErrShapeMismatch, "%q: value %s cannot be reshaped to %v", name, value, dims)
		}
		reshaped, err := value.Reshape(dims...)
		if err != nil {
			return nil, nil, err
		}
		st, err := partitioner.Partition(reshaped, rank, worldSize, nodeWidth)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "partitioning %q", name)
		}
		return reshaped, st.LocalShards(), nil
	}
}

// key returns the state dict name of the unit's entry name.
func (u *Unit) key(name string) string {
	return CleanName(u.Prefix + name)
}

// hasParams returns whether the unit has parameters to convert.
func (u *Unit) hasParams() bool {
	return u.Param != nil && len(u.Param.Infos()) > 0
}

// persistentBuffers returns the names of the buffers saved in the state dict, sorted.
func (u *Unit) persistentBuffers() []string {
	names := sets.Make[string](len(u.Buffers))
	for name := range u.Buffers {
		names.Insert(name)
	}
	return sets.Sorted(names.Sub(u.NonPersistent))
}

// ownedKeys returns the state dict names of the parameters and persistent buffers of the unit.
func (u *Unit) ownedKeys() []string {
	var keys []string
	if u.hasParams() {
		for _, fqn := range u.Param.FQNs() {
			keys = append(keys, u.key(fqn))
		}
		keys = append(keys, u.key(FlatParamName))
	}
	for _, name := range u.persistentBuffers() {
		keys = append(keys, u.key(name))
	}
	return keys
}

// nodeWidth returns the number of ranks per machine.
func (u *Unit) nodeWidth(worldSize int) int {
	if u.Mesh == nil {
		return worldSize
	}
	return u.Mesh.NodeWidth()
}
