// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flatparam implements FlatParam: the parameters of a model unit flattened into one logical buffer, of which
// each rank of a process group holds one chunk (see distributed.Layout).
//
// The full parameters are only materialized within a Scope, returned by FlatParam.Summon and consumed by Scope.End.
package flatparam

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// ParamInfo describes one of the parameters flattened in a FlatParam.
type ParamInfo struct {
	// FQN is the name of the parameter, relative to the unit owning the FlatParam.
	FQN string

	// Shape of the parameter. Its dtype must be the FlatParam dtype.
	Shape shapes.Shape
}

// SharedParamInfo describes a parameter that is an alias of another parameter of the same FlatParam: it holds no
// storage of its own.
type SharedParamInfo struct {
	FQN          string
	CanonicalFQN string
}

// FlatParam holds this rank's chunk of the flattened parameters of a unit.
type FlatParam struct {
	infos  []ParamInfo
	shared []SharedParamInfo
	dtype  dtypes.DType

	rank, worldSize int
	sharded         bool
	fullNumel       int

	// local is this rank's chunk (sharded), or the whole flat buffer (not sharded).
	local     *buffers.Buffer
	numPadded int

	active *Scope
}

// Config for a FlatParam, see New.
type Config struct {
	Infos  []ParamInfo
	Shared []SharedParamInfo

	// Rank and WorldSize of the process group the parameters are sharded over.
	Rank, WorldSize int

	// Sharded selects the chunk-sharded strategy. If false, every rank holds all of the parameters.
	Sharded bool

	// Device where the local storage is kept.
	Device buffers.Device
}

// New creates a FlatParam from the full values of its parameters, one per config.Infos entry, in order.
// They are flattened, and this rank's chunk is copied out, so values can be released afterward.
func New(config Config, values []*buffers.Buffer) (*FlatParam, error) {
	if len(config.Infos) == 0 {
		return nil, errors.New("flatparam.New: no parameters given")
	}
	if config.WorldSize < 1 || config.Rank < 0 || config.Rank >= config.WorldSize {
		return nil, errors.Errorf("flatparam.New: invalid rank %d for world size %d", config.Rank, config.WorldSize)
	}
	if len(values) != len(config.Infos) {
		return nil, errors.Errorf("flatparam.New: %d parameters described, %d values given",
			len(config.Infos), len(values))
	}
	dtype := config.Infos[0].Shape.DType
	names := sets.Make[string](len(config.Infos) + len(config.Shared))
	for ii, info := range config.Infos {
		if info.FQN == "" || names.Has(info.FQN) {
			return nil, errors.Errorf("flatparam.New: parameter #%d has an empty or duplicate name %q", ii, info.FQN)
		}
		names.Insert(info.FQN)
		if !info.Shape.Ok() || info.Shape.DType != dtype {
			return nil, errors.Errorf("flatparam.New: parameter %q has shape %s, all parameters must have dtype %s",
				info.FQN, info.Shape, dtype)
		}
		if !values[ii].Shape().EqualDimensions(info.Shape) {
			return nil, errors.Errorf("flatparam.New: parameter %q has shape %s, but value given is %s",
				info.FQN, info.Shape, values[ii])
		}
	}
	for _, alias := range config.Shared {
		if alias.FQN == "" || names.Has(alias.FQN) {
			return nil, errors.Errorf("flatparam.New: shared parameter has an empty or duplicate name %q", alias.FQN)
		}
		if !slices.ContainsFunc(config.Infos, func(info ParamInfo) bool { return info.FQN == alias.CanonicalFQN }) {
			return nil, errors.Errorf("flatparam.New: shared parameter %q refers to unknown parameter %q",
				alias.FQN, alias.CanonicalFQN)
		}
		names.Insert(alias.FQN)
	}

	flat, err := Flatten(dtype, values...)
	if err != nil {
		return nil, err
	}
	fp := &FlatParam{
		infos:     slices.Clone(config.Infos),
		shared:    slices.Clone(config.Shared),
		dtype:     dtype,
		rank:      config.Rank,
		worldSize: config.WorldSize,
		sharded:   config.Sharded,
		fullNumel: flat.Size(),
	}
	local := flat
	if config.Sharded {
		if local, fp.numPadded, err = GetShard(flat, config.Rank, config.WorldSize); err != nil {
			return nil, err
		}
	}
	if fp.local, err = local.ToDevice(config.Device); err != nil {
		return nil, err
	}
	klog.V(2).Infof("%s created", fp)
	return fp, nil
}

// Flatten concatenates the elements of values into one new flat buffer of the given dtype, converting the values
// of other dtypes.
func Flatten(dtype dtypes.DType, values ...*buffers.Buffer) (*buffers.Buffer, error) {
	parts := make([]*buffers.Buffer, len(values))
	for ii, value := range values {
		parts[ii] = value.Flatten()
		if value.DType() != dtype {
			var err error
			if parts[ii], err = parts[ii].CastTo(dtype); err != nil {
				return nil, err
			}
		}
	}
	return buffers.Concatenate(dtype, parts...)
}

// GetShard returns a copy of rank's chunk of the flat buffer, right-padded with zeros to the uniform chunk size, and
// the number of padding elements.
func GetShard(flat *buffers.Buffer, rank, worldSize int) (chunk *buffers.Buffer, numPadded int, err error) {
	layout := distributed.Layout(flat.Size(), worldSize, rank)
	valid, err := flat.Narrow(min(layout.Offset, flat.Size()), layout.ValidSize)
	if err != nil {
		return nil, 0, err
	}
	chunk, err = valid.PadRight(layout.Padding)
	if err != nil {
		return nil, 0, err
	}
	return chunk, layout.Padding, nil
}

// unflatten returns views of flat, one per parameter in infos, in order.
func unflatten(flat *buffers.Buffer, infos []ParamInfo) ([]*buffers.Buffer, error) {
	views := make([]*buffers.Buffer, len(infos))
	pos := 0
	for ii, info := range infos {
		numel := info.Shape.Size()
		view, err := flat.Narrow(pos, numel)
		if err != nil {
			return nil, errors.WithMessagef(err, "unflattening parameter %q", info.FQN)
		}
		if views[ii], err = view.Reshape(info.Shape.Dimensions...); err != nil {
			return nil, err
		}
		pos += numel
	}
	return views, nil
}

// String implements fmt.Stringer.
func (fp *FlatParam) String() string {
	return fmt.Sprintf("FlatParam(%d params, %d elements of %s, rank %d/%d, sharded=%v)",
		len(fp.infos), fp.fullNumel, fp.dtype, fp.rank, fp.worldSize, fp.sharded)
}

// Infos returns the description of the parameters with storage, in declaration order.
func (fp *FlatParam) Infos() []ParamInfo { return fp.infos }

// Shared returns the description of the parameters that are aliases of others.
func (fp *FlatParam) Shared() []SharedParamInfo { return fp.shared }

// FQNs returns the names of all parameters: first those with storage, in declaration order, then the shared ones.
func (fp *FlatParam) FQNs() []string {
	names := make([]string, 0, len(fp.infos)+len(fp.shared))
	for _, info := range fp.infos {
		names = append(names, info.FQN)
	}
	for _, alias := range fp.shared {
		names = append(names, alias.FQN)
	}
	return names
}

// DType of the parameters.
func (fp *FlatParam) DType() dtypes.DType { return fp.dtype }

// Rank of this process.
func (fp *FlatParam) Rank() int { return fp.rank }

// WorldSize of the process group the parameters are sharded over.
func (fp *FlatParam) WorldSize() int { return fp.worldSize }

// FullNumel is the number of elements of all parameters together, without padding.
func (fp *FlatParam) FullNumel() int { return fp.fullNumel }

// UsesShardedStrategy returns whether the parameters are chunk-sharded across the ranks.
func (fp *FlatParam) UsesShardedStrategy() bool { return fp.sharded }

// Local returns this rank's storage: its chunk, including padding, or the whole flat buffer if not sharded.
func (fp *FlatParam) Local() *buffers.Buffer { return fp.local }

// NumPadded returns the number of padding elements at the end of the local chunk.
func (fp *FlatParam) NumPadded() int { return fp.numPadded }

// LocalValid returns a view of the local chunk without its padding.
func (fp *FlatParam) LocalValid() (*buffers.Buffer, error) {
	return fp.local.Narrow(0, fp.local.Size()-fp.numPadded)
}

// ChunkLayout returns this rank's layout of the flat buffer.
func (fp *FlatParam) ChunkLayout() distributed.ChunkLayout {
	return distributed.Layout(fp.fullNumel, fp.worldSize, fp.rank)
}

// InstallLocal replaces the local storage with chunk, with numPadded padding elements at its end.
//
// The chunk must have the size of the current local storage. It is converted to the FlatParam dtype and moved to the
// device of the current storage if needed. It fails if a Scope is active.
func (fp *FlatParam) InstallLocal(chunk *buffers.Buffer, numPadded int) error {
	if fp.active != nil {
		return errors.Wrapf(ErrAlreadySummoned, "cannot install local storage of %s", fp)
	}
	if chunk.Size() != fp.local.Size() || numPadded < 0 || numPadded > chunk.Size() {
		return errors.Errorf("cannot install %s with %d padding elements into %s: local storage has %d elements",
			chunk, numPadded, fp, fp.local.Size())
	}
	chunk = chunk.Flatten()
	var err error
	if chunk.DType() != fp.dtype {
		if chunk, err = chunk.CastTo(fp.dtype); err != nil {
			return err
		}
	}
	if chunk, err = chunk.ToDevice(fp.local.Device()); err != nil {
		return err
	}
	fp.local = chunk
	fp.numPadded = numPadded
	return nil
}
