// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// Config for a Converter. It is created with Build, configured with its methods, and finalized with Done.
type Config struct {
	unit *Unit
	coll distributed.Collective
	err  error

	mode         Mode
	rank0Only    bool
	offloadToCPU bool
}

// Build a configuration for a Converter of unit's parameters, using coll for the collectives.
//
// coll may be nil if the unit's parameters are not sharded, or if only ModeLocal is used.
// The default mode is ModeFull.
func Build(unit *Unit, coll distributed.Collective) *Config {
	c := &Config{unit: unit, coll: coll, mode: ModeFull}
	if unit == nil {
		c.setError(errors.New("statedict.Build: nil unit"))
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Mode sets the conversion mode. The default is ModeFull.
func (c *Config) Mode(mode Mode) *Config {
	if !mode.IsAMode() {
		c.setError(errors.Errorf("statedict.Config.Mode(%s): invalid mode", mode))
		return c
	}
	c.mode = mode
	return c
}

// Rank0Only makes ModeFull save the parameters only on rank 0: the other ranks still take part in the collectives,
// but their state dict only holds the entries not owned by the unit.
//
// It's ignored by the other modes, and on restore.
func (c *Config) Rank0Only(rank0Only bool) *Config {
	c.rank0Only = rank0Only
	return c
}

// OffloadToCPU places the saved values on the Host.
func (c *Config) OffloadToCPU(offload bool) *Config {
	c.offloadToCPU = offload
	return c
}

// Done creates the Converter, or returns an error if the configuration is invalid.
func (c *Config) Done() (*Converter, error) {
	if c.err != nil {
		return nil, c.err
	}
	u := c.unit
	conv := &Converter{
		unit:         u,
		coll:         c.coll,
		mode:         c.mode,
		rank0Only:    c.rank0Only,
		offloadToCPU: c.offloadToCPU,
		runtime:      u.Runtime,
		clone:        u.Clone,
		partitioner:  u.Partitioner,
		preLoad:      u.PreLoad,
	}
	if conv.runtime == nil {
		conv.runtime = NopRuntime{}
	}
	if conv.clone == nil {
		conv.clone = CloneBuffer
	}
	if conv.partitioner == nil {
		conv.partitioner = distributed.RowPartitioner{}
	}
	if conv.preLoad == nil {
		conv.preLoad = ReplicatedPreLoad(conv.partitioner)
	}
	if u.hasParams() {
		fp := u.Param
		conv.rank, conv.worldSize = fp.Rank(), fp.WorldSize()
		needsCollective := fp.UsesShardedStrategy() && c.mode != ModeLocal
		if needsCollective && c.coll == nil {
			return nil, errors.Errorf("statedict: mode %s of sharded %s requires a collective", c.mode, fp)
		}
		if c.coll != nil && (c.coll.Rank() != fp.Rank() || c.coll.WorldSize() != fp.WorldSize()) {
			return nil, errors.Errorf("statedict: collective of rank %d/%d doesn't match %s",
				c.coll.Rank(), c.coll.WorldSize(), fp)
		}
	} else if c.coll != nil {
		conv.rank, conv.worldSize = c.coll.Rank(), c.coll.WorldSize()
	} else {
		conv.worldSize = 1
	}
	return conv, nil
}

// MustDone constructs the Converter. It panics if there was an error.
func (c *Config) MustDone() *Converter {
	conv, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create statedict.Converter"))
	}
	return conv
}

// Converter saves a unit's parameters to a StateDict, and restores them from one. See Build.
//
// A Converter is not safe for concurrent use: each rank uses its own.
type Converter struct {
	unit *Unit
	coll distributed.Collective

	mode         Mode
	rank0Only    bool
	offloadToCPU bool

	rank, worldSize int

	runtime     Runtime
	clone       CloneFn
	partitioner distributed.Partitioner
	preLoad     PreLoadFn
}

// String implements fmt.Stringer.
func (conv *Converter) String() string {
	return fmt.Sprintf("statedict.Converter(%q, mode=%s, rank %d/%d)",
		conv.unit.Prefix, conv.mode, conv.rank, conv.worldSize)
}

// Mode of the conversions.
func (conv *Converter) Mode() Mode { return conv.mode }

// Save returns a new StateDict with the unit's values. See SaveInto.
func (conv *Converter) Save(ctx context.Context) (StateDict, error) {
	sd := make(StateDict)
	if err := conv.SaveInto(ctx, sd); err != nil {
		return nil, err
	}
	return sd, nil
}

// SaveInto records the unit's values into sd: its parameters in the form of the configured mode, its persistent
// buffers and its ignored entries.
//
// Entries already in sd, saved by other units, are kept. In ModeFull entries holding a Cloned value are not cloned
// again.
//
// ModeFull and ModePartitioned are collectives for sharded parameters: every rank must call SaveInto.
func (conv *Converter) SaveInto(ctx context.Context, sd StateDict) error {
	if err := conv.preHook(ctx); err != nil {
		return err
	}
	holdsValues := true
	if conv.unit.hasParams() {
		var err error
		switch conv.mode {
		case ModeFull:
			holdsValues, err = conv.saveFull(ctx, sd)
		case ModeLocal:
			err = conv.saveLocal(sd)
		case ModePartitioned:
			err = conv.savePartitioned(ctx, sd)
		default:
			err = errors.Errorf("%s: mode %s not supported", conv, conv.mode)
		}
		if err != nil {
			return err
		}
	}
	if holdsValues {
		if err := conv.saveBuffers(sd); err != nil {
			return err
		}
	}
	for name, value := range conv.unit.Ignored {
		sd[name] = value
	}
	klog.V(1).Infof("%s: saved %d entries", conv, len(sd))
	return nil
}

// Restore the unit's values from sd, which must hold them in the form of the configured mode.
//
// ModeFull and ModePartitioned are collectives for sharded parameters: every rank must call Restore.
// ModePartitioned removes from sd the entries it restored, shared aliases included.
//
// Restoring is not atomic: if it fails, values restored before the failure keep their new value.
func (conv *Converter) Restore(ctx context.Context, sd StateDict) error {
	if err := conv.preHook(ctx); err != nil {
		return err
	}
	if conv.unit.hasParams() {
		var err error
		switch conv.mode {
		case ModeFull:
			err = conv.restoreFull(ctx, sd)
		case ModeLocal:
			err = conv.restoreLocal(sd)
		case ModePartitioned:
			err = conv.restorePartitioned(ctx, sd)
		default:
			err = errors.Errorf("%s: mode %s not supported", conv, conv.mode)
		}
		if err != nil {
			return err
		}
	}
	if err := conv.restoreBuffers(sd); err != nil {
		return err
	}
	klog.V(1).Infof("%s: restored", conv)
	return nil
}

// preHook synchronizes the runtime before a conversion.
func (conv *Converter) preHook(ctx context.Context) error {
	if err := conv.runtime.Synchronize(ctx); err != nil {
		return errors.WithMessagef(err, "%s: synchronizing", conv)
	}
	if err := conv.runtime.LazyInit(); err != nil {
		return errors.WithMessagef(err, "%s: lazy initialization", conv)
	}
	conv.runtime.ClearGradients()
	return nil
}

// saveBuffers records the persistent buffers, in their original precision.
func (conv *Converter) saveBuffers(sd StateDict) error {
	u := conv.unit
	for _, name := range u.persistentBuffers() {
		buf := u.Buffers[name]
		if u.MixedPrecision != nil {
			if dtype, found := u.MixedPrecision.OrigBufferDTypes[name]; found && dtype != buf.DType() {
				var err error
				if buf, err = buf.CastTo(dtype); err != nil {
					return errors.WithMessagef(err, "%s: restoring precision of buffer %q", conv, name)
				}
			}
		}
		if conv.offloadToCPU {
			var err error
			if buf, err = buf.ToDevice(buffers.Host); err != nil {
				return err
			}
		}
		sd[u.key(name)] = buf
	}
	return nil
}

// restoreBuffers copies the persistent buffers from sd, converting them to the current dtype of each buffer.
func (conv *Converter) restoreBuffers(sd StateDict) error {
	u := conv.unit
	for _, name := range u.persistentBuffers() {
		key := u.key(name)
		value, found := sd[key]
		if !found {
			return errors.Wrapf(ErrMissingEntry, "%s: buffer %q", conv, key)
		}
		src, err := AsBuffer(value)
		if err != nil {
			return errors.WithMessagef(err, "%s: buffer %q", conv, key)
		}
		dst := u.Buffers[name]
		if !src.Shape().EqualDimensions(dst.Shape()) {
			return errors.Wrapf(ErrShapeMismatch, "%s: buffer %q has shape %s, state dict has %s",
				conv, key, dst.Shape(), src.Shape())
		}
		if err = dst.CopyFrom(src); err != nil {
			return errors.WithMessagef(err, "%s: restoring buffer %q", conv, key)
		}
	}
	return nil
}

// dropOwned removes the entries owned by the unit from sd.
func (conv *Converter) dropOwned(sd StateDict) {
	owned := sets.MakeWith(conv.unit.ownedKeys()...)
	for name := range owned {
		delete(sd, name)
	}
}
