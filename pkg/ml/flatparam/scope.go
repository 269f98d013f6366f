// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flatparam

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
)

var (
	// ErrAlreadySummoned is returned when summoning the full parameters of a FlatParam that has an active Scope.
	ErrAlreadySummoned = errors.New("full parameters already summoned")

	// ErrScopeEnded is returned when using a Scope after Scope.End.
	ErrScopeEnded = errors.New("materialization scope already ended")

	// ErrUnknownParam is returned by Scope.Param for names not in the FlatParam.
	ErrUnknownParam = errors.New("unknown parameter")

	// ErrNotHeld is returned by Scope.Param on ranks that don't hold the full parameters (see SummonOptions.Rank0Only).
	ErrNotHeld = errors.New("full parameters not held by this rank")
)

// SummonOptions configure FlatParam.Summon.
type SummonOptions struct {
	// Writeback makes Scope.End copy the (possibly changed) full parameters back into the local chunk.
	Writeback bool

	// Rank0Only makes only rank 0 hold the full parameters: the other ranks still take part in the collective,
	// but release the gathered buffer immediately. It cannot be combined with Writeback.
	Rank0Only bool

	// OffloadToCPU places the full parameters on the Host.
	OffloadToCPU bool
}

// Scope holds the full parameters of a FlatParam, materialized by FlatParam.Summon.
//
// The views returned by Param are only valid until End is called: values that must outlive the scope
// have to be cloned.
type Scope struct {
	fp   *FlatParam
	opts SummonOptions

	// full is the flat full buffer, nil if this rank doesn't hold it.
	full *buffers.Buffer

	// ownsFull tells whether full's storage belongs to the scope, and is released by End.
	ownsFull bool

	views map[string]*buffers.Buffer
	ended bool
}

// Summon materializes the full parameters on this rank, and returns the Scope holding them.
//
// If the FlatParam is sharded, it all-gathers the chunks of all ranks using coll: it is a collective, and all ranks
// must call it. Otherwise, coll is not used and can be nil.
//
// The Scope must be ended with Scope.End, and only one Scope can be active at a time per FlatParam.
func (fp *FlatParam) Summon(ctx context.Context, coll distributed.Collective, opts SummonOptions) (*Scope, error) {
	if fp.active != nil {
		return nil, errors.Wrapf(ErrAlreadySummoned, "summoning %s", fp)
	}
	if opts.Rank0Only && opts.Writeback {
		return nil, errors.Errorf("summoning %s: Rank0Only cannot be combined with Writeback", fp)
	}
	scope := &Scope{fp: fp, opts: opts}

	if fp.sharded {
		if coll == nil || coll.Rank() != fp.rank || coll.WorldSize() != fp.worldSize {
			return nil, errors.Errorf("summoning %s: collective doesn't match the rank and world size", fp)
		}
		gathered, err := distributed.AllGatherBuffer(ctx, coll, fp.local)
		if err != nil {
			return nil, errors.WithMessagef(err, "summoning %s", fp)
		}
		if opts.Rank0Only && fp.rank != 0 {
			gathered.Release()
			fp.active = scope
			klog.V(2).Infof("%s: summoned without holding the full parameters", fp)
			return scope, nil
		}
		if opts.OffloadToCPU && gathered.Device() != buffers.Host {
			onHost, err := gathered.ToDevice(buffers.Host)
			if err != nil {
				gathered.Release()
				return nil, err
			}
			gathered.Release()
			gathered = onHost
		}
		if scope.full, err = gathered.Narrow(0, fp.fullNumel); err != nil {
			return nil, err
		}
		scope.ownsFull = true
	} else {
		scope.full = fp.local
		if opts.OffloadToCPU && fp.local.Device() != buffers.Host {
			var err error
			if scope.full, err = fp.local.ToDevice(buffers.Host); err != nil {
				return nil, err
			}
			scope.ownsFull = true
		}
	}

	views, err := unflatten(scope.full, fp.infos)
	if err != nil {
		scope.release()
		return nil, err
	}
	scope.views = make(map[string]*buffers.Buffer, len(fp.infos)+len(fp.shared))
	for ii, info := range fp.infos {
		scope.views[info.FQN] = views[ii]
	}
	for _, alias := range fp.shared {
		scope.views[alias.FQN] = scope.views[alias.CanonicalFQN]
	}
	fp.active = scope
	klog.V(2).Infof("%s: summoned full parameters (writeback=%v, offload=%v)", fp, opts.Writeback, opts.OffloadToCPU)
	return scope, nil
}

// HoldsParams returns whether this rank holds the full parameters in this scope.
func (s *Scope) HoldsParams() bool {
	return s.full != nil
}

// Param returns a view of the full parameter fqn. Shared parameters return the view of their canonical parameter.
func (s *Scope) Param(fqn string) (*buffers.Buffer, error) {
	if s.ended {
		return nil, errors.Wrapf(ErrScopeEnded, "accessing parameter %q", fqn)
	}
	if s.full == nil {
		return nil, errors.Wrapf(ErrNotHeld, "rank %d accessing parameter %q", s.fp.rank, fqn)
	}
	view, found := s.views[fqn]
	if !found {
		return nil, errors.Wrapf(ErrUnknownParam, "%q in %s", fqn, s.fp)
	}
	return view, nil
}

// End the scope: with Writeback, the full parameters are re-sharded into the local chunk. Then the full buffer
// is released, invalidating every view returned by Param.
//
// It can only be called once: further calls return ErrScopeEnded.
func (s *Scope) End() error {
	if s.ended {
		return errors.Wrapf(ErrScopeEnded, "ending scope of %s", s.fp)
	}
	s.ended = true
	s.fp.active = nil
	defer s.release()
	if !s.opts.Writeback || s.full == nil {
		return nil
	}
	if !s.fp.sharded {
		if s.full.SharesStorage(s.fp.local) {
			return nil
		}
		return s.fp.local.CopyFrom(s.full)
	}
	layout := s.fp.ChunkLayout()
	if layout.ValidSize == 0 {
		return nil
	}
	src, err := s.full.Narrow(layout.Offset, layout.ValidSize)
	if err != nil {
		return err
	}
	dst, err := s.fp.local.Narrow(0, layout.ValidSize)
	if err != nil {
		return err
	}
	if err = dst.CopyFrom(src); err != nil {
		return errors.WithMessagef(err, "writing back parameters of %s", s.fp)
	}
	return nil
}

func (s *Scope) release() {
	if s.ownsFull && s.full != nil {
		s.full.Release()
	}
	s.views = nil
}
