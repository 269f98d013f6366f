// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/ml/flatparam"
)

// saveFull records a clone of every full parameter into sd.
//
// It returns whether this rank holds the values: with rank0Only, ranks other than 0 take part in the collective,
// drop the unit's entries from sd and return false.
func (conv *Converter) saveFull(ctx context.Context, sd StateDict) (holdsValues bool, err error) {
	fp := conv.unit.Param
	scope, err := fp.Summon(ctx, conv.coll, flatparam.SummonOptions{
		Rank0Only:    conv.rank0Only,
		OffloadToCPU: conv.offloadToCPU,
	})
	if err != nil {
		return false, errors.WithMessagef(err, "%s", conv)
	}
	defer func() {
		if endErr := scope.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()
	// Unsharded parameters are held by every rank, so Rank0Only is also checked here.
	if !scope.HoldsParams() || (conv.rank0Only && conv.rank != 0) {
		conv.dropOwned(sd)
		return false, nil
	}

	for _, info := range fp.Infos() {
		key := conv.unit.key(info.FQN)
		if _, cloned := sd[key].(Cloned[*buffers.Buffer]); cloned {
			klog.V(2).Infof("%s: %q already cloned", conv, key)
			continue
		}
		view, err := scope.Param(info.FQN)
		if err != nil {
			return false, err
		}
		clone, err := conv.clone(view)
		if err != nil {
			// The entry keeps the view, which is released at the end of the scope.
			klog.Warningf("%s: failed to clone %q, it may alias storage released after saving: %v", conv, key, err)
			sd[key] = view
			continue
		}
		sd[key] = Cloned[*buffers.Buffer]{Value: clone}
	}
	for _, alias := range fp.Shared() {
		sd[conv.unit.key(alias.FQN)] = sd[conv.unit.key(alias.CanonicalFQN)]
	}
	return true, nil
}

// restoreFull copies the values in sd into the full parameters, which are written back to the local chunks.
//
// Parameters copied before a failure keep their new value.
func (conv *Converter) restoreFull(ctx context.Context, sd StateDict) (err error) {
	fp := conv.unit.Param
	scope, err := fp.Summon(ctx, conv.coll, flatparam.SummonOptions{Writeback: true})
	if err != nil {
		return errors.WithMessagef(err, "%s", conv)
	}
	defer func() {
		if endErr := scope.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	for _, info := range fp.Infos() {
		key := conv.unit.key(info.FQN)
		value, found := sd[key]
		if !found {
			return errors.Wrapf(ErrMissingEntry, "%s: parameter %q", conv, key)
		}
		src, err := AsBuffer(value)
		if err != nil {
			return errors.WithMessagef(err, "%s: parameter %q", conv, key)
		}
		if !src.Shape().EqualDimensions(info.Shape) {
			return errors.Wrapf(ErrShapeMismatch, "%s: parameter %q has shape %s, state dict has %s",
				conv, key, info.Shape, src.Shape())
		}
		view, err := scope.Param(info.FQN)
		if err != nil {
			return err
		}
		if err = view.CopyFrom(src); err != nil {
			return errors.WithMessagef(err, "%s: restoring parameter %q", conv, key)
		}
	}
	return nil
}
