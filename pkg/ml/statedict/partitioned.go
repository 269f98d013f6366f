// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
	"github.com/gomlx/shardckpt/pkg/ml/flatparam"
)

// savePartitioned records every parameter as a sharded tensor, partitioned by the configured partitioner from the
// full parameters.
func (conv *Converter) savePartitioned(ctx context.Context, sd StateDict) (err error) {
	fp := conv.unit.Param
	if !fp.UsesShardedStrategy() {
		return errors.Wrapf(ErrUnshardedLayout, "%s: cannot save %s in mode %s", conv, fp, conv.mode)
	}
	scope, err := fp.Summon(ctx, conv.coll, flatparam.SummonOptions{})
	if err != nil {
		return errors.WithMessagef(err, "%s", conv)
	}
	defer func() {
		if endErr := scope.End(); endErr != nil && err == nil {
			err = endErr
		}
	}()

	nodeWidth := conv.unit.nodeWidth(conv.worldSize)
	for _, info := range fp.Infos() {
		key := conv.unit.key(info.FQN)
		full, err := scope.Param(info.FQN)
		if err != nil {
			return err
		}
		st, err := conv.partitioner.Partition(full, conv.rank, conv.worldSize, nodeWidth)
		if err != nil {
			return errors.WithMessagef(err, "%s: partitioning %q", conv, key)
		}
		if conv.offloadToCPU {
			if st, err = st.ToDevice(buffers.Host); err != nil {
				return err
			}
		}
		sd[key] = st
	}
	for _, alias := range fp.Shared() {
		sd[conv.unit.key(alias.FQN)] = sd[conv.unit.key(alias.CanonicalFQN)]
	}
	return nil
}

// collectiveFingerprint identifies the sequence of all-gathers of restorePartitioned.
func (conv *Converter) collectiveFingerprint() uint64 {
	infos := conv.unit.Param.Infos()
	entries := make([]string, len(infos))
	for ii, info := range infos {
		entries[ii] = conv.unit.key(info.FQN) + info.Shape.String()
	}
	return distributed.Fingerprint(conv.worldSize, entries...)
}

// restorePartitioned reconstructs every parameter from the shards held by each rank, with one all-gather per
// parameter, and installs this rank's chunk of the result.
//
// Errors found locally don't interrupt the sequence of all-gathers, since the other ranks would be left waiting:
// this rank contributes zeros for the remaining parameters, and returns the first error at the end. The ranks
// exchange their status before installing: if any of them failed, none installs its chunk.
func (conv *Converter) restorePartitioned(ctx context.Context, sd StateDict) error {
	fp := conv.unit.Param
	if !fp.UsesShardedStrategy() {
		return errors.Wrapf(ErrUnshardedLayout, "%s: cannot restore %s in mode %s", conv, fp, conv.mode)
	}
	if err := distributed.AgreeOnFingerprint(ctx, conv.coll, conv.collectiveFingerprint()); err != nil {
		return errors.WithMessagef(err, "%s: ranks disagree on the parameters to restore", conv)
	}

	infos := fp.Infos()
	reconstructed := make([]*buffers.Buffer, len(infos))
	var firstErr error
	for ii, info := range infos {
		key := conv.unit.key(info.FQN)
		chunkSize := distributed.RowChunkSize(info.Shape.Dimensions, conv.worldSize)
		var padded *buffers.Buffer
		if firstErr == nil {
			var err error
			padded, err = conv.paddedLocalShard(ctx, sd, key, info.Shape, chunkSize)
			if err != nil {
				firstErr = err
				klog.Errorf("%s: restoring %q failed, completing the collectives before returning: %v", conv, key, err)
			}
		}
		if padded == nil {
			padded = buffers.New(conv.coll.Device(), shapes.Make(fp.DType(), chunkSize))
		}

		gathered, err := distributed.AllGatherBuffer(ctx, conv.coll, padded)
		if err != nil {
			return errors.WithMessagef(err, "%s: all-gathering %q", conv, key)
		}
		if firstErr != nil {
			gathered.Release()
			continue
		}
		trimmed, err := gathered.Narrow(0, info.Shape.Size())
		if err != nil {
			firstErr = err
			continue
		}
		if reconstructed[ii], err = trimmed.Reshape(info.Shape.Dimensions...); err != nil {
			firstErr = err
		}
	}
	var chunk *buffers.Buffer
	var numPadded int
	if firstErr == nil {
		chunk, numPadded, firstErr = conv.reshard(reconstructed)
	}
	// No rank installs its chunk unless all of them can.
	if err := distributed.AgreeOnStatus(ctx, conv.coll, firstErr == nil); err != nil && firstErr == nil {
		firstErr = errors.WithMessagef(err, "%s: restore aborted", conv)
	}
	if firstErr != nil {
		return firstErr
	}
	if err := fp.InstallLocal(chunk, numPadded); err != nil {
		return err
	}
	for _, info := range infos {
		delete(sd, conv.unit.key(info.FQN))
	}
	for _, alias := range fp.Shared() {
		delete(sd, conv.unit.key(alias.FQN))
	}
	return nil
}

// reshard validates the reconstructed parameters against the current ones, and returns this rank's chunk of them.
func (conv *Converter) reshard(reconstructed []*buffers.Buffer) (chunk *buffers.Buffer, numPadded int, err error) {
	fp := conv.unit.Param
	for ii, info := range fp.Infos() {
		if !reconstructed[ii].Shape().Equal(info.Shape) {
			return nil, 0, errors.Wrapf(ErrShapeMismatch, "%s: reconstructed %q as %s, expected %s",
				conv, conv.unit.key(info.FQN), reconstructed[ii].Shape(), info.Shape)
		}
	}
	flat, err := flatparam.Flatten(fp.DType(), reconstructed...)
	if err != nil {
		return nil, 0, err
	}
	chunk, numPadded, err = flatparam.GetShard(flat, conv.rank, conv.worldSize)
	if err != nil {
		return nil, 0, err
	}
	if chunk.Size() != fp.Local().Size() {
		return nil, 0, errors.Wrapf(ErrSizeMismatch, "%s: restored local chunk has %d elements, current one has %d",
			conv, chunk.Size(), fp.Local().Size())
	}
	if numPadded != fp.NumPadded() {
		return nil, 0, errors.Wrapf(ErrPaddingMismatch,
			"%s: restored local chunk has %d padding elements, current one has %d", conv, numPadded, fp.NumPadded())
	}
	return chunk, numPadded, nil
}

// paddedLocalShard returns this rank's shard of the parameter key, flattened, on the collective's device and
// padded with zeros to chunkSize. It returns a zero filled chunk if the rank holds no shard of the parameter.
func (conv *Converter) paddedLocalShard(ctx context.Context, sd StateDict, key string, shape shapes.Shape,
	chunkSize int) (*buffers.Buffer, error) {
	value, found := sd[key]
	if !found {
		return nil, errors.Wrapf(ErrMissingEntry, "%s: parameter %q", conv, key)
	}
	var localShards []*distributed.Shard
	if st, err := AsShardedTensor(value); err == nil {
		if !st.Shape().EqualDimensions(shape) {
			return nil, errors.Wrapf(ErrShapeMismatch, "%s: parameter %q has shape %s, state dict has %s",
				conv, key, shape, st.Shape())
		}
		localShards = st.LocalShards()
	} else {
		full, err := AsBuffer(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: parameter %q", conv, key)
		}
		_, localShards, err = conv.preLoad(ctx, key, full, shape, conv.rank, conv.worldSize,
			conv.unit.nodeWidth(conv.worldSize))
		if err != nil {
			return nil, err
		}
	}
	if len(localShards) > 1 {
		return nil, errors.Wrapf(distributed.ErrMultiShardUnsupported, "%s: parameter %q has %d local shards",
			conv, key, len(localShards))
	}

	dtype := conv.unit.Param.DType()
	if len(localShards) == 0 {
		return buffers.New(conv.coll.Device(), shapes.Make(dtype, chunkSize)), nil
	}
	local := localShards[0].Buffer.Flatten()
	if local.Size() > chunkSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s: parameter %q local shard has %d elements, chunks have %d",
			conv, key, local.Size(), chunkSize)
	}
	if local.DType() != dtype {
		var err error
		if local, err = local.CastTo(dtype); err != nil {
			return nil, err
		}
	}
	local, err := local.ToDevice(conv.coll.Device())
	if err != nil {
		return nil, err
	}
	return local.PadRight(chunkSize - local.Size())
}
