// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
)

// saveLocal records this rank's chunk of the flat parameter, without its padding, as one sharded tensor entry.
// The data is not copied.
func (conv *Converter) saveLocal(sd StateDict) error {
	fp := conv.unit.Param
	if !fp.UsesShardedStrategy() {
		return errors.Wrapf(ErrUnshardedLayout, "%s: cannot save %s in mode %s", conv, fp, conv.mode)
	}
	valid, err := fp.LocalValid()
	if err != nil {
		return err
	}
	layout := fp.ChunkLayout()
	shard, err := distributed.MakeShard(valid, layout.Offset, fp.Rank(), fp.FullNumel())
	if err != nil {
		return errors.WithMessagef(err, "%s", conv)
	}
	st, err := distributed.FromChunkLayout(shard, fp.FullNumel(), fp.WorldSize())
	if err != nil {
		return errors.WithMessagef(err, "%s", conv)
	}
	if conv.offloadToCPU {
		if st, err = st.ToDevice(buffers.Host); err != nil {
			return err
		}
	}
	sd[conv.unit.key(FlatParamName)] = st
	return nil
}

// restoreLocal installs the chunk found in sd as this rank's chunk of the flat parameter, padding it with zeros
// to the chunk size.
func (conv *Converter) restoreLocal(sd StateDict) error {
	fp := conv.unit.Param
	if !fp.UsesShardedStrategy() {
		return errors.Wrapf(ErrUnshardedLayout, "%s: cannot restore %s in mode %s", conv, fp, conv.mode)
	}
	key := conv.unit.key(FlatParamName)
	value, found := sd[key]
	if !found {
		return errors.Wrapf(ErrMissingEntry, "%s: flat parameter %q", conv, key)
	}
	st, err := AsShardedTensor(value)
	if err != nil {
		return errors.WithMessagef(err, "%s: flat parameter %q", conv, key)
	}
	local, err := st.LocalBuffer()
	if err != nil {
		return errors.WithMessagef(err, "%s: flat parameter %q", conv, key)
	}
	local = local.Flatten()
	chunkSize := fp.Local().Size()
	if local.Size() > chunkSize {
		return errors.Wrapf(ErrShapeMismatch, "%s: flat parameter %q has %d elements, the local chunk only %d",
			conv, key, local.Size(), chunkSize)
	}
	numPadding := chunkSize - local.Size()
	if numPadding > 0 {
		klog.V(2).Infof("%s: padding flat parameter %q with %d elements", conv, key, numPadding)
	}
	padded, err := local.PadRight(numPadding)
	if err != nil {
		return err
	}
	return fp.InstallLocal(padded, fp.NumPadded())
}
