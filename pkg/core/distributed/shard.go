// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
)

var (
	// ErrInvalidShard is returned when a shard doesn't match the region it claims to hold.
	ErrInvalidShard = errors.New("invalid shard")

	// ErrMultiShardUnsupported is returned when more than one shard maps to a single rank.
	ErrMultiShardUnsupported = errors.New("more than one shard per rank is not supported")
)

// ShardMetadata describes the region of a logical tensor held by one rank.
type ShardMetadata struct {
	// Offsets of the region, one per axis of the logical tensor.
	Offsets []int

	// Sizes of the region, one per axis of the logical tensor.
	Sizes []int

	// Rank owning the region.
	Rank int

	// Placement is informative: where the owner keeps the data, e.g. "rank:3/node:0/local:3".
	Placement string
}

// Numel returns the number of elements in the region.
func (m ShardMetadata) Numel() int {
	numel := 1
	for _, size := range m.Sizes {
		numel *= size
	}
	return numel
}

// Clone returns a deep copy of the metadata.
func (m ShardMetadata) Clone() ShardMetadata {
	m.Offsets = slices.Clone(m.Offsets)
	m.Sizes = slices.Clone(m.Sizes)
	return m
}

// String implements fmt.Stringer.
func (m ShardMetadata) String() string {
	return fmt.Sprintf("Shard(rank=%d, offsets=%v, sizes=%v, %s)", m.Rank, m.Offsets, m.Sizes, m.Placement)
}

// Shard pairs the data held by a rank with the region of the logical tensor it corresponds to.
type Shard struct {
	Buffer   *buffers.Buffer
	Metadata ShardMetadata
}

// MakeShard wraps localValid, the valid (unpadded) elements of rank's chunk of a flat logical buffer with fullNumel
// elements, starting at offset.
//
// The buffer is not copied. It returns ErrInvalidShard if the buffer is empty while offset falls inside the
// logical buffer, if it is not empty while offset falls past its end, or if it overruns fullNumel.
func MakeShard(localValid *buffers.Buffer, offset, rank, fullNumel int) (*Shard, error) {
	n := localValid.Size()
	switch {
	case offset < 0 || rank < 0:
		return nil, errors.Wrapf(ErrInvalidShard, "negative offset %d or rank %d", offset, rank)
	case n == 0 && offset < fullNumel:
		return nil, errors.Wrapf(ErrInvalidShard,
			"rank %d: empty buffer at offset %d, but the logical buffer has %d elements", rank, offset, fullNumel)
	case n > 0 && offset >= fullNumel:
		return nil, errors.Wrapf(ErrInvalidShard,
			"rank %d: %d elements at offset %d, past the end of the logical buffer (%d elements)",
			rank, n, offset, fullNumel)
	case offset+n > fullNumel && n > 0:
		return nil, errors.Wrapf(ErrInvalidShard,
			"rank %d: %d elements at offset %d overrun the logical buffer (%d elements)", rank, n, offset, fullNumel)
	}
	return &Shard{
		Buffer: localValid.Flatten(),
		Metadata: ShardMetadata{
			Offsets:   []int{offset},
			Sizes:     []int{n},
			Rank:      rank,
			Placement: fmt.Sprintf("rank:%d/%s", rank, localValid.Device()),
		},
	}, nil
}

// Assemble builds a single-process view of a flat logical buffer with fullNumel elements from the shards held by this
// process: a zero-filled buffer with the shard's elements placed at its offset. With expectedRankCount == 1 the shard
// must cover the whole logical buffer, and the result is the full logical buffer.
//
// It is meant for non-collective paths only: exactly one shard must be given (ErrMultiShardUnsupported if more,
// ErrInvalidShard if none).
func Assemble(fullNumel int, shards []*Shard, expectedRankCount int) (*buffers.Buffer, error) {
	if len(shards) > 1 {
		return nil, errors.Wrapf(ErrMultiShardUnsupported, "got %d shards to assemble", len(shards))
	}
	if len(shards) == 0 {
		return nil, errors.Wrap(ErrInvalidShard, "no shard to assemble")
	}
	shard := shards[0]
	meta := shard.Metadata
	if len(meta.Offsets) != 1 || len(meta.Sizes) != 1 {
		return nil, errors.Wrapf(ErrInvalidShard, "cannot assemble a flat buffer from %s", meta)
	}
	if meta.Rank < 0 || meta.Rank >= expectedRankCount {
		return nil, errors.Wrapf(ErrInvalidShard, "%s: rank out of range for %d ranks", meta, expectedRankCount)
	}
	offset, n := meta.Offsets[0], meta.Sizes[0]
	if n != shard.Buffer.Size() {
		return nil, errors.Wrapf(ErrInvalidShard, "%s: buffer has %d elements", meta, shard.Buffer.Size())
	}
	if n > 0 && offset+n > fullNumel {
		return nil, errors.Wrapf(ErrInvalidShard, "%s overruns the logical buffer of %d elements", meta, fullNumel)
	}
	if expectedRankCount == 1 && (offset != 0 || n != fullNumel) {
		return nil, errors.Wrapf(ErrInvalidShard,
			"%s: a single rank must hold all %d elements", meta, fullNumel)
	}
	full := buffers.New(shard.Buffer.Device(), shapes.Make(shard.Buffer.DType(), fullNumel))
	if n == 0 {
		return full, nil
	}
	region, err := full.Narrow(offset, n)
	if err != nil {
		return nil, err
	}
	if err = region.CopyFrom(shard.Buffer); err != nil {
		return nil, err
	}
	return full, nil
}
