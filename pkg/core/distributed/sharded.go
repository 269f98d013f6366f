// Package distributed defines the following objects related to sharding parameters across the ranks of a
// process group:
//
// - Layout: the chunk of a flat buffer owned by each rank, and RowChunkSize for partitions along the first axis.
// - Shard and ShardMetadata: the region of a logical tensor held by one rank.
// - ShardedTensor: a logical tensor distributed across the ranks, as seen by one of them.
// - Collective: the all-gather primitive, with LocalGroup as an in-process implementation.
// - ProcessMesh: expresses the topology of the ranks, in terms of axes and their sizes.
// - Partitioner: splits a full tensor into a ShardedTensor.
package distributed

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
)

// ShardedTensor is a logical tensor distributed across the ranks of a process group, as seen by one of them.
//
// It holds the metadata of every rank's shard (at most one per rank), and the physical shards held locally.
type ShardedTensor struct {
	// shape is the logical, unsharded shape of the tensor.
	shape shapes.Shape

	// metadata of every shard, sorted by rank.
	metadata []ShardMetadata

	// local are the shards held by this process.
	local []*Shard
}

// NewShardedTensor creates a ShardedTensor and validates that:
//
//   - There is at most one shard per rank.
//   - The shards are within the logical shape and tile it exactly, without overlaps.
//   - The local shards are listed in metadata and their buffers have the matching size and dtype.
//
// The metadata is sorted by rank.
func NewShardedTensor(shape shapes.Shape, metadata []ShardMetadata, local []*Shard) (*ShardedTensor, error) {
	metadata = slices.Clone(metadata)
	slices.SortFunc(metadata, func(a, b ShardMetadata) int { return a.Rank - b.Rank })
	for i := range metadata {
		if i > 0 && metadata[i].Rank == metadata[i-1].Rank {
			return nil, errors.Wrapf(ErrMultiShardUnsupported, "rank %d has more than one shard", metadata[i].Rank)
		}
	}
	if err := checkTiling(shape, metadata); err != nil {
		return nil, err
	}
	for _, shard := range local {
		idx := slices.IndexFunc(metadata, func(m ShardMetadata) bool { return m.Rank == shard.Metadata.Rank })
		if idx == -1 {
			return nil, errors.Wrapf(ErrInvalidShard, "local %s is not in the sharded tensor metadata", shard.Metadata)
		}
		meta := metadata[idx]
		if !slices.Equal(meta.Offsets, shard.Metadata.Offsets) || !slices.Equal(meta.Sizes, shard.Metadata.Sizes) {
			return nil, errors.Wrapf(ErrInvalidShard, "local %s doesn't match %s", shard.Metadata, meta)
		}
		if shard.Buffer.Size() != meta.Numel() || shard.Buffer.DType() != shape.DType {
			return nil, errors.Wrapf(ErrInvalidShard, "local %s holds %s, logical shape is %s",
				shard.Metadata, shard.Buffer, shape)
		}
	}
	return &ShardedTensor{
		shape:    shape.Clone(),
		metadata: metadata,
		local:    slices.Clone(local),
	}, nil
}

// checkTiling verifies the shards are within shape and cover it exactly once.
func checkTiling(shape shapes.Shape, metadata []ShardMetadata) error {
	rank := shape.Rank()
	total := 0
	for i, meta := range metadata {
		if len(meta.Offsets) != rank || len(meta.Sizes) != rank {
			return errors.Wrapf(ErrInvalidShard, "%s doesn't match the rank of the logical shape %s", meta, shape)
		}
		numel := meta.Numel()
		total += numel
		if numel == 0 {
			continue
		}
		for axis, dim := range shape.Dimensions {
			if meta.Offsets[axis] < 0 || meta.Sizes[axis] < 0 || meta.Offsets[axis]+meta.Sizes[axis] > dim {
				return errors.Wrapf(ErrInvalidShard, "%s is out of bounds of the logical shape %s", meta, shape)
			}
		}
		for _, other := range metadata[:i] {
			if other.Numel() > 0 && overlaps(meta, other) {
				return errors.Wrapf(ErrInvalidShard, "%s overlaps %s", meta, other)
			}
		}
	}
	if total != shape.Size() {
		return errors.Wrapf(ErrInvalidShard, "shards hold %d elements, logical shape %s has %d",
			total, shape, shape.Size())
	}
	return nil
}

func overlaps(a, b ShardMetadata) bool {
	for axis := range a.Offsets {
		if a.Offsets[axis] >= b.Offsets[axis]+b.Sizes[axis] || b.Offsets[axis] >= a.Offsets[axis]+a.Sizes[axis] {
			return false
		}
	}
	return true
}

// FromChunkLayout creates the 1-D ShardedTensor of a flat buffer with fullNumel elements chunked across worldSize
// ranks (see Layout), given the local shard built with MakeShard.
func FromChunkLayout(local *Shard, fullNumel, worldSize int) (*ShardedTensor, error) {
	metadata := make([]ShardMetadata, worldSize)
	for rank := range worldSize {
		layout := Layout(fullNumel, worldSize, rank)
		metadata[rank] = ShardMetadata{
			Offsets: []int{layout.Offset},
			Sizes:   []int{layout.ValidSize},
			Rank:    rank,
		}
		if rank == local.Metadata.Rank {
			metadata[rank].Placement = local.Metadata.Placement
		}
	}
	return NewShardedTensor(shapes.Make(local.Buffer.DType(), fullNumel), metadata, []*Shard{local})
}

// Shape returns the logical, unsharded shape of the tensor.
func (st *ShardedTensor) Shape() shapes.Shape {
	return st.shape
}

// Metadata returns the metadata of every shard, sorted by rank.
func (st *ShardedTensor) Metadata() []ShardMetadata {
	return st.metadata
}

// LocalShards returns the shards held by this process.
func (st *ShardedTensor) LocalShards() []*Shard {
	return st.local
}

// LocalBuffer returns the buffer of the one local shard. It fails with ErrMultiShardUnsupported if there is
// more than one, or ErrInvalidShard if there is none.
func (st *ShardedTensor) LocalBuffer() (*buffers.Buffer, error) {
	switch len(st.local) {
	case 1:
		return st.local[0].Buffer, nil
	case 0:
		return nil, errors.Wrapf(ErrInvalidShard, "%s has no local shard", st)
	default:
		return nil, errors.Wrapf(ErrMultiShardUnsupported, "%s has %d local shards", st, len(st.local))
	}
}

// ToDevice returns the sharded tensor with its local shards moved to device.
func (st *ShardedTensor) ToDevice(device buffers.Device) (*ShardedTensor, error) {
	local := make([]*Shard, len(st.local))
	for i, shard := range st.local {
		buf, err := shard.Buffer.ToDevice(device)
		if err != nil {
			return nil, err
		}
		local[i] = &Shard{Buffer: buf, Metadata: shard.Metadata}
	}
	return &ShardedTensor{shape: st.shape, metadata: st.metadata, local: local}, nil
}

// String implements fmt.Stringer.
func (st *ShardedTensor) String() string {
	return fmt.Sprintf("ShardedTensor%s(%d shards, %d local)", st.shape, len(st.metadata), len(st.local))
}
