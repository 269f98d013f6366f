package distributed

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
)

// Partitioner splits a full (unsharded) tensor into the ShardedTensor seen by rank.
type Partitioner interface {
	// Partition returns the sharded tensor of full as held by rank, out of worldSize ranks, with nodeWidth
	// ranks per machine.
	//
	// The local shards must own their storage: they remain valid after full is released.
	Partition(full *buffers.Buffer, rank, worldSize, nodeWidth int) (*ShardedTensor, error)
}

// RowPartitioner splits tensors along their first axis in chunks of ceil(dim0/worldSize) rows: the last ranks may
// get fewer rows, or none.
//
// Scalars are held whole by rank 0.
type RowPartitioner struct{}

// Compile-time check that RowPartitioner implements Partitioner.
var _ Partitioner = RowPartitioner{}

// Placement returns the informative placement of rank, given nodeWidth ranks per machine.
func Placement(rank, nodeWidth int) string {
	if nodeWidth < 1 {
		nodeWidth = 1
	}
	return fmt.Sprintf("rank:%d/node:%d/local:%d", rank, rank/nodeWidth, rank%nodeWidth)
}

// Partition implements Partitioner.
func (RowPartitioner) Partition(full *buffers.Buffer, rank, worldSize, nodeWidth int) (*ShardedTensor, error) {
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("RowPartitioner: invalid rank %d for world size %d", rank, worldSize)
	}
	shape := full.Shape()
	var metadata []ShardMetadata
	var local []*Shard

	if shape.IsScalar() {
		metadata = []ShardMetadata{{Rank: 0, Placement: Placement(0, nodeWidth)}}
		if rank == 0 {
			local = []*Shard{{Buffer: full.Clone(), Metadata: metadata[0]}}
		}
		return NewShardedTensor(shape, metadata, local)
	}

	rows := shape.Dimensions[0]
	rowNumel := 1
	for _, dim := range shape.Dimensions[1:] {
		rowNumel *= dim
	}
	rowsPerChunk := (rows + worldSize - 1) / worldSize
	for r := range worldSize {
		start := r * rowsPerChunk
		n := min(rowsPerChunk, rows-start)
		if n <= 0 {
			break
		}
		offsets := make([]int, shape.Rank())
		offsets[0] = start
		sizes := slices.Clone(shape.Dimensions)
		sizes[0] = n
		meta := ShardMetadata{Offsets: offsets, Sizes: sizes, Rank: r, Placement: Placement(r, nodeWidth)}
		metadata = append(metadata, meta)
		if r != rank {
			continue
		}
		flat, err := full.Narrow(start*rowNumel, n*rowNumel)
		if err != nil {
			return nil, err
		}
		buf, err := flat.Clone().Reshape(sizes...)
		if err != nil {
			return nil, err
		}
		local = append(local, &Shard{Buffer: buf, Metadata: meta})
	}
	if rows == 0 {
		// Nothing to split: rank 0 holds the empty tensor.
		meta := ShardMetadata{Offsets: make([]int, shape.Rank()), Sizes: slices.Clone(shape.Dimensions),
			Rank: 0, Placement: Placement(0, nodeWidth)}
		metadata = []ShardMetadata{meta}
		if rank == 0 {
			local = []*Shard{{Buffer: full.Clone(), Metadata: meta}}
		}
	}
	return NewShardedTensor(shape, metadata, local)
}
