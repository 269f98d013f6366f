// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// ChunkLayout describes the chunk of a flat logical buffer owned by one rank.
//
// Every rank holds a chunk of the same ChunkSize; the last ranks absorb the padding needed to make
// ChunkSize*worldSize >= fullNumel.
type ChunkLayout struct {
	// ChunkSize is the number of elements of every rank's chunk, including padding.
	ChunkSize int

	// Offset of the chunk in the flat logical buffer: ChunkSize*rank.
	Offset int

	// ValidSize is the number of elements of the chunk that hold logical data.
	ValidSize int

	// Padding is the number of trailing elements of the chunk that are padding: ChunkSize-ValidSize.
	Padding int
}

// String implements fmt.Stringer.
func (l ChunkLayout) String() string {
	return fmt.Sprintf("ChunkLayout(chunk=%d, offset=%d, valid=%d, padding=%d)",
		l.ChunkSize, l.Offset, l.ValidSize, l.Padding)
}

// Layout returns the chunk layout of rank for a flat logical buffer of fullNumel elements split across
// worldSize ranks.
//
// It must be called with the same fullNumel and worldSize on every rank, so all of them agree on ChunkSize.
// It panics for a negative fullNumel, worldSize < 1 or rank out of [0, worldSize).
func Layout(fullNumel, worldSize, rank int) ChunkLayout {
	if fullNumel < 0 || worldSize < 1 || rank < 0 || rank >= worldSize {
		exceptions.Panicf("distributed.Layout(fullNumel=%d, worldSize=%d, rank=%d): invalid arguments",
			fullNumel, worldSize, rank)
	}
	chunkSize := (fullNumel + worldSize - 1) / worldSize
	offset := chunkSize * rank
	validSize := max(0, min(chunkSize, fullNumel-offset))
	return ChunkLayout{
		ChunkSize: chunkSize,
		Offset:    offset,
		ValidSize: validSize,
		Padding:   chunkSize - validSize,
	}
}

// RowChunkSize returns the number of elements of each rank's chunk when a tensor with the given dimensions is
// partitioned along its first axis (see RowPartitioner): ceil(dim0/worldSize) rows of numel/dim0 elements each.
//
// Scalars are handled as a 1-D tensor with one element. For 1-D tensors it equals Layout(...).ChunkSize.
func RowChunkSize(dimensions []int, worldSize int) int {
	if worldSize < 1 {
		exceptions.Panicf("distributed.RowChunkSize(%v, worldSize=%d): invalid worldSize", dimensions, worldSize)
	}
	if len(dimensions) == 0 {
		return Layout(1, worldSize, 0).ChunkSize
	}
	rows := dimensions[0]
	if rows == 0 {
		return 0
	}
	rowNumel := 1
	for _, dim := range dimensions[1:] {
		rowNumel *= dim
	}
	return (rows + worldSize - 1) / worldSize * rowNumel
}
