package distributed

import (
	"fmt"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	t.Run("Tiling", func(t *testing.T) {
		for worldSize := 1; worldSize <= 9; worldSize++ {
			for fullNumel := 0; fullNumel <= 40; fullNumel++ {
				chunkSize := Layout(fullNumel, worldSize, 0).ChunkSize
				assert.GreaterOrEqual(t, chunkSize*worldSize, fullNumel)
				sumValid := 0
				for rank := range worldSize {
					l := Layout(fullNumel, worldSize, rank)
					require.Equal(t, chunkSize, l.ChunkSize, "fullNumel=%d, worldSize=%d, rank=%d", fullNumel, worldSize, rank)
					assert.Equal(t, chunkSize*rank, l.Offset)
					assert.Equal(t, l.ChunkSize, l.ValidSize+l.Padding)
					assert.GreaterOrEqual(t, l.ValidSize, 0)
					if l.ValidSize > 0 {
						assert.Equal(t, sumValid, l.Offset, "chunks must be contiguous")
					}
					sumValid += l.ValidSize
				}
				assert.Equal(t, fullNumel, sumValid, "fullNumel=%d, worldSize=%d", fullNumel, worldSize)
			}
		}
	})

	t.Run("10x3", func(t *testing.T) {
		want := []ChunkLayout{
			{ChunkSize: 4, Offset: 0, ValidSize: 4, Padding: 0},
			{ChunkSize: 4, Offset: 4, ValidSize: 4, Padding: 0},
			{ChunkSize: 4, Offset: 8, ValidSize: 2, Padding: 2},
		}
		for rank := range 3 {
			assert.Equal(t, want[rank], Layout(10, 3, rank))
		}
	})

	t.Run("Empty", func(t *testing.T) {
		for rank := range 4 {
			l := Layout(0, 4, rank)
			assert.Equal(t, 0, l.ChunkSize)
			assert.Equal(t, 0, l.ValidSize)
			assert.Equal(t, 0, l.Padding)
		}
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		for _, args := range [][3]int{{-1, 2, 0}, {10, 0, 0}, {10, 2, 2}, {10, 2, -1}} {
			err := exceptions.TryCatch[error](func() { _ = Layout(args[0], args[1], args[2]) })
			require.Error(t, err, "Layout%v should panic", args)
		}
	})

	assert.Equal(t, "ChunkLayout(chunk=4, offset=8, valid=2, padding=2)", Layout(10, 3, 2).String())
}

func TestRowChunkSize(t *testing.T) {
	tests := []struct {
		dims      []int
		worldSize int
		want      int
	}{
		{nil, 1, 1},
		{nil, 4, 1},
		{[]int{0}, 4, 0},
		{[]int{0, 5}, 4, 0},
		{[]int{10}, 3, 4},
		{[]int{10, 2}, 3, 8},
		{[]int{3, 4, 5}, 2, 40},
		{[]int{1, 7}, 8, 7},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%d", tt.dims, tt.worldSize), func(t *testing.T) {
			assert.Equal(t, tt.want, RowChunkSize(tt.dims, tt.worldSize))
		})
	}

	// 1-D tensors match the flat layout.
	for worldSize := 1; worldSize <= 8; worldSize++ {
		for numel := 1; numel <= 20; numel++ {
			assert.Equal(t, Layout(numel, worldSize, 0).ChunkSize, RowChunkSize([]int{numel}, worldSize))
		}
	}
}
