// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flatparam

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
)

// testParams returns a weight [2, 3] and a bias [4]: 10 elements in total.
func testParams() ([]ParamInfo, []*buffers.Buffer) {
	infos := []ParamInfo{
		{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 2, 3)},
		{FQN: "bias", Shape: shapes.Make(dtypes.Float32, 4)},
	}
	values := []*buffers.Buffer{
		buffers.FromFlatDataAndDimensions([]float32{0, 1, 2, 3, 4, 5}, 2, 3),
		buffers.FromFlatDataAndDimensions([]float32{6, 7, 8, 9}, 4),
	}
	return infos, values
}

func TestNew(t *testing.T) {
	infos, values := testParams()
	for rank, want := range [][]float32{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9, 0, 0}} {
		fp, err := New(Config{Infos: infos, Rank: rank, WorldSize: 3, Sharded: true}, values)
		require.NoError(t, err)
		assert.Equal(t, 10, fp.FullNumel())
		got, err := buffers.CopyFlatData[float32](fp.Local())
		require.NoError(t, err)
		assert.Equal(t, want, got)
		if rank == 2 {
			assert.Equal(t, 2, fp.NumPadded())
		} else {
			assert.Equal(t, 0, fp.NumPadded())
		}
		valid, err := fp.LocalValid()
		require.NoError(t, err)
		assert.Equal(t, 4-fp.NumPadded(), valid.Size())
	}

	fp, err := New(Config{Infos: infos, Rank: 0, WorldSize: 3}, values)
	require.NoError(t, err)
	assert.False(t, fp.UsesShardedStrategy())
	assert.Equal(t, 10, fp.Local().Size())

	t.Run("Errors", func(t *testing.T) {
		_, err := New(Config{Infos: infos, Rank: 3, WorldSize: 3}, values)
		require.Error(t, err)
		_, err = New(Config{Infos: infos, WorldSize: 1}, values[:1])
		require.Error(t, err)
		_, err = New(Config{Infos: []ParamInfo{infos[0], infos[0]}, WorldSize: 1}, []*buffers.Buffer{values[0], values[0]})
		require.ErrorContains(t, err, "duplicate")
		_, err = New(Config{Infos: infos, WorldSize: 1,
			Shared: []SharedParamInfo{{FQN: "tied", CanonicalFQN: "missing"}}}, values)
		require.ErrorContains(t, err, "unknown parameter")
		_, err = New(Config{Infos: infos, WorldSize: 1}, []*buffers.Buffer{values[1], values[0]})
		require.Error(t, err)
	})
}

func TestSummon(t *testing.T) {
	infos, values := testParams()
	shared := []SharedParamInfo{{FQN: "tied_bias", CanonicalFQN: "bias"}}
	const worldSize = 3
	group := distributed.NewLocalGroup(worldSize)
	err := group.Run(context.Background(), func(ctx context.Context, coll distributed.Collective) error {
		fp, err := New(Config{Infos: infos, Shared: shared, Rank: coll.Rank(), WorldSize: worldSize, Sharded: true},
			values)
		require.NoError(t, err)
		assert.Equal(t, []string{"weight", "bias", "tied_bias"}, fp.FQNs())

		scope, err := fp.Summon(ctx, coll, SummonOptions{Writeback: true})
		require.NoError(t, err)
		weight, err := scope.Param("weight")
		require.NoError(t, err)
		assert.True(t, weight.Equal(values[0]))
		bias, err := scope.Param("bias")
		require.NoError(t, err)
		tied, err := scope.Param("tied_bias")
		require.NoError(t, err)
		assert.Same(t, bias, tied)
		_, err = scope.Param("nope")
		require.ErrorIs(t, err, ErrUnknownParam)

		_, err = fp.Summon(ctx, coll, SummonOptions{})
		require.ErrorIs(t, err, ErrAlreadySummoned)

		// Double the bias, and write it back.
		require.NoError(t, bias.CopyFrom(buffers.FromFlatDataAndDimensions([]float32{12, 14, 16, 18}, 4)))
		require.NoError(t, scope.End())
		assert.True(t, weight.IsReleased(), "views are invalidated at the end of the scope")
		require.ErrorIs(t, scope.End(), ErrScopeEnded)
		_, err = scope.Param("weight")
		require.ErrorIs(t, err, ErrScopeEnded)

		want := [][]float32{{0, 1, 2, 3}, {4, 5, 12, 14}, {16, 18, 0, 0}}[coll.Rank()]
		got, err := buffers.CopyFlatData[float32](fp.Local())
		require.NoError(t, err)
		assert.Equal(t, want, got)

		// Rank0Only: only rank 0 holds the parameters.
		scope, err = fp.Summon(ctx, coll, SummonOptions{Rank0Only: true, OffloadToCPU: true})
		require.NoError(t, err)
		assert.Equal(t, coll.Rank() == 0, scope.HoldsParams())
		if coll.Rank() != 0 {
			_, err = scope.Param("weight")
			require.ErrorIs(t, err, ErrNotHeld)
		}
		require.NoError(t, scope.End())

		_, err = fp.Summon(ctx, coll, SummonOptions{Rank0Only: true, Writeback: true})
		require.Error(t, err)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, group.NumRounds())
}

func TestSummonUnsharded(t *testing.T) {
	infos, values := testParams()
	fp, err := New(Config{Infos: infos, WorldSize: 1, Device: buffers.Accelerator}, values)
	require.NoError(t, err)

	// No collective is needed.
	scope, err := fp.Summon(context.Background(), nil, SummonOptions{OffloadToCPU: true, Writeback: true})
	require.NoError(t, err)
	bias, err := scope.Param("bias")
	require.NoError(t, err)
	assert.Equal(t, buffers.Host, bias.Device())
	require.NoError(t, bias.CopyFrom(buffers.FromFlatDataAndDimensions([]float32{-1, -1, -1, -1}, 4)))
	require.NoError(t, scope.End())

	got, err := buffers.CopyFlatData[float32](fp.Local())
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, -1, -1, -1, -1}, got)
	assert.Equal(t, buffers.Accelerator, fp.Local().Device())
	assert.False(t, fp.Local().IsReleased())
}

func TestInstallLocal(t *testing.T) {
	infos, values := testParams()
	fp, err := New(Config{Infos: infos, Rank: 2, WorldSize: 3, Sharded: true}, values)
	require.NoError(t, err)

	chunk := buffers.FromFlatDataAndDimensions([]float64{1, 2, 0, 0}, 4)
	require.NoError(t, fp.InstallLocal(chunk, 2))
	assert.Equal(t, dtypes.Float32, fp.Local().DType())
	got, err := buffers.CopyFlatData[float32](fp.Local())
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 0, 0}, got)

	require.Error(t, fp.InstallLocal(buffers.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3), 0))
	require.Error(t, fp.InstallLocal(chunk, 5))
}

func TestGetShard(t *testing.T) {
	flat := buffers.FromFlatDataAndDimensions([]int32{1, 2, 3}, 3)
	// 3 elements over 4 ranks: the last rank holds only padding.
	chunk, numPadded, err := GetShard(flat, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.Size())
	assert.Equal(t, 1, numPadded)

	chunk, numPadded, err = GetShard(flat, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, numPadded)
	assert.False(t, chunk.SharesStorage(flat))
	got, err := buffers.CopyFlatData[int32](chunk)
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, got)
}
