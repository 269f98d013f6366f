// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
	"github.com/gomlx/shardckpt/pkg/ml/flatparam"
	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// ramp returns a float32 buffer with the given dimensions, with values start, start+1, ...
func ramp(start float32, dimensions ...int) *buffers.Buffer {
	data := make([]float32, shapes.Make(dtypes.Float32, dimensions...).Size())
	for ii := range data {
		data[ii] = start + float32(ii)
	}
	return buffers.FromFlatDataAndDimensions(data, dimensions...)
}

func newParam(rank, worldSize int, sharded bool, infos []flatparam.ParamInfo, shared []flatparam.SharedParamInfo,
	values ...*buffers.Buffer) (*flatparam.FlatParam, error) {
	return flatparam.New(flatparam.Config{
		Infos:     infos,
		Shared:    shared,
		Rank:      rank,
		WorldSize: worldSize,
		Sharded:   sharded,
	}, values)
}

// zeros returns zero-filled values for infos.
func zeros(infos []flatparam.ParamInfo) []*buffers.Buffer {
	values := make([]*buffers.Buffer, len(infos))
	for ii, info := range infos {
		values[ii] = buffers.FromShape(info.Shape)
	}
	return values
}

// runRanks runs fn on every rank of a new LocalGroup, and fails the test if any rank fails.
func runRanks(t *testing.T, worldSize int, fn func(ctx context.Context, coll distributed.Collective) error) *distributed.LocalGroup {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	group := distributed.NewLocalGroup(worldSize)
	require.NoError(t, group.Run(ctx, fn))
	return group
}

func TestRoundTrip(t *testing.T) {
	for _, mode := range ModeValues() {
		for _, worldSize := range []int{1, 2, 8} {
			for _, numel := range []int{0, 1, 3 * worldSize, 3*worldSize + 1} {
				t.Run(fmt.Sprintf("%s/world=%d/numel=%d", mode, worldSize, numel), func(t *testing.T) {
					infos := []flatparam.ParamInfo{{FQN: "weight", Shape: shapes.Make(dtypes.Float32, numel)}}
					runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
						src, err := newParam(coll.Rank(), worldSize, true, infos, nil, ramp(1, numel))
						if err != nil {
							return err
						}
						saver, err := Build(&Unit{Param: src}, coll).Mode(mode).Done()
						if err != nil {
							return err
						}
						sd, err := saver.Save(ctx)
						if err != nil {
							return err
						}

						dst, err := newParam(coll.Rank(), worldSize, true, infos, nil, zeros(infos)...)
						if err != nil {
							return err
						}
						loader, err := Build(&Unit{Param: dst}, coll).Mode(mode).Done()
						if err != nil {
							return err
						}
						if err = loader.Restore(ctx, sd); err != nil {
							return err
						}
						assert.Truef(t, dst.Local().Equal(src.Local()), "rank %d: restored %s, saved %s",
							coll.Rank(), dst.Local(), src.Local())
						assert.Equal(t, src.NumPadded(), dst.NumPadded())
						return nil
					})
				})
			}
		}
	}
}

// encoderUnit is a unit with two parameters, an alias of the weight, a persistent and a non-persistent buffer.
func encoderUnit(rank, worldSize int, start float32) (*Unit, error) {
	infos := []flatparam.ParamInfo{
		{FQN: "layer.weight", Shape: shapes.Make(dtypes.Float32, 3, 2)},
		{FQN: "layer.bias", Shape: shapes.Make(dtypes.Float32, 3)},
	}
	shared := []flatparam.SharedParamInfo{{FQN: "head.weight", CanonicalFQN: "layer.weight"}}
	fp, err := newParam(rank, worldSize, true, infos, shared, ramp(start, 3, 2), ramp(start+100, 3))
	if err != nil {
		return nil, err
	}
	return &Unit{
		Prefix: "encoder." + WrappedModulePrefix,
		Param:  fp,
		Buffers: map[string]*buffers.Buffer{
			"running_mean": ramp(start+200, 3),
			"cache":        ramp(start+300, 2),
		},
		NonPersistent: sets.MakeWith("cache"),
	}, nil
}

func TestMultipleParams(t *testing.T) {
	const worldSize = 2
	wantNames := []string{"encoder.head.weight", "encoder.layer.bias", "encoder.layer.weight", "encoder.running_mean"}

	t.Run("Full", func(t *testing.T) {
		group := runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
			unit, err := encoderUnit(coll.Rank(), worldSize, 1)
			if err != nil {
				return err
			}
			conv, err := Build(unit, coll).OffloadToCPU(true).Done()
			if err != nil {
				return err
			}
			sd, err := conv.Save(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, wantNames, sd.Names())
			weight, ok := sd["encoder.layer.weight"].(Cloned[*buffers.Buffer])
			if assert.True(t, ok, "full parameters are cloned") {
				assert.True(t, weight.Value.Equal(ramp(1, 3, 2)))
				assert.Equal(t, buffers.Host, weight.Value.Device())
				assert.False(t, weight.Value.IsReleased())
			}
			assert.Equal(t, sd["encoder.layer.weight"], sd["encoder.head.weight"])

			// Restore into a unit with other values.
			other, err := encoderUnit(coll.Rank(), worldSize, 1000)
			if err != nil {
				return err
			}
			loader, err := Build(other, coll).Done()
			if err != nil {
				return err
			}
			if err = loader.Restore(ctx, sd); err != nil {
				return err
			}
			assert.True(t, other.Param.Local().Equal(unit.Param.Local()))
			assert.True(t, other.Buffers["running_mean"].Equal(ramp(201, 3)))
			assert.True(t, other.Buffers["cache"].Equal(ramp(1300, 2)), "non-persistent buffers are not restored")
			return nil
		})
		// One all-gather to save, one to restore.
		assert.Equal(t, 2, group.NumRounds())
	})

	t.Run("Partitioned", func(t *testing.T) {
		group := runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
			unit, err := encoderUnit(coll.Rank(), worldSize, 1)
			if err != nil {
				return err
			}
			conv, err := Build(unit, coll).Mode(ModePartitioned).Done()
			if err != nil {
				return err
			}
			sd, err := conv.Save(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, wantNames, sd.Names())
			weight, err := AsShardedTensor(sd["encoder.layer.weight"])
			if err != nil {
				return err
			}
			assert.Same(t, weight, sd["encoder.head.weight"])
			assert.Len(t, weight.Metadata(), worldSize)

			other, err := encoderUnit(coll.Rank(), worldSize, 1000)
			if err != nil {
				return err
			}
			loader, err := Build(other, coll).Mode(ModePartitioned).Done()
			if err != nil {
				return err
			}
			if err = loader.Restore(ctx, sd); err != nil {
				return err
			}
			assert.True(t, other.Param.Local().Equal(unit.Param.Local()))
			assert.Equal(t, []string{"encoder.running_mean"}, sd.Names(),
				"restored parameters and their aliases are removed from the state dict")
			return nil
		})
		// Save: one all-gather. Restore: fingerprint, one per parameter with storage, and status.
		assert.Equal(t, 1+1+2+1, group.NumRounds())
	})

	t.Run("Local", func(t *testing.T) {
		runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
			unit, err := encoderUnit(coll.Rank(), worldSize, 1)
			if err != nil {
				return err
			}
			conv, err := Build(unit, nil).Mode(ModeLocal).Done()
			if err != nil {
				return err
			}
			sd, err := conv.Save(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, []string{"encoder.flat_param", "encoder.running_mean"}, sd.Names())
			st, err := AsShardedTensor(sd["encoder.flat_param"])
			if err != nil {
				return err
			}
			local, err := st.LocalBuffer()
			if err != nil {
				return err
			}
			assert.True(t, local.SharesStorage(unit.Param.Local()), "local chunks are saved without copies")
			return nil
		})
	})
}

func TestRank0Only(t *testing.T) {
	const worldSize = 4
	step := buffers.FromFlatDataAndDimensions([]int64{17})
	runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
		unit, err := encoderUnit(coll.Rank(), worldSize, 1)
		if err != nil {
			return err
		}
		unit.Ignored = StateDict{"optimizer.step": step}
		conv, err := Build(unit, coll).Rank0Only(true).Done()
		if err != nil {
			return err
		}
		// Entries from a previous save of the unit, and from other units.
		stale := ramp(0, 3)
		sd := StateDict{"encoder.layer.bias": stale, "decoder.bias": stale}
		if err = conv.SaveInto(ctx, sd); err != nil {
			return err
		}
		if coll.Rank() == 0 {
			assert.Equal(t, []string{"decoder.bias", "encoder.head.weight", "encoder.layer.bias",
				"encoder.layer.weight", "encoder.running_mean", "optimizer.step"}, sd.Names())
			assert.NotSame(t, stale, sd["encoder.layer.bias"])
		} else {
			assert.Equal(t, []string{"decoder.bias", "optimizer.step"}, sd.Names())
		}
		assert.Same(t, step, sd["optimizer.step"])
		return nil
	})

	// Unsharded parameters are held by every rank, but only rank 0 saves them.
	infos := []flatparam.ParamInfo{{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 5)}}
	runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
		fp, err := newParam(coll.Rank(), worldSize, false, infos, nil, ramp(1, 5))
		if err != nil {
			return err
		}
		unit := &Unit{Param: fp, Buffers: map[string]*buffers.Buffer{"scale": ramp(0, 1)}}
		conv, err := Build(unit, coll).Rank0Only(true).Done()
		if err != nil {
			return err
		}
		sd := StateDict{"weight": ramp(0, 5)}
		if err = conv.SaveInto(ctx, sd); err != nil {
			return err
		}
		if coll.Rank() == 0 {
			assert.Equal(t, []string{"scale", "weight"}, sd.Names())
			weight, ok := sd["weight"].(Cloned[*buffers.Buffer])
			if assert.True(t, ok) {
				assert.True(t, weight.Value.Equal(ramp(1, 5)))
			}
		} else {
			assert.Empty(t, sd.Names())
		}
		return nil
	})
}

func TestCloneFailure(t *testing.T) {
	const worldSize = 2
	runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
		unit, err := encoderUnit(coll.Rank(), worldSize, 1)
		if err != nil {
			return err
		}
		var numCalls atomic.Int32
		unit.Clone = func(b *buffers.Buffer) (*buffers.Buffer, error) {
			numCalls.Add(1)
			return nil, errors.New("out of device memory")
		}
		conv, err := Build(unit, coll).Done()
		if err != nil {
			return err
		}
		sd, err := conv.Save(ctx)
		if err != nil {
			return err
		}
		raw, ok := sd["encoder.layer.weight"].(*buffers.Buffer)
		if assert.True(t, ok, "the entry keeps the uncloned value") {
			assert.True(t, raw.IsReleased(), "uncloned values alias the released full parameters")
		}
		// Aliases are not cloned.
		assert.Equal(t, int32(2), numCalls.Load())
		return nil
	})

	// CloneBuffer reports the failure to clone released buffers as an error.
	released := ramp(0, 2)
	released.Release()
	_, err := CloneBuffer(released)
	require.ErrorContains(t, err, "released")
}

func TestAlreadyCloned(t *testing.T) {
	const worldSize = 2
	runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
		unit, err := encoderUnit(coll.Rank(), worldSize, 1)
		if err != nil {
			return err
		}
		conv, err := Build(unit, coll).Done()
		if err != nil {
			return err
		}
		previous := Cloned[*buffers.Buffer]{Value: ramp(-1, 3)}
		sd := StateDict{"encoder.layer.bias": previous}
		if err = conv.SaveInto(ctx, sd); err != nil {
			return err
		}
		bias, ok := sd["encoder.layer.bias"].(Cloned[*buffers.Buffer])
		if assert.True(t, ok) {
			assert.Same(t, previous.Value, bias.Value)
		}
		weight, ok := sd["encoder.layer.weight"].(Cloned[*buffers.Buffer])
		if assert.True(t, ok) {
			assert.True(t, weight.Value.Equal(ramp(1, 3, 2)))
		}
		return nil
	})
}

func TestLocal(t *testing.T) {
	// 10 elements over 3 ranks: chunks of 4, rank 2 holds 2 valid elements and 2 of padding.
	infos := []flatparam.ParamInfo{{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 10)}}
	const worldSize = 3

	fp, err := newParam(2, worldSize, true, infos, nil, ramp(1, 10))
	require.NoError(t, err)
	require.Equal(t, 2, fp.NumPadded())
	conv, err := Build(&Unit{Param: fp}, nil).Mode(ModeLocal).Done()
	require.NoError(t, err)
	sd, err := conv.Save(context.Background())
	require.NoError(t, err)
	st, err := AsShardedTensor(sd[FlatParamName])
	require.NoError(t, err)
	assert.True(t, st.Shape().Equal(shapes.Make(dtypes.Float32, 10)))
	require.Len(t, st.Metadata(), worldSize)
	assert.Equal(t, []int{8}, st.Metadata()[2].Offsets)
	assert.Equal(t, []int{2}, st.Metadata()[2].Sizes)
	local, err := st.LocalBuffer()
	require.NoError(t, err)
	assert.True(t, local.Equal(ramp(9, 2)))

	// Restoring pads the valid elements.
	require.NoError(t, fp.InstallLocal(ramp(50, 4), 2))
	require.NoError(t, conv.Restore(context.Background(), sd))
	got, err := buffers.CopyFlatData[float32](fp.Local())
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 10, 0, 0}, got)
	assert.Equal(t, 2, fp.NumPadded())

	t.Run("WiderShard", func(t *testing.T) {
		// A shard from a 15 element layout has 5 elements per chunk.
		shard, err := distributed.MakeShard(ramp(0, 5), 0, 0, 15)
		require.NoError(t, err)
		wide, err := distributed.FromChunkLayout(shard, 15, worldSize)
		require.NoError(t, err)
		fp0, err := newParam(0, worldSize, true, infos, nil, ramp(1, 10))
		require.NoError(t, err)
		conv0 := Build(&Unit{Param: fp0}, nil).Mode(ModeLocal).MustDone()
		err = conv0.Restore(context.Background(), StateDict{FlatParamName: wide})
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("Missing", func(t *testing.T) {
		err := conv.Restore(context.Background(), StateDict{})
		require.ErrorIs(t, err, ErrMissingEntry)
		err = conv.Restore(context.Background(), StateDict{FlatParamName: ramp(0, 10)})
		require.ErrorIs(t, err, ErrUnexpectedValue)
	})
}

func TestUnshardedLayout(t *testing.T) {
	infos := []flatparam.ParamInfo{{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 4)}}
	fp, err := newParam(0, 1, false, infos, nil, ramp(1, 4))
	require.NoError(t, err)
	ctx := context.Background()
	for _, mode := range []Mode{ModeLocal, ModePartitioned} {
		conv, err := Build(&Unit{Param: fp}, nil).Mode(mode).Done()
		require.NoError(t, err)
		_, err = conv.Save(ctx)
		require.ErrorIs(t, err, ErrUnshardedLayout)
		err = conv.Restore(ctx, StateDict{})
		require.ErrorIs(t, err, ErrUnshardedLayout)
	}

	// ModeFull works without a collective.
	conv, err := Build(&Unit{Param: fp}, nil).Done()
	require.NoError(t, err)
	sd, err := conv.Save(ctx)
	require.NoError(t, err)
	sd["weight"] = ramp(10, 4)
	require.NoError(t, conv.Restore(ctx, sd))
	assert.True(t, fp.Local().Equal(ramp(10, 4)))
}

func TestConfigErrors(t *testing.T) {
	infos := []flatparam.ParamInfo{{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 4)}}
	fp, err := newParam(1, 2, true, infos, nil, ramp(1, 4))
	require.NoError(t, err)
	group := distributed.NewLocalGroup(2)

	_, err = Build(&Unit{Param: fp}, nil).Done()
	require.ErrorContains(t, err, "requires a collective")
	_, err = Build(&Unit{Param: fp}, group.Member(0)).Done()
	require.ErrorContains(t, err, "doesn't match")
	_, err = Build(&Unit{Param: fp}, group.Member(1)).Mode(Mode(9)).Done()
	require.ErrorContains(t, err, "invalid mode")
	_, err = Build(nil, nil).Done()
	require.Error(t, err)
	require.Panics(t, func() { Build(nil, nil).MustDone() })

	conv, err := Build(&Unit{Param: fp}, group.Member(1)).Mode(ModePartitioned).Done()
	require.NoError(t, err)
	assert.Equal(t, ModePartitioned, conv.Mode())
	assert.Equal(t, `statedict.Converter("", mode=partitioned, rank 1/2)`, conv.String())
}

func TestPartitionedFailures(t *testing.T) {
	const worldSize = 3
	infos := []flatparam.ParamInfo{
		{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 4, 2)},
		{FQN: "bias", Shape: shapes.Make(dtypes.Float32, 2)},
	}

	// savePartitioned returns each rank's state dict.
	savePartitioned := func(t *testing.T) []StateDict {
		sds := make([]StateDict, worldSize)
		runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
			fp, err := newParam(coll.Rank(), worldSize, true, infos, nil, ramp(1, 4, 2), ramp(9, 2))
			if err != nil {
				return err
			}
			sds[coll.Rank()], err = Build(&Unit{Param: fp}, coll).Mode(ModePartitioned).MustDone().Save(ctx)
			return err
		})
		return sds
	}

	// restore restores each rank's state dict into parameters described by infosOf(rank), and returns the error
	// of each rank. Parameters are left untouched on failure.
	restore := func(t *testing.T, sds []StateDict, infosOf func(rank int) []flatparam.ParamInfo) []error {
		errs := make([]error, worldSize)
		runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
			rankInfos := infosOf(coll.Rank())
			fp, err := newParam(coll.Rank(), worldSize, true, rankInfos, nil, zeros(rankInfos)...)
			if err != nil {
				return err
			}
			before := fp.Local()
			errs[coll.Rank()] = Build(&Unit{Param: fp}, coll).Mode(ModePartitioned).MustDone().Restore(ctx, sds[coll.Rank()])
			if errs[coll.Rank()] != nil {
				assert.Same(t, before, fp.Local(), "rank %d installed parameters after a failure", coll.Rank())
			}
			return nil
		})
		return errs
	}
	sameInfos := func(int) []flatparam.ParamInfo { return infos }

	t.Run("ShapeMismatch", func(t *testing.T) {
		transposed := []flatparam.ParamInfo{
			{FQN: "weight", Shape: shapes.Make(dtypes.Float32, 2, 4)},
			infos[1],
		}
		errs := restore(t, savePartitioned(t), func(int) []flatparam.ParamInfo { return transposed })
		for rank, err := range errs {
			require.ErrorIsf(t, err, ErrShapeMismatch, "rank %d", rank)
		}
	})

	t.Run("PeerMissingEntry", func(t *testing.T) {
		sds := savePartitioned(t)
		delete(sds[1], "bias")
		errs := restore(t, sds, sameInfos)
		require.ErrorIs(t, errs[1], ErrMissingEntry)
		require.ErrorIs(t, errs[0], distributed.ErrPeerFailed)
		require.ErrorIs(t, errs[2], distributed.ErrPeerFailed)
	})

	t.Run("CollectiveMismatch", func(t *testing.T) {
		renamed := []flatparam.ParamInfo{infos[0], {FQN: "offset", Shape: infos[1].Shape}}
		errs := restore(t, savePartitioned(t), func(rank int) []flatparam.ParamInfo {
			if rank == 2 {
				return renamed
			}
			return infos
		})
		for rank, err := range errs {
			require.ErrorIsf(t, err, distributed.ErrCollectiveMismatch, "rank %d", rank)
		}
	})

	t.Run("FromFullStateDict", func(t *testing.T) {
		// Full values are partitioned by the pre-load hook: one flattened, the other as saved.
		full := StateDict{"weight": ramp(1, 8), "bias": Cloned[*buffers.Buffer]{Value: ramp(9, 2)}}
		runRanks(t, worldSize, func(ctx context.Context, coll distributed.Collective) error {
			want, err := newParam(coll.Rank(), worldSize, true, infos, nil, ramp(1, 4, 2), ramp(9, 2))
			if err != nil {
				return err
			}
			fp, err := newParam(coll.Rank(), worldSize, true, infos, nil, zeros(infos)...)
			if err != nil {
				return err
			}
			sd := StateDict{"weight": full["weight"], "bias": full["bias"]}
			if err = Build(&Unit{Param: fp}, coll).Mode(ModePartitioned).MustDone().Restore(ctx, sd); err != nil {
				return err
			}
			assert.True(t, fp.Local().Equal(want.Local()))
			return nil
		})
	})
}

// countingRuntime counts the calls to its hooks.
type countingRuntime struct {
	syncs, inits, clears int
	syncErr              error
}

func (r *countingRuntime) Synchronize(context.Context) error {
	r.syncs++
	return r.syncErr
}

func (r *countingRuntime) LazyInit() error {
	r.inits++
	return nil
}

func (r *countingRuntime) ClearGradients() { r.clears++ }

func TestRuntimeHooks(t *testing.T) {
	ctx := context.Background()
	runtime := &countingRuntime{}
	unit := &Unit{
		Prefix:  "head.",
		Buffers: map[string]*buffers.Buffer{"scale": ramp(1, 2)},
		Runtime: runtime,
	}
	conv, err := Build(unit, nil).Mode(ModePartitioned).Done()
	require.NoError(t, err)

	// A unit without parameters only converts its buffers.
	sd, err := conv.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"head.scale"}, sd.Names())
	sd["head.scale"] = ramp(5, 2)
	require.NoError(t, conv.Restore(ctx, sd))
	assert.True(t, unit.Buffers["scale"].Equal(ramp(5, 2)))
	assert.Equal(t, 2, runtime.syncs)
	assert.Equal(t, 2, runtime.inits)
	assert.Equal(t, 2, runtime.clears)

	runtime.syncErr = errors.New("device lost")
	_, err = conv.Save(ctx)
	require.ErrorContains(t, err, "device lost")
	assert.Equal(t, 2, runtime.inits, "nothing else runs after a failed synchronization")

	runtime.syncErr = nil
	sd["head.scale"] = ramp(0, 3)
	require.ErrorIs(t, conv.Restore(ctx, sd), ErrShapeMismatch)
	delete(sd, "head.scale")
	require.ErrorIs(t, conv.Restore(ctx, sd), ErrMissingEntry)
}

func TestMixedPrecision(t *testing.T) {
	ctx := context.Background()
	lowPrecision, err := ramp(1, 3).CastTo(dtypes.Float16)
	require.NoError(t, err)
	unit := &Unit{
		Buffers:        map[string]*buffers.Buffer{"running_mean": lowPrecision, "count": ramp(1, 1)},
		MixedPrecision: &MixedPrecision{OrigBufferDTypes: map[string]dtypes.DType{"running_mean": dtypes.Float32}},
	}
	conv := Build(unit, nil).MustDone()
	sd, err := conv.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, sd["running_mean"].Shape().DType)
	assert.Equal(t, dtypes.Float32, sd["count"].Shape().DType)

	sd["running_mean"] = ramp(7, 3)
	require.NoError(t, conv.Restore(ctx, sd))
	assert.Equal(t, dtypes.Float16, unit.Buffers["running_mean"].DType())
	restored, err := unit.Buffers["running_mean"].CastTo(dtypes.Float32)
	require.NoError(t, err)
	assert.True(t, restored.Equal(ramp(7, 3)))
}
