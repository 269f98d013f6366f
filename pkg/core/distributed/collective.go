package distributed

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
)

// ErrCollectiveSizeMismatch is returned by AllGather when ranks contribute buffers of different sizes.
var ErrCollectiveSizeMismatch = errors.New("ranks contributed buffers of different sizes to a collective")

// Collective is the view of a process group from one of its ranks.
//
// Collective operations block until every rank of the group calls them, so all ranks must issue the same sequence
// of operations, in the same order.
type Collective interface {
	// Rank of this process in the group, in [0, WorldSize()).
	Rank() int

	// WorldSize is the number of processes in the group.
	WorldSize() int

	// Device where collective operations take their inputs and place their outputs.
	Device() buffers.Device

	// AllGather contributes local and returns the concatenation of every rank's contribution, in rank order.
	// Every rank must contribute the same number of bytes.
	AllGather(ctx context.Context, local []byte) ([]byte, error)
}

// AllGatherBuffer all-gathers a flat buffer: local is moved to the collective's device if needed, and the result
// has worldSize times its number of elements, with rank r's contribution at [r*local.Size(), (r+1)*local.Size()).
func AllGatherBuffer(ctx context.Context, c Collective, local *buffers.Buffer) (*buffers.Buffer, error) {
	local, err := local.ToDevice(c.Device())
	if err != nil {
		return nil, err
	}
	var gathered []byte
	var gatherErr error
	err = local.ConstBytes(func(data []byte) {
		gathered, gatherErr = c.AllGather(ctx, data)
	})
	if err == nil {
		err = gatherErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d all-gathering %s", c.Rank(), local)
	}
	result := buffers.New(c.Device(), shapes.Make(local.DType(), local.Size()*c.WorldSize()))
	if err = result.MutableBytes(func(data []byte) { copy(data, gathered) }); err != nil {
		return nil, err
	}
	if memory := int(result.Shape().Memory()); memory != len(gathered) {
		return nil, errors.Wrapf(ErrCollectiveSizeMismatch, "rank %d expected %d bytes, got %d",
			c.Rank(), memory, len(gathered))
	}
	return result, nil
}

// LocalGroup is an in-process group: each rank is a goroutine, and collectives synchronize through memory.
//
// It's used for tests, and for simulating a process group on a single machine.
type LocalGroup struct {
	worldSize int
	device    buffers.Device

	mu     sync.Mutex
	rounds map[uint64]*gatherRound

	numRounds atomic.Int64
}

// gatherRound is one AllGather call, identified by the sequence number of the call on each rank.
type gatherRound struct {
	parts    [][]byte
	arrived  int
	departed int
	result   []byte
	err      error
	done     chan struct{}
}

// NewLocalGroup creates an in-process group with worldSize ranks operating on the Host.
func NewLocalGroup(worldSize int) *LocalGroup {
	if worldSize < 1 {
		worldSize = 1
	}
	return &LocalGroup{
		worldSize: worldSize,
		device:    buffers.Host,
		rounds:    make(map[uint64]*gatherRound),
	}
}

// WithDevice sets the device the collectives operate on. It returns the group itself, and should be called before
// the group is used.
func (g *LocalGroup) WithDevice(device buffers.Device) *LocalGroup {
	g.device = device
	return g
}

// WorldSize of the group.
func (g *LocalGroup) WorldSize() int { return g.worldSize }

// NumRounds returns the number of AllGather rounds started so far.
func (g *LocalGroup) NumRounds() int { return int(g.numRounds.Load()) }

// Member returns the Collective of the given rank. Each rank must use only one member.
func (g *LocalGroup) Member(rank int) Collective {
	return &localMember{group: g, rank: rank}
}

// Run calls fn concurrently on every rank of the group, and waits for all of them.
//
// If any rank fails, the context passed to the others is cancelled, so they don't block forever in a collective,
// and the first error is returned.
func (g *LocalGroup) Run(ctx context.Context, fn func(ctx context.Context, c Collective) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for rank := range g.worldSize {
		member := g.Member(rank)
		eg.Go(func() error {
			if err := fn(ctx, member); err != nil {
				klog.V(1).Infof("rank %d/%d failed: %v", rank, g.worldSize, err)
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

// RunLocal creates a LocalGroup with worldSize ranks and runs fn on each of them. See LocalGroup.Run.
func RunLocal(ctx context.Context, worldSize int, fn func(ctx context.Context, c Collective) error) error {
	return NewLocalGroup(worldSize).Run(ctx, fn)
}

type localMember struct {
	group *LocalGroup
	rank  int
	seq   uint64
}

func (m *localMember) Rank() int { return m.rank }

func (m *localMember) WorldSize() int { return m.group.worldSize }

func (m *localMember) Device() buffers.Device { return m.group.device }

// AllGather implements Collective.
func (m *localMember) AllGather(ctx context.Context, local []byte) ([]byte, error) {
	g := m.group
	seq := m.seq
	m.seq++

	g.mu.Lock()
	round, found := g.rounds[seq]
	if !found {
		round = &gatherRound{
			parts: make([][]byte, g.worldSize),
			done:  make(chan struct{}),
		}
		g.rounds[seq] = round
		g.numRounds.Add(1)
	}
	round.parts[m.rank] = append([]byte(nil), local...)
	round.arrived++
	if round.arrived == g.worldSize {
		round.result, round.err = concatParts(round.parts)
		close(round.done)
	}
	g.mu.Unlock()

	// A completed round wins over a cancelled context.
	select {
	case <-round.done:
	default:
		select {
		case <-round.done:
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "rank %d waiting on all-gather #%d", m.rank, seq)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	round.departed++
	if round.departed == g.worldSize {
		delete(g.rounds, seq)
	}
	if round.err != nil {
		return nil, round.err
	}
	return append([]byte(nil), round.result...), nil
}

func concatParts(parts [][]byte) ([]byte, error) {
	size := len(parts[0])
	result := make([]byte, 0, size*len(parts))
	for rank, part := range parts {
		if len(part) != size {
			return nil, errors.Wrapf(ErrCollectiveSizeMismatch, "rank 0 contributed %d bytes, rank %d contributed %d",
				size, rank, len(part))
		}
		result = append(result, part...)
	}
	return result, nil
}
