package distributed

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// ErrCollectiveMismatch is returned when the ranks of a group disagree on the sequence of collectives they are
// about to issue.
var ErrCollectiveMismatch = errors.New("ranks disagree on the collective sequence")

// Fingerprint hashes the description of a sequence of collectives (typically the names and shapes of the
// parameters to gather, in order) together with the world size.
func Fingerprint(worldSize int, entries ...string) uint64 {
	digest := xxhash.New()
	_, _ = digest.WriteString(strconv.Itoa(worldSize))
	for _, entry := range entries {
		_, _ = digest.WriteString("\x00")
		_, _ = digest.WriteString(entry)
	}
	return digest.Sum64()
}

// AgreeOnFingerprint all-gathers the fingerprint of every rank and returns ErrCollectiveMismatch if any differs
// from the local one.
//
// It is itself a collective: every rank must call it. Calling it before a sequence of collectives turns a
// divergent sequence, which would otherwise hang or silently mix data, into an error on every rank.
func AgreeOnFingerprint(ctx context.Context, c Collective, fingerprint uint64) error {
	local := binary.LittleEndian.AppendUint64(nil, fingerprint)
	gathered, err := c.AllGather(ctx, local)
	if err != nil {
		return errors.WithMessagef(err, "rank %d exchanging fingerprints", c.Rank())
	}
	for rank := range c.WorldSize() {
		other := binary.LittleEndian.Uint64(gathered[rank*8:])
		if other != fingerprint {
			return errors.Wrapf(ErrCollectiveMismatch, "rank %d has fingerprint %016x, rank %d has %016x",
				c.Rank(), fingerprint, rank, other)
		}
	}
	return nil
}

// ErrPeerFailed is returned by AgreeOnStatus when another rank reported a failure.
var ErrPeerFailed = errors.New("a peer rank failed")

// AgreeOnStatus all-gathers whether each rank succeeded. It returns ErrPeerFailed, listing the failed ranks, if any
// other rank failed. The local failure is not reported, the caller already has it.
//
// It is a collective: every rank must call it.
func AgreeOnStatus(ctx context.Context, c Collective, ok bool) error {
	var local byte
	if ok {
		local = 1
	}
	gathered, err := c.AllGather(ctx, []byte{local})
	if err != nil {
		return errors.WithMessagef(err, "rank %d exchanging status", c.Rank())
	}
	var failed []int
	for rank, status := range gathered {
		if status == 0 && rank != c.Rank() {
			failed = append(failed, rank)
		}
	}
	if len(failed) > 0 {
		return errors.Wrapf(ErrPeerFailed, "ranks %v failed", failed)
	}
	return nil
}
