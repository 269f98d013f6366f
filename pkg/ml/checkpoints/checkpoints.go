// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management for sharded state dicts: each rank saves the state dict it
// produced (see package statedict) to its own pair of files, and loads it back.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Files of the same checkpoint share the sequential count in their base name, and an ID in their metadata: saving
// is a collective, where rank 0 decides both.
//
// Example: each rank saves its state dict every epoch, keeping the last 3 checkpoints, and on start restores
// the latest one, if any.
//
//	handler, err := checkpoints.Build(rank, worldSize).Dir(*flagCheckpoint).Keep(3).Done()
//	if err != nil { … }
//	if found, _ := handler.HasCheckpoints(); found {
//		ckpt, err := handler.LoadLatest()
//		if err != nil { … }
//		err = conv.Restore(ctx, ckpt.StateDict)
//	}
//	…
//	sd, err := conv.Save(ctx)
//	_, err = handler.Save(ctx, coll, sd, conv.Mode())
package checkpoints

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/ml/statedict"
	"github.com/gomlx/shardckpt/pkg/support/fsutil"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrNoCheckpoints is returned when loading from a directory without checkpoints of the rank.
	ErrNoCheckpoints = errors.New("no checkpoints found")
)

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler.
type Config struct {
	rank, worldSize int

	err error

	dir       string
	keep      int
	mustLoad  bool
	binFormat BinFormat
}

// Build a configuration for building a checkpoints.Handler for the given rank of a process group of worldSize
// processes. After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// See Config.Dir, Config.DirFromBase or Config.TempDir to specify where to load/save.
func Build(rank, worldSize int) *Config {
	c := &Config{
		rank:      rank,
		worldSize: worldSize,
		keep:      1,
	}
	if worldSize < 1 || rank < 0 || rank >= worldSize {
		c.setError(errors.Errorf("checkpoints.Build(rank=%d, worldSize=%d): invalid rank", rank, worldSize))
	}
	return c
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the directory doesn't exist or if it holds no checkpoints of
// the rank.
func Load(rank, worldSize int) *Config {
	c := Build(rank, worldSize)
	c.mustLoad = true
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist, except
// if the configuration was created with Load.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	if err = fsutil.EnsureDir(dir, DirPermMode, !c.mustLoad); err != nil {
		c.setError(errors.WithMessage(err, "checkpoint directory"))
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints.
// If `dir` is not an absolute path, assumes it is a subdirectory of baseDir.
//
// One must be set either Dir, DirFromBase, or TempDir before building the checkpoints.Handler.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = fsutil.MustReplaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir, with the pattern name, and uses this
// directory to load / save checkpoints. It's a convenience wrapper to os.MkdirTemp.
//
// If dir is the empty string, MkdirTemp uses the default directory for temporary files, as returned
// by os.TempDir.
//
// Any errors are reported on the return to the call to the method Done.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	if err = os.Chmod(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", c.dir, DirPermMode))
	}
	return c
}

// Keep configures the number of checkpoints of the rank to keep. If set to -1, it will never erase older
// checkpoints. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// WithCompression sets the binary format. The default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed && bf != BinZstd {
		c.setError(errors.Wrapf(ErrUnsupportedCompression, "WithCompression(%d)", bf))
		return c
	}
	c.binFormat = bf
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("directory for checkpoints not configured or empty")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Wrapf(ErrNoCheckpoints, "%s", h)
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	return h, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and loads the checkpoints of one rank. See an example in the package documentation.
//
// It is created and configured using Build(), followed by options setting and then calling Config.Done().
type Handler struct {
	config           *Config
	checkpointsCount int
}

// Checkpoint is one rank's part of a checkpoint, as loaded by Handler.Load.
type Checkpoint struct {
	*Metadata

	// StateDict with the saved values. Full values are loaded on the Host.
	StateDict statedict.StateDict
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"

	// BackupDir is the name of the (sub-)directory under the checkpoints directory that holds
	// the backups. See Handler.Backup.
	BackupDir = "backup"
)

var checkpointNameRegex = regexp.MustCompile(`^checkpoint-n(\d+)-rank(\d+)$`)

// baseName returns the base name of the files of rank for the checkpoint number count.
func baseName(count, rank int) string {
	return fmt.Sprintf("%sn%07d-rank%04d", baseNamePrefix, count, rank)
}

// parseBaseName returns the count and rank of a checkpoint base name.
func parseBaseName(name string) (count, rank int, ok bool) {
	matches := checkpointNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return 0, 0, false
	}
	var err error
	if count, err = strconv.Atoi(matches[1]); err != nil {
		return 0, 0, false
	}
	if rank, err = strconv.Atoi(matches[2]); err != nil {
		return 0, 0, false
	}
	return count, rank, true
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q, rank %d/%d)", h.config.dir, h.config.rank, h.config.worldSize)
}

// Dir returns the directory the Handler is configured to.
// It cannot be changed once the Handler was created.
//
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// Rank of the process the Handler saves checkpoints for.
func (h *Handler) Rank() int { return h.config.rank }

// WorldSize of the process group.
func (h *Handler) WorldSize() int { return h.config.worldSize }

// ListCheckpoints returns the base names of the rank's checkpoints in the directory, in order (older first).
//
// The actual paths are these base file paths suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		name := strings.TrimSuffix(fileName, JsonNameSuffix)
		if _, rank, ok := parseBaseName(name); ok && rank == h.config.rank {
			checkpoints = append(checkpoints, name)
		}
	}
	slices.Sort(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints of the rank saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

// maxCheckpointCount returns the largest count in the saved checkpoints, or -1 if there are none.
func maxCheckpointCount(checkpoints []string) int {
	maxCount := -1
	for _, name := range checkpoints {
		if count, _, ok := parseBaseName(name); ok {
			maxCount = max(maxCount, count)
		}
	}
	return maxCount
}

// agreeOnCheckpoint returns the count and ID of the next checkpoint: those of rank 0, exchanged with an all-gather.
func (h *Handler) agreeOnCheckpoint(ctx context.Context, coll distributed.Collective) (int, uuid.UUID, error) {
	id := uuid.New()
	count := h.checkpointsCount
	if h.config.worldSize == 1 {
		return count, id, nil
	}
	if coll == nil || coll.Rank() != h.config.rank || coll.WorldSize() != h.config.worldSize {
		return 0, id, errors.Errorf("%s: saving requires a collective of the same rank and world size", h)
	}
	local := binary.LittleEndian.AppendUint64(nil, uint64(count))
	local = append(local, id[:]...)
	gathered, err := coll.AllGather(ctx, local)
	if err != nil {
		return 0, id, errors.WithMessagef(err, "%s: agreeing on the checkpoint number", h)
	}
	if rootCount := int(binary.LittleEndian.Uint64(gathered)); rootCount != count {
		klog.Warningf("%s: rank 0 saves checkpoint #%d, this rank expected #%d", h, rootCount, count)
		count = rootCount
	}
	copy(id[:], gathered[8:len(local)])
	return count, id, nil
}

// Save creates a new checkpoint with the rank's state dict sd, saved in the given mode, and returns its base name.
//
// It's a collective if worldSize > 1: all ranks must call it, and they use the count and ID decided by rank 0.
// Values are written sorted by name. Entries holding the same value (shared parameters) are written once.
//
// If the handler is nil, this is a no-op.
func (h *Handler) Save(ctx context.Context, coll distributed.Collective, sd statedict.StateDict,
	mode statedict.Mode) (string, error) {
	if h == nil {
		return "", nil
	}
	count, id, err := h.agreeOnCheckpoint(ctx, coll)
	if err != nil {
		return "", err
	}
	name := baseName(count, h.config.rank)
	h.checkpointsCount = count + 1

	binFileName := filepath.Join(h.config.dir, name+BinDataSuffix)
	binFile, err := createBinFile(binFileName, h.config.binFormat)
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, binFileName)
	}
	ew := &entryWriter{w: binFile, seen: make(map[any]string)}
	for _, entryName := range sd.Names() {
		if err = ew.write(entryName, sd[entryName]); err != nil {
			_ = binFile.Close()
			return "", errors.WithMessagef(err, "%s: saving %s", h, name)
		}
	}
	if err = binFile.Close(); err != nil {
		return "", errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, binFileName)
	}

	metadata := &Metadata{
		ID:        id.String(),
		Count:     count,
		Rank:      h.config.rank,
		WorldSize: h.config.worldSize,
		Mode:      mode,
		Time:      time.Now(),
		BinFormat: h.config.binFormat.String(),
		Entries:   ew.entries,
	}
	if err = writeMetadata(filepath.Join(h.config.dir, name+JsonNameSuffix), metadata); err != nil {
		return "", errors.WithMessagef(err, "%s", h)
	}
	klog.V(1).Infof("%s: saved %s (%d entries, %s)", h, name, len(ew.entries), humanize.Bytes(uint64(ew.pos)))

	// Remove excess checkpoints.
	return name, h.keepNCheckpoints()
}

// Load the rank's checkpoint with the given base name (as returned by ListCheckpoints).
func (h *Handler) Load(name string) (*Checkpoint, error) {
	klog.V(1).Infof("%s: loading %q", h, name)
	metadata, err := readMetadata(filepath.Join(h.config.dir, name+JsonNameSuffix))
	if err != nil {
		return nil, errors.WithMessagef(err, "%s", h)
	}
	metadata.BaseName = name
	if metadata.Rank != h.config.rank || metadata.WorldSize != h.config.worldSize {
		return nil, errors.Errorf("%s: checkpoint %s was saved by rank %d/%d", h, name, metadata.Rank,
			metadata.WorldSize)
	}

	binFileName := filepath.Join(h.config.dir, name+BinDataSuffix)
	f, err := os.Open(binFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = f.Close() }()
	r, release, err := openBinReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read checkpoint data file %s", h, binFileName)
	}
	defer release()

	sd := make(statedict.StateDict, len(metadata.Entries))
	er := &entryReader{r: r}
	for _, entry := range metadata.Entries {
		value, err := er.read(entry, sd)
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: failed loading %q from %s{%s,%s}", h, entry.Name, name,
				JsonNameSuffix, BinDataSuffix)
		}
		sd[entry.Name] = value
	}
	return &Checkpoint{Metadata: metadata, StateDict: sd}, nil
}

// LoadLatest loads the rank's most recent checkpoint. It returns ErrNoCheckpoints if there are none.
func (h *Handler) LoadLatest() (*Checkpoint, error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.Wrapf(ErrNoCheckpoints, "%s", h)
	}
	return h.Load(list[len(list)-1])
}

// Backup links the latest checkpoint of the rank to a separate sub-directory under the checkpoints directory
// called "backup" (constant in checkpoints.BackupDir).
//
// This way the backed up checkpoint doesn't get automatically deleted as the checkpoints progress.
func (h *Handler) Backup() error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed Backup() finding current checkpoints")
	}
	if len(list) == 0 {
		return errors.Wrapf(ErrNoCheckpoints, "%s: maybe call Save() before Backup() ?", h)
	}
	name := list[len(list)-1]
	backupDir := filepath.Join(h.config.dir, BackupDir)
	if err = fsutil.EnsureDir(backupDir, DirPermMode, true); err != nil {
		return err
	}
	for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
		src := filepath.Join(h.config.dir, name+suffix)
		dst := filepath.Join(backupDir, name+suffix)
		if err = os.Link(src, dst); err != nil {
			return errors.Wrapf(err, "failed to link %q to %q", src, dst)
		}
	}
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, name := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
			fileName := filepath.Join(h.config.dir, name+suffix)
			if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
		klog.V(2).Infof("%s: removed %s", h, name)
	}
	return nil
}

// Scan reads the metadata of every checkpoint file in dir, of all ranks, sorted by count and rank.
func Scan(dir string) ([]*Metadata, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "scanning checkpoints in %q", dir)
	}
	var all []*Metadata
	for _, entry := range entries {
		name, isJSON := strings.CutSuffix(entry.Name(), JsonNameSuffix)
		if entry.IsDir() || !isJSON {
			continue
		}
		if _, _, ok := parseBaseName(name); !ok {
			continue
		}
		metadata, err := readMetadata(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		metadata.BaseName = name
		all = append(all, metadata)
	}
	slices.SortFunc(all, func(a, b *Metadata) int {
		if a.Count != b.Count {
			return a.Count - b.Count
		}
		return a.Rank - b.Rank
	})
	return all, nil
}
