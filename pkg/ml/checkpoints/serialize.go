// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
	"github.com/gomlx/shardckpt/pkg/ml/statedict"
)

// Kinds of entries, see Entry.Kind.
const (
	KindFull    = "full"
	KindCloned  = "cloned"
	KindSharded = "sharded"
)

// Metadata of one rank's files of a checkpoint, saved as JSON next to the binary data.
type Metadata struct {
	// ID is shared by the files of every rank of the same checkpoint.
	ID string

	// Count is the sequential number of the checkpoint in its directory.
	Count int

	Rank, WorldSize int

	// Mode the state dict was saved with.
	Mode statedict.Mode

	Time time.Time

	// BinFormat describes the format used by the binary file. It is informative.
	BinFormat string

	// Entries of the state dict, sorted by name, in the order their data is stored in the binary file.
	Entries []Entry

	// BaseName of the files, set when the metadata is read.
	BaseName string `json:"-"`
}

// Entry describes one value of the state dict.
type Entry struct {
	Name string
	Kind string

	// DType and Dimensions of the logical (unsharded) value.
	DType      dtypes.DType
	Dimensions []int

	// AliasOf is the name of an earlier entry holding the same value: its data is not stored again.
	AliasOf string `json:",omitempty"`

	// Shards of a sharded value, including the ones held by other ranks.
	Shards []ShardEntry `json:",omitempty"`

	// Pos, Length in bytes in the (uncompressed) binary data.
	Pos, Length int
}

// ShardEntry describes one shard of a sharded value.
type ShardEntry struct {
	Offsets, Sizes []int
	Rank           int
	Placement      string

	// Local shards have their data stored in this rank's file, at Pos, with Length bytes.
	Local       bool
	Pos, Length int `json:",omitempty"`
}

// Shape of the logical value.
func (e Entry) Shape() shapes.Shape {
	return shapes.Make(e.DType, e.Dimensions...)
}

// identity of the storage of a value, used to find aliases.
func identity(value statedict.Value) any {
	switch v := value.(type) {
	case statedict.Cloned[*buffers.Buffer]:
		return v.Value
	case statedict.Cloned[*distributed.ShardedTensor]:
		return v.Value
	}
	return value
}

// entryWriter writes the values of a state dict to the binary data file, and collects their entries.
type entryWriter struct {
	w       io.Writer
	pos     int
	entries []Entry
	seen    map[any]string
}

func (ew *entryWriter) writeBuffer(buf *buffers.Buffer) (pos, length int, err error) {
	var writeErr error
	var n int
	err = buf.ConstBytes(func(data []byte) {
		length = len(data)
		n, writeErr = ew.w.Write(data)
	})
	if err != nil {
		return 0, 0, err
	}
	if writeErr != nil {
		return 0, 0, errors.Wrapf(writeErr, "writing %s", buf)
	}
	if n != length {
		return 0, 0, errors.Errorf("writing %s: %d bytes requested, %d bytes written", buf, length, n)
	}
	pos = ew.pos
	ew.pos += n
	return pos, length, nil
}

// write the entry name, holding value.
func (ew *entryWriter) write(name string, value statedict.Value) error {
	entry := Entry{
		Name:       name,
		DType:      value.Shape().DType,
		Dimensions: value.Shape().Dimensions,
		Pos:        ew.pos,
	}
	switch v := value.(type) {
	case *buffers.Buffer, statedict.Cloned[*buffers.Buffer]:
		entry.Kind = KindFull
		if _, cloned := v.(statedict.Cloned[*buffers.Buffer]); cloned {
			entry.Kind = KindCloned
		}
	case *distributed.ShardedTensor, statedict.Cloned[*distributed.ShardedTensor]:
		entry.Kind = KindSharded
	default:
		return errors.Wrapf(statedict.ErrUnexpectedValue, "cannot save %q of type %T", name, value)
	}
	if canonical, found := ew.seen[identity(value)]; found {
		entry.AliasOf = canonical
		ew.entries = append(ew.entries, entry)
		return nil
	}
	ew.seen[identity(value)] = name

	if entry.Kind == KindSharded {
		st, _ := statedict.AsShardedTensor(value)
		local := make(map[int]*buffers.Buffer, len(st.LocalShards()))
		for _, shard := range st.LocalShards() {
			local[shard.Metadata.Rank] = shard.Buffer
		}
		for _, meta := range st.Metadata() {
			shardEntry := ShardEntry{Offsets: meta.Offsets, Sizes: meta.Sizes, Rank: meta.Rank, Placement: meta.Placement}
			if buf, found := local[meta.Rank]; found {
				var err error
				shardEntry.Local = true
				if shardEntry.Pos, shardEntry.Length, err = ew.writeBuffer(buf); err != nil {
					return errors.WithMessagef(err, "entry %q", name)
				}
			}
			entry.Shards = append(entry.Shards, shardEntry)
		}
	} else {
		buf, _ := statedict.AsBuffer(value)
		if _, _, err := ew.writeBuffer(buf); err != nil {
			return errors.WithMessagef(err, "entry %q", name)
		}
	}
	entry.Length = ew.pos - entry.Pos
	ew.entries = append(ew.entries, entry)
	return nil
}

// entryReader reads the values described by the entries from the binary data file.
type entryReader struct {
	r   io.Reader
	pos int
}

func (er *entryReader) readBuffer(shape shapes.Shape, pos, length int) (*buffers.Buffer, error) {
	if pos != er.pos {
		return nil, errors.Errorf("data at position %d is out-of-order, expected it at %d", pos, er.pos)
	}
	buf := buffers.FromShape(shape)
	var readErr error
	err := buf.MutableBytes(func(data []byte) {
		if len(data) != length {
			readErr = errors.Errorf("%s has %d bytes, but %d bytes are stored", shape, len(data), length)
			return
		}
		_, readErr = io.ReadFull(er.r, data)
	})
	if err == nil {
		err = readErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "reading data at position %d", pos)
	}
	er.pos += length
	return buf, nil
}

// read the value of entry. Aliases are resolved with values already read.
func (er *entryReader) read(entry Entry, values statedict.StateDict) (statedict.Value, error) {
	if entry.AliasOf != "" {
		value, found := values[entry.AliasOf]
		if !found {
			return nil, errors.Errorf("entry %q is an alias of %q, which was not read before", entry.Name,
				entry.AliasOf)
		}
		return value, nil
	}
	shape := entry.Shape()
	switch entry.Kind {
	case KindFull, KindCloned:
		buf, err := er.readBuffer(shape, entry.Pos, entry.Length)
		if err != nil {
			return nil, err
		}
		if entry.Kind == KindCloned {
			return statedict.Cloned[*buffers.Buffer]{Value: buf}, nil
		}
		return buf, nil

	case KindSharded:
		metadata := make([]distributed.ShardMetadata, 0, len(entry.Shards))
		var local []*distributed.Shard
		for _, shardEntry := range entry.Shards {
			meta := distributed.ShardMetadata{
				Offsets:   shardEntry.Offsets,
				Sizes:     shardEntry.Sizes,
				Rank:      shardEntry.Rank,
				Placement: shardEntry.Placement,
			}
			metadata = append(metadata, meta)
			if !shardEntry.Local {
				continue
			}
			buf, err := er.readBuffer(shapes.Make(shape.DType, meta.Sizes...), shardEntry.Pos, shardEntry.Length)
			if err != nil {
				return nil, err
			}
			local = append(local, &distributed.Shard{Buffer: buf, Metadata: meta})
		}
		return distributed.NewShardedTensor(shape, metadata, local)
	}
	return nil, errors.Errorf("entry %q has unknown kind %q", entry.Name, entry.Kind)
}

// readMetadata decodes the JSON file at path.
func readMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open checkpoint metadata file %s", path)
	}
	defer func() { _ = f.Close() }()
	var metadata Metadata
	if err = json.NewDecoder(f).Decode(&metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint metadata file %s", path)
	}
	return &metadata, nil
}

// writeMetadata encodes metadata as indented JSON into path.
func writeMetadata(path string, metadata *Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create checkpoint metadata file %s", path)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(metadata); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write checkpoint metadata file %s", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close checkpoint metadata file %s", path)
	}
	return nil
}
