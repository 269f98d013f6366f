// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// ErrUnsupportedCompression signifies an error when a compression type is not supported.
var ErrUnsupportedCompression = errors.New("unsupported compression")

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format. It's the default.
	BinGZIP BinFormat = iota

	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed

	// BinZstd represents the Zstandard compressed binary file format.
	BinZstd
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	case BinZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseBinFormat converts the name returned by BinFormat.String back to the BinFormat.
func ParseBinFormat(name string) (BinFormat, error) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed, BinZstd} {
		if bf.String() == name {
			return bf, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedCompression, "unknown binary format %q", name)
}

const binHeader = "shardckpt"

// Format header of compressed files:
//
// -------------------------------------------
// | 0         8 | 9   | 10        9 + len   |
// -------------------------------------------
// | "shardckpt" | len | "gzip" or "zstd"    |
//
// Uncompressed files have no header.

// binWriter writes the binary data file of a checkpoint, compressing it if configured.
type binWriter struct {
	io.Writer
	file       *os.File
	compressor io.WriteCloser
}

// createBinFile creates the file at path and writes the header for the given format.
// Close must be called to flush the compressed stream.
func createBinFile(path string, bf BinFormat) (*binWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create file")
	}
	w := &binWriter{Writer: f, file: f}
	if bf == BinUncompressed {
		return w, nil
	}
	name := bf.String()
	header := append([]byte(binHeader), byte(len(name)))
	header = append(header, name...)
	if bf != BinGZIP && bf != BinZstd {
		_ = f.Close()
		return nil, errors.Wrapf(ErrUnsupportedCompression, "binary format %d", bf)
	}
	if _, err = f.Write(header); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "write header")
	}
	if bf == BinGZIP {
		w.compressor = gzip.NewWriter(f)
	} else {
		var enc *zstd.Encoder
		if enc, err = zstd.NewWriter(f); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "create zstd encoder")
		}
		w.compressor = enc
	}
	w.Writer = w.compressor
	return w, nil
}

// Close flushes the compressed stream, if any, and closes the file.
func (w *binWriter) Close() error {
	if w.compressor != nil {
		if err := w.compressor.Close(); err != nil {
			_ = w.file.Close()
			return errors.Wrap(err, "flush compressed data")
		}
	}
	return w.file.Close()
}

// openBinReader returns a reader of the decompressed data of a binary file, and a function to release the
// decompressor. Files without a header are read as uncompressed.
func openBinReader(f io.ReadSeeker) (io.Reader, func(), error) {
	noop := func() {}
	buf := make([]byte, len(binHeader))
	if _, err := io.ReadFull(f, buf); err != nil || string(buf) != binHeader {
		if _, err = f.Seek(0, io.SeekStart); err != nil {
			return nil, noop, errors.Wrap(err, "seek header")
		}
		return f, noop, nil
	}
	var nameLen [1]byte
	if _, err := io.ReadFull(f, nameLen[:]); err != nil {
		return nil, noop, errors.Wrap(err, "read header")
	}
	name := make([]byte, nameLen[0])
	if _, err := io.ReadFull(f, name); err != nil {
		return nil, noop, errors.Wrap(err, "read header")
	}
	switch string(name) {
	case BinGZIP.String():
		rd, err := gzip.NewReader(f)
		if err != nil {
			return nil, noop, errors.Wrap(err, "read gzip header")
		}
		return rd, func() { _ = rd.Close() }, nil
	case BinZstd.String():
		dec, err := zstd.NewReader(f)
		if err != nil {
			return nil, noop, errors.Wrap(err, "create zstd decoder")
		}
		return dec, dec.Close, nil
	}
	return nil, noop, errors.Wrapf(ErrUnsupportedCompression, "compression %q", name)
}
