// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package statedict

// Mode of a conversion: the form the parameters take in the state dict.
type Mode int

const (
	// ModeFull saves every parameter unsharded: each entry is the full value, materialized with a collective.
	ModeFull Mode = iota

	// ModeLocal saves the local chunk of the flat parameter as is, as one ShardedTensor entry. No data is copied
	// or exchanged.
	ModeLocal

	// ModePartitioned saves each parameter as a ShardedTensor, partitioned by a distributed.Partitioner.
	// Restoring exchanges every parameter with a collective.
	ModePartitioned
)

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -values -text -output=gen_mode_enumer.go mode.go
