// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package statedict converts the sharded parameters of model units to and from state dicts, the name to value
// mappings that are saved to and loaded from checkpoints.
//
// A Converter is created for a Unit with Build, followed by the options and Config.Done. Its Save and Restore
// follow the configured Mode:
//
//   - ModeFull: every parameter is materialized in full (optionally only on rank 0), and cloned into the state dict.
//   - ModeLocal: each rank saves its own chunk of the flat parameter, without any data exchange.
//   - ModePartitioned: every parameter is re-partitioned by a distributed.Partitioner. On restore, the partitions
//     are exchanged with one all-gather per parameter, in declaration order.
//
// Example:
//
//	conv, err := statedict.Build(unit, coll).Mode(statedict.ModeFull).Rank0Only(true).Done()
//	if err != nil { … }
//	sd, err := conv.Save(ctx)
package statedict

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
)

var (
	// ErrUnshardedLayout is returned when ModeLocal or ModePartitioned are used with parameters that are not
	// chunk-sharded.
	ErrUnshardedLayout = errors.New("parameters are not chunk-sharded")

	// ErrShapeMismatch is returned when a value in the state dict doesn't have the shape of the parameter.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrSizeMismatch is returned when a restored local chunk doesn't have the size of the current one.
	ErrSizeMismatch = errors.New("size mismatch")

	// ErrPaddingMismatch is returned when a restored local chunk doesn't have the padding of the current one.
	ErrPaddingMismatch = errors.New("padding mismatch")

	// ErrMissingEntry is returned on restore when the state dict has no entry for a parameter or buffer.
	ErrMissingEntry = errors.New("missing state dict entry")

	// ErrUnexpectedValue is returned when an entry in the state dict is not of the kind the mode expects.
	ErrUnexpectedValue = errors.New("unexpected state dict value")
)

const (
	// WrappedModulePrefix is the name component inserted by the wrapping of a module in a unit. It is stripped
	// from the names in the state dict.
	WrappedModulePrefix = "_fsdp_wrapped_module."

	// FlatParamName is the name of the flat parameter of a unit, used as the key of its local chunk in ModeLocal.
	FlatParamName = "flat_param"
)

// Value is an entry of a StateDict. It is one of:
//
//   - *buffers.Buffer: a full value (ModeFull, and auxiliary buffers in every mode).
//   - Cloned[*buffers.Buffer]: a full value owned by the state dict.
//   - *distributed.ShardedTensor: a sharded value (ModeLocal and ModePartitioned).
//
// Other types implementing Value can be kept in a StateDict, but they are not converted.
type Value interface {
	Shape() shapes.Shape
}

// Cloned marks a value that was cloned into the state dict: it owns its storage, and it doesn't need to be
// cloned again.
type Cloned[T Value] struct {
	Value T
}

// Shape implements Value.
func (c Cloned[T]) Shape() shapes.Shape { return c.Value.Shape() }

// String implements fmt.Stringer.
func (c Cloned[T]) String() string { return fmt.Sprintf("Cloned(%v)", c.Value) }

// StateDict maps fully-qualified names to values.
type StateDict map[string]Value

// Names returns the names in the state dict, sorted.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ReplaceByPrefix renames the entries whose names start with oldPrefix, replacing it by newPrefix.
// Entries that would overwrite an existing different entry make it fail, and leave the state dict unchanged.
func (sd StateDict) ReplaceByPrefix(oldPrefix, newPrefix string) error {
	renames := make(map[string]string)
	for name := range sd {
		if strings.HasPrefix(name, oldPrefix) {
			renames[name] = newPrefix + strings.TrimPrefix(name, oldPrefix)
		}
	}
	for oldName, newName := range renames {
		if _, found := sd[newName]; found && oldName != newName {
			if _, renamedToo := renames[newName]; !renamedToo {
				return errors.Errorf("renaming %q to %q would overwrite an existing entry", oldName, newName)
			}
		}
	}
	values := make(map[string]Value, len(renames))
	for oldName := range renames {
		values[oldName] = sd[oldName]
		delete(sd, oldName)
	}
	for oldName, newName := range renames {
		sd[newName] = values[oldName]
	}
	return nil
}

// CleanName removes every WrappedModulePrefix from name, converting a name in the wrapped module view to the name
// in the state dict.
func CleanName(name string) string {
	return strings.ReplaceAll(name, WrappedModulePrefix, "")
}

// AsBuffer returns the full buffer held by v: a *buffers.Buffer or a Cloned[*buffers.Buffer].
func AsBuffer(v Value) (*buffers.Buffer, error) {
	switch value := v.(type) {
	case *buffers.Buffer:
		return value, nil
	case Cloned[*buffers.Buffer]:
		return value.Value, nil
	}
	return nil, errors.Wrapf(ErrUnexpectedValue, "expected a full buffer, got %T", v)
}

// AsShardedTensor returns the sharded tensor held by v: a *distributed.ShardedTensor or a
// Cloned[*distributed.ShardedTensor].
func AsShardedTensor(v Value) (*distributed.ShardedTensor, error) {
	switch value := v.(type) {
	case *distributed.ShardedTensor:
		return value, nil
	case Cloned[*distributed.ShardedTensor]:
		return value.Value, nil
	}
	return nil, errors.Wrapf(ErrUnexpectedValue, "expected a sharded tensor, got %T", v)
}
