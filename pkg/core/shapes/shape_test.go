// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 3, 4)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 12, s.Size())
	assert.Equal(t, uintptr(48), s.Memory())
	assert.Equal(t, 4, s.Dim(-1))
	assert.Equal(t, "(Float32)[3 4]", s.String())
	assert.Panics(t, func() { _ = s.Dim(2) })

	// Zero-sized dimensions are valid: a parameter may have no elements.
	empty := Make(dtypes.Float32, 0)
	assert.Equal(t, 0, empty.Size())
	assert.Equal(t, uintptr(0), empty.Memory())
	require.Panics(t, func() { _ = Make(dtypes.Float32, -1) })

	scalar := Make(dtypes.Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.False(t, Invalid().Ok())
}

func TestShapeEqual(t *testing.T) {
	s := Make(dtypes.Float32, 2, 5)
	assert.True(t, s.Equal(Make(dtypes.Float32, 2, 5)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 2, 5)))
	assert.True(t, s.EqualDimensions(Make(dtypes.Float64, 2, 5)))
	assert.False(t, s.EqualDimensions(Make(dtypes.Float32, 5, 2)))

	clone := s.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0], "Clone must not share dimensions")

	assert.True(t, s.Flat().Equal(Make(dtypes.Float32, 10)))
	assert.Equal(t, dtypes.BFloat16, s.WithDType(dtypes.BFloat16).DType)
	assert.Equal(t, dtypes.Float32, s.DType)
}
