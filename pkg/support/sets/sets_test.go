// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := Make[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeWith(5, 7)
	assert.Len(t, s2, 2)
	assert.True(t, s2.Has(5))
	assert.True(t, s2.Has(7))
	assert.False(t, s2.Has(3))

	s3 := s.Sub(s2)
	assert.Len(t, s3, 1)
	assert.True(t, s3.Has(3))

	delete(s, 7)
	assert.Len(t, s, 1)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(7))
	assert.True(t, s.Equal(s3))
	assert.False(t, s.Equal(s2))
	s4 := MakeWith(-3)
	assert.False(t, s.Equal(s4))

	assert.Equal(t, []int{-3, 3}, Sorted(s.Union(s4)))
	assert.Equal(t, []int{3, 5, 7}, Sorted(MakeWith(7, 3).Union(s2)))
	assert.Empty(t, Sorted(Make[string]()))
}

func TestSubSorted(t *testing.T) {
	names := MakeWith("running_var", "running_mean", "cache", "num_batches")

	// Subtracting a nil or empty set keeps every element.
	var none Set[string]
	assert.Equal(t, []string{"cache", "num_batches", "running_mean", "running_var"}, Sorted(names.Sub(none)))
	assert.Equal(t, Sorted(names), Sorted(names.Sub(Make[string]())))

	// Elements missing from names are ignored, and names is not modified.
	persistent := names.Sub(MakeWith("cache", "attention_mask"))
	assert.Equal(t, []string{"num_batches", "running_mean", "running_var"}, Sorted(persistent))
	assert.Len(t, names, 4)

	assert.Empty(t, Sorted(names.Sub(names)))
	assert.Empty(t, Sorted(none.Sub(names)))
}
