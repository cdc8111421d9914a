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

	s.Remove(7)
	assert.Len(t, s, 1)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(7))
	assert.Equal(t, []int{3}, Sorted(s))
}

func TestClone(t *testing.T) {
	a := MakeWith("Conv2D", "MatMulV2")
	c := a.Clone()
	c.Insert("Add")
	assert.False(t, a.Has("Add"))

	var empty Set[string]
	assert.False(t, empty.Has("Add"))
	assert.Len(t, empty.Clone(), 0)
	assert.NotNil(t, empty.Clone())
}
