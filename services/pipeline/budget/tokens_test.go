// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingCounter records how often the inner counter was consulted.
type countingCounter struct {
	calls int
}

func (c *countingCounter) Count(text string) int {
	c.calls++
	return len(text)
}

// TestWordCounter verifies whitespace-split counting.
func TestWordCounter(t *testing.T) {
	c := WordCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 0, c.Count("   \n\t"))
	assert.Equal(t, 3, c.Count("one two three"))
	assert.Equal(t, 2, c.Count("  spaced \n out  "))
}

// TestWithCache verifies repeated texts hit the memo table.
func TestWithCache(t *testing.T) {
	inner := &countingCounter{}
	cached := WithCache(inner)

	assert.Equal(t, 5, cached.Count("hello"))
	assert.Equal(t, 5, cached.Count("hello"))
	assert.Equal(t, 1, inner.calls)

	assert.Equal(t, 3, cached.Count("abc"))
	assert.Equal(t, 2, inner.calls)
}

// TestNewTiktokenCounterUnknownEncoding verifies a bad encoding name is
// reported instead of panicking.
func TestNewTiktokenCounterUnknownEncoding(t *testing.T) {
	_, err := NewTiktokenCounter("no_such_encoding")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_encoding")
}
