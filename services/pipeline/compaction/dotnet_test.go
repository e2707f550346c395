// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compaction

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fieldCounter struct{}

func (fieldCounter) Count(text string) int {
	return len(strings.Fields(text))
}

const orderService = `using System;

namespace Demo
{
    /// <summary>Counts orders for the dashboard.</summary>
    public class OrderService
    {
        public int Count()
        {
            var total = ComputeTotal();
            return total;
        }
    }
}`

// TestDotnetSnippetsKeepsDeclarations verifies bodies are replaced by
// markers while declarations and doc comments survive.
func TestDotnetSnippetsKeepsDeclarations(t *testing.T) {
	out := dotnetSnippets(orderService)

	assert.Contains(t, out, "using System;")
	assert.Contains(t, out, "namespace Demo")
	assert.Contains(t, out, "/// <summary>Counts orders for the dashboard.</summary>")
	assert.Contains(t, out, "public class OrderService")
	assert.Contains(t, out, "public int Count()")
	assert.Contains(t, out, "{ ... }")

	assert.NotContains(t, out, "ComputeTotal")
	assert.NotContains(t, out, "return total")
}

// TestDotnetCompactorWithinBudget verifies a fitting snippet passes
// through untrimmed.
func TestDotnetCompactorWithinBudget(t *testing.T) {
	compact := NewDotnetCompactor(fieldCounter{})
	out, err := compact(context.Background(), orderService, 0)
	require.NoError(t, err)
	assert.Equal(t, dotnetSnippets(orderService), out)
	assert.NotContains(t, out, "truncated")
}

// TestDotnetCompactorTrimsToBudget verifies over-budget snippets lose
// trailing lines and gain the truncation marker.
func TestDotnetCompactorTrimsToBudget(t *testing.T) {
	compact := NewDotnetCompactor(fieldCounter{})
	out, err := compact(context.Background(), orderService, 8)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(out, "// ... truncated ..."), out)
	assert.LessOrEqual(t, fieldCounter{}.Count(out), 8)
	// The leading declarations survive the trim.
	assert.Contains(t, out, "using System;")
}

// TestTrimToBudgetFloor verifies an impossible budget degrades to the
// bare marker.
func TestTrimToBudgetFloor(t *testing.T) {
	assert.Equal(t, "// ... truncated ...", trimToBudget("one two three", 1, fieldCounter{}))
}

// TestDotnetCompactorNilCounter verifies the words-as-tokens fallback.
func TestDotnetCompactorNilCounter(t *testing.T) {
	compact := NewDotnetCompactor(nil)
	out, err := compact(context.Background(), orderService, 8)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "// ... truncated ..."))
}
