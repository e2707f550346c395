// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseNodeID verifies the canonical four-segment form round-trips
// and local ids may themselves contain separators.
func TestParseNodeID(t *testing.T) {
	n, err := ParseNodeID("repo::snap-1::function::pkg.Foo")
	require.NoError(t, err)
	assert.Equal(t, NodeID{Repo: "repo", SnapshotID: "snap-1", Kind: "function", LocalID: "pkg.Foo"}, n)
	assert.Equal(t, "repo::snap-1::function::pkg.Foo", n.String())

	n, err = ParseNodeID("repo::snap::class::Outer::Inner")
	require.NoError(t, err)
	assert.Equal(t, "Outer::Inner", n.LocalID)
}

// TestParseNodeIDRejectsMalformed verifies short or empty-segment ids fail.
func TestParseNodeIDRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "repo::snap::function", "repo::::function::f", "a::b"} {
		_, err := ParseNodeID(id)
		assert.Error(t, err, "id %q", id)
	}
}
