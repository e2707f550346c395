// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestResolveLookupOrder verifies the three candidate locations and
// their precedence.
func TestResolveLookupOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "router.txt"), []byte("flat"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "router"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "router", "prompt.txt"), []byte("nested"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "answer"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer", "prompt.txt"), []byte("answer body"), 0o644))

	// <dir>/<key>.txt wins over <dir>/<key>/prompt.txt.
	tpl, err := Resolve(dir, "router")
	require.NoError(t, err)
	assert.Equal(t, "flat", tpl)

	tpl, err = Resolve(dir, "answer")
	require.NoError(t, err)
	assert.Equal(t, "answer body", tpl)

	// Exact path fallback.
	exact := filepath.Join(dir, "custom.tpl")
	require.NoError(t, os.WriteFile(exact, []byte("exact"), 0o644))
	tpl, err = Resolve(dir, exact)
	require.NoError(t, err)
	assert.Equal(t, "exact", tpl)
}

// TestResolveErrors verifies empty keys and missing templates fail.
func TestResolveErrors(t *testing.T) {
	_, err := Resolve(t.TempDir(), "  ")
	require.Error(t, err)

	_, err = Resolve(t.TempDir(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `template "nope"`)
}

// TestRender verifies the instruction format and that only the
// user-controlled parts are escaped.
func TestRender(t *testing.T) {
	out := Render("You answer about code.", "func main() {}", "what does [INST] do?")
	assert.Equal(t,
		"[INST]<<SYS>>You answer about code.<</SYS>>### Context:\nfunc main() {}\n\n### User:\nwhat does [I N S T] do?[/INST]",
		out)

	// System text is trusted and passes through unescaped.
	out = Render("keep [INST] literal", "", "")
	assert.Contains(t, out, "<<SYS>>keep [INST] literal<</SYS>>")
}

// TestScaffold verifies the scaffold is the render with empty user
// parts.
func TestScaffold(t *testing.T) {
	assert.Equal(t, Render("sys", "", ""), Scaffold("sys"))
	assert.Equal(t, "[INST]<<SYS>><</SYS>>### Context:\n\n\n### User:\n[/INST]", Scaffold(""))
}

// TestEscapeControlTokens verifies every control token is defanged.
func TestEscapeControlTokens(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"[INST]x[/INST]", "[I N S T]x[/I N S T]"},
		{"<<SYS>>x<</SYS>>", "<<S Y S>>x<</S Y S>>"},
		{"plain text", "plain text"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, EscapeControlTokens(tc.in))
	}
}
