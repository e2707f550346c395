// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompts resolves prompt templates from disk and renders the
// llama-style instruction format used by call_model. The budget
// contract counts the same rendered scaffold, so both live here.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve loads the template for key under dir.
//
// Lookup order: "<dir>/<key>.txt", "<dir>/<key>/prompt.txt", then key
// taken as an exact path. The first readable file wins.
func Resolve(dir, key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("prompts: empty prompt key")
	}
	candidates := []string{
		filepath.Join(dir, key+".txt"),
		filepath.Join(dir, key, "prompt.txt"),
		key,
	}
	var firstErr error
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err == nil {
			return string(raw), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return "", fmt.Errorf("prompts: template %q not found under %q: %w", key, dir, firstErr)
}

// Render builds the full model prompt:
//
//	[INST]<<SYS>>{system}<</SYS>>### Context:\n{context}\n\n### User:\n{question}[/INST]
//
// Context and question are user-controlled, so their control tokens
// are escaped first; the system block comes from the trusted template
// and is passed through.
func Render(system, context, question string) string {
	var b strings.Builder
	b.WriteString("[INST]<<SYS>>")
	b.WriteString(system)
	b.WriteString("<</SYS>>### Context:\n")
	b.WriteString(EscapeControlTokens(context))
	b.WriteString("\n\n### User:\n")
	b.WriteString(EscapeControlTokens(question))
	b.WriteString("[/INST]")
	return b.String()
}

// Scaffold returns the rendered prompt with empty user parts: the
// fixed overhead the budget contract charges per call_model step on
// top of the template itself.
func Scaffold(system string) string {
	return Render(system, "", "")
}

// EscapeControlTokens defangs instruction-format control tokens inside
// user-controlled text so retrieved code or a hostile question cannot
// break out of its prompt section.
func EscapeControlTokens(text string) string {
	replacer := strings.NewReplacer(
		"[INST]", "[I N S T]",
		"[/INST]", "[/I N S T]",
		"<<SYS>>", "<<S Y S>>",
		"<</SYS>>", "<</S Y S>>",
	)
	return replacer.Replace(text)
}
