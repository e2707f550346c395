// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package budget enforces the token-budget contract: an in-memory
// clamp of max_context_tokens / max_output_tokens at pipeline load
// time, plus the token counters the contract and the
// manage_context_budget action count with.
package budget

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TiktokenCounter counts tokens with a tiktoken BPE encoding. The
// encoding is loaded once; Count is safe for concurrent use.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding ("cl100k_base" fits the
// llama-style prompt format used here closely enough for budgeting).
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("budget: load encoding %q: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// WordCounter approximates tokens as whitespace-separated words. Used
// when the tiktoken dictionaries are unavailable (air-gapped deploys)
// and in tests that need deterministic small numbers.
type WordCounter struct{}

func (WordCounter) Count(text string) int {
	return len(strings.Fields(text))
}

// cachedCounter memoizes counts for repeated texts (prompt templates
// are counted once per step during contract enforcement).
type cachedCounter struct {
	inner interface{ Count(string) int }

	mu    sync.Mutex
	cache map[string]int
}

// WithCache wraps a counter with a small memo table.
func WithCache(inner interface{ Count(string) int }) interface{ Count(string) int } {
	return &cachedCounter{inner: inner, cache: map[string]int{}}
}

func (c *cachedCounter) Count(text string) int {
	c.mu.Lock()
	if n, ok := c.cache[text]; ok {
		c.mu.Unlock()
		return n
	}
	c.mu.Unlock()
	n := c.inner.Count(text)
	c.mu.Lock()
	c.cache[text] = n
	c.mu.Unlock()
	return n
}
