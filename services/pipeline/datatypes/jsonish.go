// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseJSONish parses model output into a JSON object, tolerating the
// deviations language models routinely produce.
//
// # Description
//
// Accepted beyond strict JSON:
//
//   - markdown code fences around the payload (```json ... ```)
//   - leading prose before the first '{'
//   - unquoted object keys
//   - single-quoted strings
//   - trailing commas in objects and arrays
//   - '=' in place of ':' between key and value
//   - bare-word values (parsed as strings)
//
// Numbers decode to float64 and nested objects to map[string]any, the
// same shapes encoding/json produces, so strict and tolerant parses of
// the same document are interchangeable.
//
// # Errors
//
// Returns an error when no object can be found or the object is
// structurally broken beyond the tolerated deviations.
func ParseJSONish(text string) (map[string]any, error) {
	cleaned := StripCodeFences(text)

	// Fast path: strict JSON.
	trimmed := strings.TrimSpace(cleaned)
	if strings.HasPrefix(trimmed, "{") {
		var strict map[string]any
		if err := json.Unmarshal([]byte(trimmed), &strict); err == nil {
			return strict, nil
		}
	}

	start := strings.IndexRune(cleaned, '{')
	if start < 0 {
		return nil, fmt.Errorf("jsonish: no object found in %q", truncateForError(text))
	}
	p := &jsonishParser{src: []rune(cleaned[start:])}
	obj, err := p.parseObject()
	if err != nil {
		return nil, fmt.Errorf("jsonish: %w", err)
	}
	return obj, nil
}

// SerializeCompact renders an object as compact JSON with sorted keys
// (encoding/json sorts map keys). Used to write cleaned router payloads
// back into the model-response slot.
func SerializeCompact(obj map[string]any) string {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// StripCodeFences removes a surrounding markdown code fence, with or
// without a language tag. Text without a fence is returned unchanged.
func StripCodeFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	body := trimmed[3:]
	// Drop the language tag up to the first newline.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return text
	}
	if end := strings.LastIndex(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

func truncateForError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

// jsonishParser is a small recursive-descent parser over runes.
type jsonishParser struct {
	src []rune
	pos int
}

func (p *jsonishParser) peek() (rune, bool) {
	if p.pos >= len(p.src) {
		return 0, false
	}
	return p.src[p.pos], true
}

func (p *jsonishParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(p.src[p.pos]) {
		p.pos++
	}
}

func (p *jsonishParser) expect(r rune) error {
	p.skipSpace()
	c, ok := p.peek()
	if !ok || c != r {
		return fmt.Errorf("expected %q at offset %d", r, p.pos)
	}
	p.pos++
	return nil
}

func (p *jsonishParser) parseObject() (map[string]any, error) {
	if err := p.expect('{'); err != nil {
		return nil, err
	}
	obj := map[string]any{}
	for {
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated object at offset %d", p.pos)
		}
		if c == '}' {
			p.pos++
			return obj, nil
		}
		if c == ',' {
			// Tolerate stray and trailing commas.
			p.pos++
			continue
		}
		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		c, ok = p.peek()
		if !ok || (c != ':' && c != '=') {
			return nil, fmt.Errorf("expected ':' after key %q at offset %d", key, p.pos)
		}
		p.pos++
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		obj[key] = val
	}
}

func (p *jsonishParser) parseKey() (string, error) {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return "", fmt.Errorf("expected key at offset %d", p.pos)
	}
	if c == '"' || c == '\'' {
		return p.parseString(c)
	}
	// Unquoted key: run of letters, digits, '_', '-', '.'.
	start := p.pos
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return "", fmt.Errorf("expected key at offset %d", start)
	}
	return string(p.src[start:p.pos]), nil
}

func (p *jsonishParser) parseValue() (any, error) {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("expected value at offset %d", p.pos)
	}
	switch {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"' || c == '\'':
		return p.parseString(c)
	default:
		return p.parseLiteral()
	}
}

func (p *jsonishParser) parseArray() ([]any, error) {
	if err := p.expect('['); err != nil {
		return nil, err
	}
	var arr []any
	for {
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			return nil, fmt.Errorf("unterminated array at offset %d", p.pos)
		}
		if c == ']' {
			p.pos++
			if arr == nil {
				arr = []any{}
			}
			return arr, nil
		}
		if c == ',' {
			p.pos++
			continue
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		arr = append(arr, val)
	}
}

func (p *jsonishParser) parseString(quote rune) (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		switch r {
		case '\\':
			if p.pos+1 >= len(p.src) {
				return "", fmt.Errorf("dangling escape at offset %d", p.pos)
			}
			next := p.src[p.pos+1]
			switch next {
			case 'n':
				b.WriteRune('\n')
			case 't':
				b.WriteRune('\t')
			case 'r':
				b.WriteRune('\r')
			case 'u':
				if p.pos+5 < len(p.src) {
					if code, err := strconv.ParseInt(string(p.src[p.pos+2:p.pos+6]), 16, 32); err == nil {
						b.WriteRune(rune(code))
						p.pos += 4
					}
				}
			default:
				b.WriteRune(next)
			}
			p.pos += 2
		case quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteRune(r)
			p.pos++
		}
	}
	return "", fmt.Errorf("unterminated string at offset %d", p.pos)
}

// parseLiteral reads a bare token: number, true/false/null, or a bare
// word treated as a string.
func (p *jsonishParser) parseLiteral() (any, error) {
	start := p.pos
	for p.pos < len(p.src) {
		r := p.src[p.pos]
		if r == ',' || r == '}' || r == ']' || r == '\n' {
			break
		}
		p.pos++
	}
	token := strings.TrimSpace(string(p.src[start:p.pos]))
	if token == "" {
		return nil, fmt.Errorf("expected value at offset %d", start)
	}
	switch token {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "None":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, nil
	}
	return token, nil
}
