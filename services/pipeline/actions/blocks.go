// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package actions

import (
	"strings"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// FormatNodeBlock renders one node text in the canonical context-block
// shape shared by manage_context_budget and the fan-out merge:
//
//	--- NODE ---
//	id: <canonical id>
//	path: <path, when known>
//	language: <classified language>
//	compact: <true after compaction>
//
//	<text>
func FormatNodeBlock(id, path, language string, compact bool, text string) string {
	var b strings.Builder
	b.WriteString("--- NODE ---\n")
	b.WriteString("id: ")
	b.WriteString(id)
	b.WriteString("\n")
	if path != "" {
		b.WriteString("path: ")
		b.WriteString(path)
		b.WriteString("\n")
	}
	if language != "" {
		b.WriteString("language: ")
		b.WriteString(language)
		b.WriteString("\n")
	}
	if compact {
		b.WriteString("compact: true\n")
	}
	b.WriteString("\n")
	b.WriteString(text)
	return b.String()
}

// nodeKind extracts the kind segment of a canonical node id, or "".
func nodeKind(id string) string {
	parsed, err := datatypes.ParseNodeID(id)
	if err != nil {
		return ""
	}
	return parsed.Kind
}
