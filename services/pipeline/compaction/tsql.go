// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package compaction shrinks retrieved code so more nodes fit the
// model context window. Two compactors exist, one per supported code
// kind: a T-SQL summarizer that analyzes a batch into a compact JSON
// description, and a .NET compressor that keeps declarations and doc
// comments while dropping bodies.
//
// Both are exposed to the engine runtime as CodeCompactor functions;
// manage_context_budget dispatches on the classified language.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// TSQLSummary is the structured analysis of one T-SQL batch.
type TSQLSummary struct {
	ObjectType string   `json:"object_type,omitempty"` // procedure | function | view | trigger | batch
	ObjectName string   `json:"object_name,omitempty"`
	Parameters []string `json:"parameters,omitempty"`
	Reads      []string `json:"reads,omitempty"`
	Writes     []string `json:"writes,omitempty"`
	TempTables []string `json:"temp_tables,omitempty"`
	Statements int      `json:"statements"`
	HasTran    bool     `json:"has_transaction,omitempty"`
	HasCursor  bool     `json:"has_cursor,omitempty"`
	HasDynamic bool     `json:"has_dynamic_sql,omitempty"`
}

var (
	tsqlObjectRe = regexp.MustCompile(`(?i)create\s+(?:or\s+alter\s+)?(procedure|proc|function|view|trigger)\s+([\[\]\w.#]+)`)
	tsqlParamRe  = regexp.MustCompile(`(?i)(@\w+)\s+([\w\(\),\s]+?)(?:\s*=\s*[^,\)]+)?(?:,|\)|\n|$)`)
	tsqlReadRe   = regexp.MustCompile(`(?i)\b(?:from|join)\s+([\[\]\w.#]+)`)
	tsqlWriteRe  = regexp.MustCompile(`(?i)\b(?:insert\s+into|update|delete\s+from|merge\s+into|truncate\s+table)\s+([\[\]\w.#]+)`)
	tsqlStmtRe   = regexp.MustCompile(`(?im)^\s*(select|insert|update|delete|merge|declare|set|if|while|exec|execute|begin|return|with)\b`)
)

// AnalyzeTSQL builds a TSQLSummary from raw T-SQL text.
//
// The analysis is regex-driven and approximate: it names the defined
// object, its parameters, and the tables read and written, which is
// what the answer model needs to reason about data flow.
func AnalyzeTSQL(text string) TSQLSummary {
	summary := TSQLSummary{ObjectType: "batch"}

	if m := tsqlObjectRe.FindStringSubmatch(text); m != nil {
		objType := strings.ToLower(m[1])
		if objType == "proc" {
			objType = "procedure"
		}
		summary.ObjectType = objType
		summary.ObjectName = cleanSQLName(m[2])

		// Parameters live between the object name and the first AS.
		header := text
		if idx := asKeywordIndex(text); idx > 0 {
			header = text[:idx]
		}
		for _, pm := range tsqlParamRe.FindAllStringSubmatch(header, -1) {
			summary.Parameters = append(summary.Parameters,
				pm[1]+" "+strings.TrimSpace(strings.ToLower(pm[2])))
		}
	}

	reads := map[string]struct{}{}
	writes := map[string]struct{}{}
	temps := map[string]struct{}{}
	for _, m := range tsqlReadRe.FindAllStringSubmatch(text, -1) {
		name := cleanSQLName(m[1])
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "#") {
			temps[name] = struct{}{}
		} else {
			reads[name] = struct{}{}
		}
	}
	for _, m := range tsqlWriteRe.FindAllStringSubmatch(text, -1) {
		name := cleanSQLName(m[1])
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, "#") {
			temps[name] = struct{}{}
		} else {
			writes[name] = struct{}{}
			delete(reads, name)
		}
	}
	summary.Reads = sortedKeys(reads)
	summary.Writes = sortedKeys(writes)
	summary.TempTables = sortedKeys(temps)

	summary.Statements = len(tsqlStmtRe.FindAllString(text, -1))
	lower := strings.ToLower(text)
	summary.HasTran = strings.Contains(lower, "begin tran")
	summary.HasCursor = strings.Contains(lower, "declare") && strings.Contains(lower, "cursor")
	summary.HasDynamic = strings.Contains(lower, "sp_executesql") || strings.Contains(lower, "exec(")
	return summary
}

// CompactTSQL is the CodeCompactor for SQL nodes: analyze, then render
// the summary as compact JSON. The token budget is ignored; the
// summary is orders of magnitude smaller than any budget in use.
func CompactTSQL(_ context.Context, text string, _ int) (string, error) {
	summary := AnalyzeTSQL(text)
	raw, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("compaction: marshal tsql summary: %w", err)
	}
	return string(raw), nil
}

// asKeywordIndex finds the AS keyword that separates a procedure
// header from its body, skipping column aliases by requiring AS on its
// own word boundary at line level.
func asKeywordIndex(text string) int {
	re := regexp.MustCompile(`(?im)^\s*as\s*$|\bas\s*\n\s*begin\b`)
	loc := re.FindStringIndex(text)
	if loc == nil {
		return -1
	}
	return loc[0]
}

func cleanSQLName(name string) string {
	name = strings.Trim(name, "[]")
	name = strings.ReplaceAll(name, "[", "")
	name = strings.ReplaceAll(name, "]", "")
	return strings.TrimSpace(name)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
