// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package classifier detects the code kind of a retrieved node text so
// manage_context_budget can route it to the matching compactor.
//
// The classifier is deliberately heuristic: line-based keyword scoring
// over the text, with the node path and canonical-id kind segment as
// strong hints. No AST parsing; misclassification costs only a
// suboptimal compaction, never correctness.
package classifier

import (
	"regexp"
	"strings"
)

// Language labels returned by Classify.
const (
	LangSQL     = "sql"
	LangDotnet  = "dotnet"
	LangUnknown = "unknown"
)

// minScore is the evidence floor below which a text stays unknown.
const minScore = 3

// Keyword tables. Scores are per matched line, so long files need
// sustained evidence while a short stored procedure still clears the
// floor quickly.
var (
	sqlStrong = regexp.MustCompile(`(?i)^\s*(create\s+(or\s+alter\s+)?(procedure|proc|function|trigger|view|table)|alter\s+(procedure|table)|merge\s+into|select\s+.*\bfrom\b|insert\s+into|update\s+.+\bset\b|delete\s+from|declare\s+@|set\s+nocount|begin\s+tran|exec(ute)?\s+)`)
	sqlWeak   = regexp.MustCompile(`(?i)\b(inner\s+join|left\s+join|outer\s+join|group\s+by|order\s+by|where|having|nvarchar|datetime2?|rowcount|@@|isnull|coalesce)\b`)

	dotnetStrong = regexp.MustCompile(`^\s*(using\s+[A-Za-z][\w.]*\s*;|namespace\s+[A-Za-z]|\[[A-Z][\w]*(\(.*\))?\]\s*$|(public|private|protected|internal)\s+(static\s+|sealed\s+|abstract\s+|partial\s+|async\s+|override\s+|virtual\s+|readonly\s+)*(class|interface|struct|enum|record|void|Task|[A-Z][\w<>,\s]*)\s)`)
	dotnetWeak   = regexp.MustCompile(`\b(var\s+\w+\s*=|=>|async\s+Task|await\s|string\.|IEnumerable<|List<|Dictionary<|foreach\s*\(|get;|set;|#region|#endregion)`)
)

// Classify returns the language label for a node text.
//
// path and kind are optional hints: a ".sql"/".cs" path suffix or a
// "sql"/"cs" canonical-id kind decides immediately. Otherwise the text
// is scored line by line and the dominant language wins, provided it
// clears the evidence floor.
func Classify(text, path, kind string) string {
	switch strings.ToLower(kind) {
	case "sql":
		return LangSQL
	case "cs", "csproj", "dotnet":
		return LangDotnet
	}
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".sql"):
		return LangSQL
	case strings.HasSuffix(lower, ".cs"), strings.HasSuffix(lower, ".cshtml"), strings.HasSuffix(lower, ".csx"):
		return LangDotnet
	}
	return classifyText(text)
}

func classifyText(text string) string {
	sqlScore := 0
	dotnetScore := 0
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if sqlStrong.MatchString(line) {
			sqlScore += 3
		} else if sqlWeak.MatchString(line) {
			sqlScore++
		}
		if dotnetStrong.MatchString(line) {
			dotnetScore += 3
		} else if dotnetWeak.MatchString(line) {
			dotnetScore++
		}
	}

	// C# embeds SQL in string literals; when both score, prefer the
	// host language unless SQL evidence clearly dominates.
	switch {
	case sqlScore >= minScore && sqlScore > dotnetScore*2:
		return LangSQL
	case dotnetScore >= minScore && dotnetScore >= sqlScore:
		return LangDotnet
	case sqlScore >= minScore:
		return LangSQL
	default:
		return LangUnknown
	}
}
