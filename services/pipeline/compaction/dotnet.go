// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compaction

import (
	"context"
	"regexp"
	"strings"
)

// DefaultDotnetBudgetTokens is the snippet budget when the caller
// passes none.
const DefaultDotnetBudgetTokens = 1200

// dotnetDeclRe matches lines worth keeping in snippets mode: type and
// member declarations, attributes, and namespace/using lines.
var dotnetDeclRe = regexp.MustCompile(`^\s*(using\s|namespace\s|\[|(public|private|protected|internal)\s|(static|sealed|abstract|partial|async|override|virtual|readonly|const)\s|(class|interface|struct|enum|record)\s)`)

// dotnetDocRe matches XML doc comment lines.
var dotnetDocRe = regexp.MustCompile(`^\s*///`)

// NewDotnetCompactor returns the CodeCompactor for .NET nodes.
//
// # Description
//
// Snippets mode: the compactor keeps namespace/using lines, type and
// member declarations, attributes, and XML doc comments, and replaces
// every skipped body with a "{ ... }" marker. Output is then trimmed
// from the bottom until it fits the token budget, so the leading
// declarations (the ones dependency expansion selected the node for)
// always survive.
//
// counter supplies token counts; passing nil falls back to a
// words-as-tokens approximation.
func NewDotnetCompactor(counter interface{ Count(string) int }) func(ctx context.Context, text string, budgetTokens int) (string, error) {
	return func(_ context.Context, text string, budgetTokens int) (string, error) {
		if budgetTokens <= 0 {
			budgetTokens = DefaultDotnetBudgetTokens
		}
		snippet := dotnetSnippets(text)
		return trimToBudget(snippet, budgetTokens, counter), nil
	}
}

// dotnetSnippets reduces a C# file to declarations plus doc comments.
func dotnetSnippets(text string) string {
	var out []string
	skipped := false
	depth := 0
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		keep := trimmed == "" && depth <= 1 ||
			dotnetDocRe.MatchString(line) ||
			dotnetDeclRe.MatchString(line) ||
			trimmed == "{" && depth < 2 ||
			trimmed == "}" && depth <= 2

		if keep {
			if skipped {
				out = append(out, indentOf(line)+"{ ... }")
				skipped = false
			}
			out = append(out, strings.TrimRight(line, " \t"))
		} else if trimmed != "" {
			skipped = true
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			depth = 0
		}
	}
	if skipped {
		out = append(out, "{ ... }")
	}
	return collapseBlankRuns(strings.Join(out, "\n"))
}

// trimToBudget drops trailing lines until the text fits the budget.
func trimToBudget(text string, budgetTokens int, counter interface{ Count(string) int }) string {
	count := func(s string) int {
		if counter != nil {
			return counter.Count(s)
		}
		return len(strings.Fields(s))
	}
	if count(text) <= budgetTokens {
		return text
	}
	lines := strings.Split(text, "\n")
	for len(lines) > 1 {
		lines = lines[:len(lines)-1]
		candidate := strings.Join(lines, "\n") + "\n// ... truncated ..."
		if count(candidate) <= budgetTokens {
			return candidate
		}
	}
	return "// ... truncated ..."
}

func indentOf(line string) string {
	for i, r := range line {
		if r != ' ' && r != '\t' {
			return line[:i]
		}
	}
	return line
}

func collapseBlankRuns(text string) string {
	re := regexp.MustCompile(`\n{3,}`)
	return re.ReplaceAllString(text, "\n\n")
}
