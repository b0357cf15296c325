// Package jsonx locates JSON objects inside free-form generator output.
package jsonx

import (
	"strings"
)

// Extract returns the first JSON object embedded in s. Fenced ```json blocks
// take priority; otherwise the span from the first '{' to its matching brace
// (or the last '}' when braces never balance) is used. The second return is
// false when no candidate object is present.
func Extract(s string) (string, bool) {
	if i := strings.Index(s, "```json"); i >= 0 {
		start := i + len("```json")
		if end := strings.Index(s[start:], "```"); end >= 0 {
			return strings.TrimSpace(s[start : start+end]), true
		}
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	// Unbalanced braces: fall back to the first-to-last brace span.
	if end := strings.LastIndexByte(s, '}'); end > start {
		return strings.TrimSpace(s[start : end+1]), true
	}
	return "", false
}
