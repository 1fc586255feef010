// Package parse provides string parsing utilities for CLI commands.
package parse

import "strings"

// KeyValue parses a "key:value" or "key=value" string.
// If delimiters are provided, uses the first one found; otherwise defaults to ':'.
// Returns the key, value, and a boolean indicating success.
func KeyValue(s string, delimiters ...rune) (key, value string, ok bool) {
	if len(delimiters) == 0 {
		delimiters = []rune{':'}
	}

	for i, c := range s {
		for _, d := range delimiters {
			if c == d {
				return s[:i], s[i+1:], true
			}
		}
	}
	return "", "", false
}

// SplitTrim splits each value by sep, trims the parts and drops empty ones.
// It lets repeatable flags also accept comma separated lists.
func SplitTrim(values []string, sep string) []string {
	var result []string
	for _, v := range values {
		for _, p := range strings.Split(v, sep) {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
