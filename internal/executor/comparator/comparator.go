// Package comparator implements the output matching policy.
//
// The policy is deliberately narrow: strip exactly one trailing newline from
// each side, then compare byte-for-byte. A final print newline must not fail
// a submission, but internal whitespace differences are real mismatches.
package comparator

import "strings"

// Equal reports whether actual output matches expected output.
func Equal(actual, expected string) bool {
	return trimTrailingNewline(actual) == trimTrailingNewline(expected)
}

// trimTrailingNewline removes a single trailing "\n" or "\r\n".
// Only the final newline is stripped; any other trailing whitespace stays.
func trimTrailingNewline(s string) string {
	if trimmed, ok := strings.CutSuffix(s, "\n"); ok {
		return strings.TrimSuffix(trimmed, "\r")
	}
	return s
}
