// Package util provides small shared helpers used across the ghauth library.
package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. Used when logging identifiers derived from
// secrets (state tokens, session ids), where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeOrigin normalizes a URL for allow-list comparison by removing
// trailing slashes. Origins configured with and without a trailing slash
// are considered equivalent.
func NormalizeOrigin(url string) string {
	return strings.TrimRight(url, "/")
}
