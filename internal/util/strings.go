// Package util provides small shared helpers that don't belong to a
// domain-specific package.
package util

import "strings"

// SafeTruncate truncates s to maxLen characters without panicking.
// Used when logging token prefixes, where only the first few characters
// may appear in output. A negative maxLen yields an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by trimming trailing
// slashes, so issuer and audience values with and without a trailing
// slash compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// JoinScopes renders a scope list in the space-delimited wire format.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// SplitScopes parses a space-delimited scope string into a list,
// dropping empty entries produced by repeated spaces.
func SplitScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
