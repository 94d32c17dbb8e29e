package util

import "strings"

// SafeTruncate returns at most maxLen leading bytes of s. It never panics:
// short strings come back unchanged and a negative maxLen yields "". Intended
// for logging prefixes of secrets such as tokens and authorization codes.
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so that resource identifiers and
// audience values compare equal regardless of a trailing "/" (RFC 8707).
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
