// Package util holds small helpers shared across the library: safe string
// truncation for logging token prefixes, URL normalization for audience
// comparison, and IP classification backing redirect URI validation.
package util
