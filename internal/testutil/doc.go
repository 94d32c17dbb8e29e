// Package testutil supplies shared test fixtures: clients, codes, token
// pairs, users, PKCE pairs, and small assertion helpers.
package testutil
