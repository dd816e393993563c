// Package identity implements ripple's user account foundation.
//
// It holds the canonical User model, normalization rules for login
// identifiers, password hashing entry points, and the persistence boundary
// used by the HTTP and WebSocket layers.
//
// This package is intentionally dependency-light and security-first.
package identity
