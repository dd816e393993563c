// Package token provides the refresh-secret hashing primitives for ripple.
//
// It is the single source of truth for how opaque refresh secrets are
// digested before storage. The server never persists a raw secret; it keeps
// a keyed HMAC-SHA256 digest (64 hex chars) and compares digests in
// constant time.
package token
