// Package session implements ripple's credential and session core.
//
// It provides short-lived JWT access credentials, opaque refresh secrets
// with family-based rotation, replay (reuse) detection with a small grace
// window for racing clients, and per-family/per-user revocation.
//
// Refresh secrets are random strings shown to the client exactly once; the
// server stores only a keyed HMAC-SHA256 digest. Every refresh record
// belongs to a family created at login. Rotation inserts a successor record
// (version+1) and revokes the presented one in a single transaction, so at
// most one record per family is ever ACTIVE.
//
// Transport (HTTP/WS) integration is intentionally out of scope here.
package session
