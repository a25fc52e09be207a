// Package storage persists the channel registry, per-channel credentials and
// an operator audit trail.
//
// Two drivers exist: "file" (JSON snapshot plus JSON Lines audit log) and
// "sqlite" (modernc.org/sqlite, pure Go).
package storage
