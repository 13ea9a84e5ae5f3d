// Package snapshot implements the versioned binary snapshot format for a
// gopc machine: the tagged-field envelope codec, the section-based file
// layout, the sparse large-buffer codec, and the Source/Target contract the
// orchestrator drives during capture and restore.
package snapshot

import "errors"

// Error taxonomy. Corrupt and VersionMismatch abort a restore immediately;
// ConfigMismatch is aggregated across the batched device-restore call and
// surfaced as the terminal restore error.
var (
	// ErrCorrupt indicates malformed or truncated snapshot bytes: bad
	// magic, a length that runs past the buffer, an out-of-range sparse
	// page record, or a CPU/device set that violates a format invariant.
	ErrCorrupt = errors.New("corrupt snapshot")

	// ErrVersionMismatch indicates a stored major version the reader does
	// not support. Minor version differences are always accepted.
	ErrVersionMismatch = errors.New("snapshot version mismatch")

	// ErrConfigMismatch indicates the snapshot references a device kind
	// the target machine was not configured with.
	ErrConfigMismatch = errors.New("snapshot config mismatch")
)
