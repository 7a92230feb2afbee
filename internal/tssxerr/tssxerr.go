// Package tssxerr enumerates the error taxonomy shared across the
// shared-memory connection substrate, so callers can errors.Is against a
// stable kind instead of matching on message text.
package tssxerr

import "errors"

var (
	// ErrAllocationFailed is returned when the OS refuses to create or
	// remove a shared memory segment.
	ErrAllocationFailed = errors.New("tssx: allocation failed")

	// ErrAttachFailed is returned when an existing segment cannot be
	// mapped into the caller's address space.
	ErrAttachFailed = errors.New("tssx: attach failed")

	// ErrInvalidState is returned for an operation on a connection handle
	// that is no longer valid (a second Disconnect) and for a short read
	// of the segment id during the handshake.
	ErrInvalidState = errors.New("tssx: invalid state")

	// ErrTimedOut is returned by a blocking ring buffer operation whose
	// deadline elapsed with zero bytes transferred.
	ErrTimedOut = errors.New("tssx: timed out")

	// ErrInvalidArgument is returned for null/zero/negative sizes where
	// the ring buffer contract does not permit them.
	ErrInvalidArgument = errors.New("tssx: invalid argument")
)
