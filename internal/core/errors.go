// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; lower layers wrap them
// with context using fmt.Errorf("...: %w", err).
var (
	// Retrieval results
	ErrNoNotice    = errors.New("zephyr: no matching notice")
	ErrParse       = errors.New("zephyr: malformed notice")
	ErrOutOfMemory = errors.New("zephyr: notice copy allocation failed")

	// Input queue errors
	ErrNotFound         = errors.New("zephyr: queue record not found")
	ErrInvalidFragment  = errors.New("zephyr: invalid fragment")
	ErrFragmentMismatch = errors.New("zephyr: fragment count mismatch")
	ErrReassemblyLimit  = errors.New("zephyr: fragment reassembly limit exceeded")
	ErrQueueFull        = errors.New("zephyr: input queue full")

	// Authentication errors
	ErrAuthFailure = errors.New("zephyr: authenticator mismatch")
	ErrWeakKey     = errors.New("zephyr: weak or semi-weak key")

	// Configuration errors
	ErrConfigInvalid = errors.New("zephyr: invalid configuration")
)
