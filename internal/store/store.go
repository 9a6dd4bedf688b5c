package store

import "errors"

// ErrNotFound is returned when a shutter has no stored rolling code.
var ErrNotFound = errors.New("not found")

// Store persists per-remote rolling codes. The Somfy receiver only accepts
// frames whose code is within a small window above the last one it saw, so
// codes must survive restarts or the remote identity is lost.
type Store interface {
	// NextCode returns the code to embed in the next frame and advances the
	// stored counter by one in the same transaction. The increment is
	// unconditional: a failed transmission cannot be told apart from one the
	// receiver missed, and reverting would desynchronize the pair.
	NextCode(id string) (uint16, error)

	// GetCode returns the stored code without advancing it.
	GetCode(id string) (uint16, error)

	// SeedCode stores an initial code for a shutter that has none yet.
	// Existing codes are never overwritten.
	SeedCode(id string, code uint16) error

	// Close the store
	Close() error
}
