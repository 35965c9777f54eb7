package persistence

import (
	"context"
	"errors"
)

// Store is a document state backend. Implementations must be safe for
// concurrent use.
type Store interface {
	// Fetch returns the stored state of a document.
	// Returns (nil, nil) if nothing is stored under name.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Store saves state under name, replacing what was there.
	Store(ctx context.Context, name string, state []byte) error

	// Delete removes the state stored under name. Deleting a missing
	// document is not an error.
	Delete(ctx context.Context, name string) error

	// Close releases resources held by the store. It does not close
	// clients passed in by the caller.
	Close() error
}

// ErrStoreClosed is returned when a store is used after Close.
var ErrStoreClosed = errors.New("persistence: store closed")
