package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common server and connection error conditions.
var (
	// ErrVeto is returned by a hook to stop the current operation without
	// reporting a failure. The remaining hooks do not run.
	ErrVeto = errors.New("server: vetoed by hook")

	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrServerDestroyed is returned when the server is used after Destroy.
	ErrServerDestroyed = errors.New("server: destroyed")

	// ErrDocumentUnavailable is returned when a document could not be loaded.
	ErrDocumentUnavailable = errors.New("server: document unavailable")
)

// HookError wraps a failure returned by an extension hook.
type HookError struct {
	Hook      string // hook name, e.g. "onConnect"
	Extension int    // index of the failing extension
	Err       error
}

// Error returns the error message with hook context.
func (e *HookError) Error() string {
	return fmt.Sprintf("server: %s hook (extension %d): %v", e.Hook, e.Extension, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *HookError) Unwrap() error {
	return e.Err
}

// ConnectionError wraps an error with connection context for debugging.
type ConnectionError struct {
	SocketID string
	Document string
	Op       string
	Err      error
}

// Error returns the error message with connection context.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server: socket %s (%s): %s: %v", e.SocketID, e.Document, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
