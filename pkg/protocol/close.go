package protocol

import (
	"errors"
	"fmt"
)

// CloseError is a WebSocket close code with its reason text. Hooks return
// one to choose the code the server closes the socket with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

// Is matches any CloseError with the same code.
func (e *CloseError) Is(target error) bool {
	t, ok := target.(*CloseError)
	return ok && t.Code == e.Code
}

// Close codes shared by server and client.
var (
	// MessageTooBig: the peer sent a frame above the read limit.
	MessageTooBig = &CloseError{Code: 1009, Reason: "Message Too Big"}

	// ResetConnection asks the client to reconnect immediately.
	ResetConnection = &CloseError{Code: 4205, Reason: "Reset Connection"}

	// Unauthorized: the connection cannot succeed without reconfiguration.
	Unauthorized = &CloseError{Code: 4401, Reason: "Unauthorized"}

	// Forbidden: the credentials were understood and refused.
	Forbidden = &CloseError{Code: 4403, Reason: "Forbidden"}

	// ConnectionTimeout: no data arrived within the idle timeout.
	ConnectionTimeout = &CloseError{Code: 4408, Reason: "Connection Timeout"}
)

// CloseErrorFrom extracts the close code carried by err, if any.
func CloseErrorFrom(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
