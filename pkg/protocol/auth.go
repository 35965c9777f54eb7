package protocol

import (
	"errors"
	"fmt"
)

// ErrUnknownType reports a sub-message tag this package does not know.
var ErrUnknownType = errors.New("protocol: unknown message type")

// AuthType tags the sub-message nested under MessageAuth.
type AuthType uint64

const (
	AuthToken            AuthType = 0 // client → server
	AuthPermissionDenied AuthType = 1 // server → client, carries a reason
	AuthAuthenticated    AuthType = 2 // server → client, carries the scope
)

// String returns the string representation of the auth type.
func (t AuthType) String() string {
	switch t {
	case AuthToken:
		return "Token"
	case AuthPermissionDenied:
		return "PermissionDenied"
	case AuthAuthenticated:
		return "Authenticated"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(t))
	}
}

// Scopes carried by an Authenticated reply.
const (
	ScopeReadWrite = "read-write"
	ScopeReadOnly  = "readonly"
)

// AuthTokenMessage builds the token message a client sends on open.
func AuthTokenMessage(documentName, token string) ([]byte, error) {
	if token == "" {
		return nil, &BuildError{Type: MessageAuth, Argument: "token"}
	}
	return authMessage(documentName, AuthToken, token), nil
}

// PermissionDeniedMessage tells the client its token was rejected.
func PermissionDeniedMessage(documentName, reason string) []byte {
	return authMessage(documentName, AuthPermissionDenied, reason)
}

// AuthenticatedMessage tells the client its token was accepted.
func AuthenticatedMessage(documentName, scope string) []byte {
	return authMessage(documentName, AuthAuthenticated, scope)
}

func authMessage(documentName string, t AuthType, value string) []byte {
	e := NewMessage(documentName, MessageAuth)
	e.WriteVarUint(uint64(t))
	e.WriteVarString(value)
	return e.Bytes()
}

// ReadAuthMessage reads [AuthType: varuint][Value: varstring].
func ReadAuthMessage(d *Decoder) (AuthType, string, error) {
	tag, err := d.ReadVarUint()
	if err != nil {
		return 0, "", fmt.Errorf("read auth type: %w", err)
	}
	t := AuthType(tag)
	if t > AuthAuthenticated {
		return t, "", fmt.Errorf("%w: auth type %d", ErrUnknownType, tag)
	}
	value, err := d.ReadVarString()
	if err != nil {
		return t, "", fmt.Errorf("read auth %s: %w", t, err)
	}
	return t, value, nil
}
