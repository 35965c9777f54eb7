package protocol

import (
	"errors"
	"fmt"
)

// MessageType identifies the payload that follows the document name.
type MessageType uint64

// Values 4 and 6 are reserved and must not be reused.
const (
	MessageSync           MessageType = 0
	MessageAwareness      MessageType = 1
	MessageAuth           MessageType = 2
	MessageQueryAwareness MessageType = 3
	MessageStateless      MessageType = 5
	MessageClose          MessageType = 7
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "Sync"
	case MessageAwareness:
		return "Awareness"
	case MessageAuth:
		return "Auth"
	case MessageQueryAwareness:
		return "QueryAwareness"
	case MessageStateless:
		return "Stateless"
	case MessageClose:
		return "Close"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(t))
	}
}

// ErrMissingArgument is wrapped by every BuildError.
var ErrMissingArgument = errors.New("protocol: missing message argument")

// BuildError reports an outgoing message that could not be constructed
// because a required argument was absent.
type BuildError struct {
	Type     MessageType
	Argument string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("protocol: cannot build %s message: %s is required", e.Type, e.Argument)
}

func (e *BuildError) Unwrap() error {
	return ErrMissingArgument
}

// IncomingMessage is a decoded message envelope. The payload is left
// unread on the embedded Decoder.
type IncomingMessage struct {
	*Decoder

	DocumentName string
	Type         MessageType
}

// ReadMessage decodes the envelope of a single wire message.
//
// Wire format:
//
//	[DocumentName: varstring][Type: varuint][Payload...]
func ReadMessage(data []byte) (*IncomingMessage, error) {
	d := NewDecoder(data)
	name, err := d.ReadVarString()
	if err != nil {
		return nil, fmt.Errorf("read document name: %w", err)
	}
	t, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("read message type: %w", err)
	}
	return &IncomingMessage{Decoder: d, DocumentName: name, Type: MessageType(t)}, nil
}

// NewMessage returns an encoder with the envelope header for the given
// document and type already written.
func NewMessage(documentName string, t MessageType) *Encoder {
	e := NewEncoder()
	e.WriteVarString(documentName)
	e.WriteVarUint(uint64(t))
	return e
}

// SyncStep1Message builds a Sync/Step1 message carrying doc's state vector.
func SyncStep1Message(documentName string, doc Doc) ([]byte, error) {
	if doc == nil {
		return nil, &BuildError{Type: MessageSync, Argument: "document"}
	}
	e := NewMessage(documentName, MessageSync)
	WriteSyncStep1(e, doc)
	return e.Bytes(), nil
}

// SyncStep2Message builds a Sync/Step2 message carrying the diff of doc
// against stateVector. A nil state vector yields the full state.
func SyncStep2Message(documentName string, doc Doc, stateVector []byte) ([]byte, error) {
	if doc == nil {
		return nil, &BuildError{Type: MessageSync, Argument: "document"}
	}
	e := NewMessage(documentName, MessageSync)
	if err := WriteSyncStep2(e, doc, stateVector); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// UpdateMessage builds a Sync/Update message.
func UpdateMessage(documentName string, update []byte) ([]byte, error) {
	if update == nil {
		return nil, &BuildError{Type: MessageSync, Argument: "update"}
	}
	e := NewMessage(documentName, MessageSync)
	WriteUpdate(e, update)
	return e.Bytes(), nil
}

// AwarenessMessage wraps an encoded awareness update.
func AwarenessMessage(documentName string, update []byte) ([]byte, error) {
	if update == nil {
		return nil, &BuildError{Type: MessageAwareness, Argument: "awareness update"}
	}
	e := NewMessage(documentName, MessageAwareness)
	e.WriteVarUint8Array(update)
	return e.Bytes(), nil
}

// QueryAwarenessMessage asks the peer to send every awareness state it holds.
func QueryAwarenessMessage(documentName string) []byte {
	return NewMessage(documentName, MessageQueryAwareness).Bytes()
}

// StatelessMessage carries opaque application data that never touches
// the document.
func StatelessMessage(documentName, payload string) []byte {
	e := NewMessage(documentName, MessageStateless)
	e.WriteVarString(payload)
	return e.Bytes()
}

// CloseMessage asks the peer to close this document's connection.
func CloseMessage(documentName string) []byte {
	return NewMessage(documentName, MessageClose).Bytes()
}
