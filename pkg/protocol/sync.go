package protocol

import "fmt"

// SyncType tags the sub-message nested under MessageSync.
type SyncType uint64

const (
	SyncStep1  SyncType = 0 // sender's state vector
	SyncStep2  SyncType = 1 // diff against a received state vector
	SyncUpdate SyncType = 2 // incremental change
)

// String returns the string representation of the sync type.
func (t SyncType) String() string {
	switch t {
	case SyncStep1:
		return "SyncStep1"
	case SyncStep2:
		return "SyncStep2"
	case SyncUpdate:
		return "Update"
	default:
		return fmt.Sprintf("Unknown(%d)", uint64(t))
	}
}

// Doc is the replicated document engine the sync protocol drives.
// Implementations must be safe for concurrent use.
type Doc interface {
	// EncodeStateVector summarizes which updates the document has seen.
	EncodeStateVector() []byte

	// EncodeStateAsUpdate encodes everything missing from stateVector.
	// A nil or empty state vector encodes the whole document.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)

	// ApplyUpdate merges a remote update. Applying the same update twice
	// has no further effect. origin is passed through to update observers.
	ApplyUpdate(update []byte, origin any) error

	// OnUpdate registers fn to run after every change to the document,
	// with the encoded change and the origin given to ApplyUpdate. The
	// returned func removes the observer.
	OnUpdate(fn func(update []byte, origin any)) (off func())
}

// ApplyError wraps a failure of the document engine to apply a remote
// update. Callers log it and keep the connection.
type ApplyError struct {
	Type SyncType
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("protocol: apply %s: %v", e.Type, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// WriteSyncStep1 writes [SyncStep1][StateVector: varbytes].
func WriteSyncStep1(e *Encoder, doc Doc) {
	e.WriteVarUint(uint64(SyncStep1))
	e.WriteVarUint8Array(doc.EncodeStateVector())
}

// WriteSyncStep2 writes [SyncStep2][Update: varbytes].
func WriteSyncStep2(e *Encoder, doc Doc, stateVector []byte) error {
	update, err := doc.EncodeStateAsUpdate(stateVector)
	if err != nil {
		return fmt.Errorf("encode state as update: %w", err)
	}
	e.WriteVarUint(uint64(SyncStep2))
	e.WriteVarUint8Array(update)
	return nil
}

// WriteUpdate writes [SyncUpdate][Update: varbytes].
func WriteUpdate(e *Encoder, update []byte) {
	e.WriteVarUint(uint64(SyncUpdate))
	e.WriteVarUint8Array(update)
}

// ReadSyncMessage reads one sync sub-message from d and handles it against
// doc. A SyncStep1 writes the SyncStep2 answer to reply, which must already
// carry the envelope header. SyncStep2 and SyncUpdate are applied to doc
// with the given origin; engine failures come back as *ApplyError.
func ReadSyncMessage(d *Decoder, reply *Encoder, doc Doc, origin any) (SyncType, error) {
	tag, err := d.ReadVarUint()
	if err != nil {
		return 0, fmt.Errorf("read sync type: %w", err)
	}
	t := SyncType(tag)
	switch t {
	case SyncStep1:
		sv, err := d.ReadVarUint8Array()
		if err != nil {
			return t, fmt.Errorf("read state vector: %w", err)
		}
		if err := WriteSyncStep2(reply, doc, sv); err != nil {
			return t, err
		}
		return t, nil
	case SyncStep2, SyncUpdate:
		update, err := d.ReadVarUint8Array()
		if err != nil {
			return t, fmt.Errorf("read update: %w", err)
		}
		if err := doc.ApplyUpdate(update, origin); err != nil {
			return t, &ApplyError{Type: t, Err: err}
		}
		return t, nil
	default:
		return t, fmt.Errorf("%w: sync type %d", ErrUnknownType, tag)
	}
}
