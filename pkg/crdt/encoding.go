package crdt

import (
	"fmt"

	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

const (
	flagDeleted = 1 << 0
)

// encodeOps writes an update.
//
// Format: [Count: varuint] then per op
//
//	[Client: varuint][Clock: varuint][Lamport: varuint][Key: varstring]
//	[Flags: varuint][Value: varbytes]
func encodeOps(ops []*op) []byte {
	e := protocol.NewEncoder()
	e.WriteVarUint(uint64(len(ops)))
	for _, o := range ops {
		e.WriteVarUint(o.client)
		e.WriteVarUint(o.clock)
		e.WriteVarUint(o.lamport)
		e.WriteVarString(o.key)
		var flags uint64
		if o.deleted {
			flags |= flagDeleted
		}
		e.WriteVarUint(flags)
		e.WriteVarUint8Array(o.value)
	}
	return e.Bytes()
}

func decodeOps(update []byte) ([]*op, error) {
	d := protocol.NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: %d operations in %d bytes", ErrMalformedUpdate, n, d.Remaining())
	}

	ops := make([]*op, 0, n)
	for i := uint64(0); i < n; i++ {
		o, err := decodeOp(d)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func decodeOp(d *protocol.Decoder) (*op, error) {
	var o op
	var err error
	if o.client, err = d.ReadVarUint(); err != nil {
		return nil, err
	}
	if o.clock, err = d.ReadVarUint(); err != nil {
		return nil, err
	}
	if o.lamport, err = d.ReadVarUint(); err != nil {
		return nil, err
	}
	if o.key, err = d.ReadVarString(); err != nil {
		return nil, err
	}
	flags, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	o.deleted = flags&flagDeleted != 0
	if o.value, err = d.ReadVarUint8Array(); err != nil {
		return nil, err
	}
	if len(o.value) == 0 {
		o.value = nil
	}
	return &o, nil
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	out := make(map[uint64]uint64)
	if len(sv) == 0 {
		return out, nil
	}
	d := protocol.NewDecoder(sv)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: state vector count %d", ErrMalformedUpdate, n)
	}
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrMalformedUpdate, err)
		}
		out[client] = clock
	}
	return out, nil
}
