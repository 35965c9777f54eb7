// Package crdt is a small replicated key/value document that satisfies
// protocol.Doc.
//
// Every write is an operation identified by (client, clock), where clock
// counts the writes of one client from zero. Operations also carry a
// Lamport timestamp; for each key the operation with the highest
// (lamport, client) pair wins. Operations are applied in clock order per
// client, so the state vector is simply the next expected clock for every
// client seen. Operations that arrive ahead of a gap are held until the
// gap fills.
//
// Conflict resolution is last writer wins per key. Applications that need
// sequence or text semantics plug their own engine into the server through
// protocol.Doc.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sugawarayuuta/sonnet"

	"github.com/jjgmckenzie/hocuspocus/internal/event"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// ErrMalformedUpdate is returned when an update or state vector cannot be decoded.
var ErrMalformedUpdate = errors.New("crdt: malformed update")

type op struct {
	client  uint64
	clock   uint64
	lamport uint64
	key     string
	deleted bool
	value   []byte // JSON
}

func (o *op) wins(other *op) bool {
	if o.lamport != other.lamport {
		return o.lamport > other.lamport
	}
	return o.client > other.client
}

// UpdateEvent is delivered to OnUpdate observers.
type UpdateEvent struct {
	Update []byte
	Origin any
}

// Doc is a replicated map of string keys to JSON values.
type Doc struct {
	mu       sync.Mutex
	clientID uint64
	lamport  uint64
	log      map[uint64][]*op          // client -> ops indexed by clock
	pending  map[uint64]map[uint64]*op // client -> clock -> op
	winners  map[string]*op

	updates event.Emitter[UpdateEvent]
}

// New creates an empty document that writes as clientID.
func New(clientID uint64) *Doc {
	return &Doc{
		clientID: clientID,
		log:      make(map[uint64][]*op),
		pending:  make(map[uint64]map[uint64]*op),
		winners:  make(map[string]*op),
	}
}

// ClientID returns the id local writes are attributed to.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Set writes key. value is marshalled to JSON.
func (d *Doc) Set(key string, value any) error {
	raw, err := sonnet.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: marshal %q: %w", key, err)
	}
	d.local(key, raw, false)
	return nil
}

// Delete removes key. Deleting a missing key still produces an operation
// so that concurrent writes are ordered against it.
func (d *Doc) Delete(key string) {
	d.local(key, nil, true)
}

func (d *Doc) local(key string, value []byte, deleted bool) {
	d.mu.Lock()
	d.lamport++
	o := &op{
		client:  d.clientID,
		clock:   uint64(len(d.log[d.clientID])),
		lamport: d.lamport,
		key:     key,
		deleted: deleted,
		value:   value,
	}
	d.integrate(o)
	update := encodeOps([]*op{o})
	d.mu.Unlock()

	d.updates.Emit(UpdateEvent{Update: update, Origin: nil})
}

// Get returns the JSON value stored under key.
func (d *Doc) Get(key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	o, ok := d.winners[key]
	if !ok || o.deleted {
		return nil, false
	}
	return o.value, true
}

// GetInto unmarshals the value stored under key into v.
func (d *Doc) GetInto(key string, v any) (bool, error) {
	raw, ok := d.Get(key)
	if !ok {
		return false, nil
	}
	if err := sonnet.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("crdt: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Keys returns the live keys in sorted order.
func (d *Doc) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.winners))
	for k, o := range d.winners {
		if !o.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (d *Doc) Len() int {
	return len(d.Keys())
}

// OnUpdate implements protocol.Doc.
func (d *Doc) OnUpdate(fn func(update []byte, origin any)) (off func()) {
	return d.updates.On(func(e UpdateEvent) { fn(e.Update, e.Origin) })
}

// EncodeStateVector implements protocol.Doc.
//
// Format: [Count: varuint] then per client [Client: varuint][Clock: varuint],
// sorted by client.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	clients := d.sortedClients()
	e := protocol.NewEncoderWithCap(1 + len(clients)*4)
	e.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		e.WriteVarUint(c)
		e.WriteVarUint(uint64(len(d.log[c])))
	}
	return e.Bytes()
}

// EncodeStateAsUpdate implements protocol.Doc.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []*op
	for _, c := range d.sortedClients() {
		from := sv[c]
		log := d.log[c]
		if from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
	}
	return encodeOps(ops), nil
}

// ApplyUpdate implements protocol.Doc. Observers are notified with the
// operations that were newly integrated, if any.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var applied []*op
	for _, o := range ops {
		next := uint64(len(d.log[o.client]))
		switch {
		case o.clock < next:
			continue
		case o.clock > next:
			if d.pending[o.client] == nil {
				d.pending[o.client] = make(map[uint64]*op)
			}
			d.pending[o.client][o.clock] = o
			continue
		}
		d.integrate(o)
		applied = append(applied, o)
		applied = append(applied, d.drainPending(o.client)...)
	}
	var out []byte
	if len(applied) > 0 {
		out = encodeOps(applied)
	}
	d.mu.Unlock()

	if out != nil {
		d.updates.Emit(UpdateEvent{Update: out, Origin: origin})
	}
	return nil
}

// integrate appends o to its client's log. Caller holds d.mu and has
// checked that o.clock is the next expected clock.
func (d *Doc) integrate(o *op) {
	d.log[o.client] = append(d.log[o.client], o)
	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	if cur, ok := d.winners[o.key]; !ok || o.wins(cur) {
		d.winners[o.key] = o
	}
}

func (d *Doc) drainPending(client uint64) []*op {
	var out []*op
	p := d.pending[client]
	for len(p) > 0 {
		next := uint64(len(d.log[client]))
		o, ok := p[next]
		if !ok {
			break
		}
		delete(p, next)
		d.integrate(o)
		out = append(out, o)
	}
	if len(p) == 0 {
		delete(d.pending, client)
	}
	return out
}

func (d *Doc) sortedClients() []uint64 {
	clients := make([]uint64, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	return clients
}

var _ protocol.Doc = (*Doc)(nil)
