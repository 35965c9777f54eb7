package awareness

import (
	"fmt"
	"reflect"

	"github.com/sugawarayuuta/sonnet"

	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

type entry struct {
	clientID uint64
	clock    uint64
	state    State
}

// EncodeUpdate encodes the current state of the given clients. Clients that
// were never seen are skipped; clients without a state are encoded as null.
//
// Format: [Count: varuint] then per client
//
//	[ClientID: varuint][Clock: varuint][State: varstring JSON or "null"]
func (a *Awareness) EncodeUpdate(clients []uint64) ([]byte, error) {
	a.mu.Lock()
	entries := make([]entry, 0, len(clients))
	for _, id := range clients {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		entries = append(entries, entry{clientID: id, clock: m.Clock, state: a.states[id]})
	}
	a.mu.Unlock()

	e := protocol.NewEncoder()
	e.WriteVarUint(uint64(len(entries)))
	for _, en := range entries {
		raw, err := sonnet.Marshal(en.state)
		if err != nil {
			return nil, fmt.Errorf("awareness: marshal state of %d: %w", en.clientID, err)
		}
		e.WriteVarUint(en.clientID)
		e.WriteVarUint(en.clock)
		e.WriteVarString(string(raw))
	}
	return e.Bytes(), nil
}

// EncodeAll encodes every client that currently has a state.
func (a *Awareness) EncodeAll() ([]byte, error) {
	return a.EncodeUpdate(a.Clients())
}

func decodeUpdate(update []byte) ([]entry, error) {
	d := protocol.NewDecoder(update)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if n > protocol.MaxCollectionCount || n > uint64(d.Remaining()) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformedUpdate, n, d.Remaining())
	}

	entries := make([]entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var en entry
		if en.clientID, err = d.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if en.clock, err = d.ReadVarUint(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		raw, err := d.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
		}
		if err := sonnet.Unmarshal([]byte(raw), &en.state); err != nil {
			return nil, fmt.Errorf("%w: entry %d state: %v", ErrMalformedUpdate, i, err)
		}
		entries = append(entries, en)
	}
	return entries, nil
}

// ApplyUpdate merges a remote update. The whole update is decoded before
// any entry is applied, so a malformed update changes nothing.
//
// An entry is accepted when its clock is ahead of the known clock, or when
// it carries a nil state at the known clock for a client still present.
// A remote attempt to mark the local client offline is refused: the local
// clock moves one past the remote clock and the local client is reported
// as updated, so listeners rebroadcast it.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	now := a.now()
	var ev Event
	var changed []uint64
	ev.Origin = origin

	a.mu.Lock()
	for _, en := range entries {
		m, known := a.meta[en.clientID]
		prev, present := a.states[en.clientID]
		if !(m.Clock < en.clock || (m.Clock == en.clock && en.state == nil && present)) {
			continue
		}

		clock := en.clock
		self := en.clientID == a.clientID
		if en.state == nil && self && a.states[a.clientID] != nil {
			clock++
			a.meta[en.clientID] = Meta{Clock: clock, LastUpdated: now}
			ev.Updated = append(ev.Updated, en.clientID)
			continue
		}

		if en.state == nil {
			delete(a.states, en.clientID)
		} else {
			a.states[en.clientID] = en.state
		}
		a.meta[en.clientID] = Meta{Clock: clock, LastUpdated: now}

		switch {
		case !known && en.state != nil:
			ev.Added = append(ev.Added, en.clientID)
		case known && en.state == nil:
			ev.Removed = append(ev.Removed, en.clientID)
		case en.state != nil:
			ev.Updated = append(ev.Updated, en.clientID)
			if !reflect.DeepEqual(prev, en.state) {
				changed = append(changed, en.clientID)
			}
		}
	}
	a.mu.Unlock()

	a.emit(ev, changed)
	return nil
}
