// Package awareness tracks ephemeral per-client presence state.
//
// Each client owns one JSON object (or nil when offline) versioned by a
// clock. A state is replaced only by an update carrying a higher clock, or
// by a nil state carrying the same clock. Clients that stop refreshing
// their state are removed after the outdated timeout.
package awareness

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/sugawarayuuta/sonnet"

	"github.com/jjgmckenzie/hocuspocus/internal/event"
)

// DefaultOutdatedTimeout is how long a state lives without a refresh.
const DefaultOutdatedTimeout = 30 * time.Second

// OriginLocal is the origin of changes made through the local setters.
// OriginTimeout is the origin of removals made by the sweep.
const (
	OriginLocal   = "local"
	OriginTimeout = "timeout"
)

// ErrMalformedUpdate is returned when an awareness update cannot be decoded.
var ErrMalformedUpdate = errors.New("awareness: malformed update")

// State is the presence object of one client. A nil State means offline.
type State map[string]any

// Meta is the version information kept for every client ever seen.
type Meta struct {
	Clock       uint64
	LastUpdated time.Time
}

// Change lists the clients affected by one operation.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Clients returns every client in the change.
func (c Change) Clients() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Event is delivered to OnChange and OnUpdate listeners.
type Event struct {
	Change
	Origin any
}

// Option configures an Awareness.
type Option func(*Awareness)

// WithOutdatedTimeout sets how long a state survives without refresh.
func WithOutdatedTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.outdated = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Awareness) {
		if now != nil {
			a.now = now
		}
	}
}

// WithoutSweep disables the background sweep. Callers drive Sweep themselves.
func WithoutSweep() Option {
	return func(a *Awareness) {
		a.manualSweep = true
	}
}

// Awareness is the presence registry for one document replica.
type Awareness struct {
	clientID    uint64
	outdated    time.Duration
	now         func() time.Time
	manualSweep bool

	mu     sync.Mutex
	states map[uint64]State
	meta   map[uint64]Meta

	change event.Emitter[Event]
	update event.Emitter[Event]

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a registry for clientID. The local state starts as an empty
// object at clock 0.
func New(clientID uint64, opts ...Option) *Awareness {
	a := &Awareness{
		clientID: clientID,
		outdated: DefaultOutdatedTimeout,
		now:      time.Now,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]Meta),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.states[clientID] = State{}
	a.meta[clientID] = Meta{Clock: 0, LastUpdated: a.now()}

	if !a.manualSweep {
		a.wg.Add(1)
		go a.sweepLoop()
	}
	return a
}

// ClientID returns the local client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OutdatedTimeout returns the configured state lifetime.
func (a *Awareness) OutdatedTimeout() time.Duration {
	return a.outdated
}

// OnChange registers fn for additions, removals and updates that changed a
// state's content.
func (a *Awareness) OnChange(fn func(Event)) (off func()) {
	return a.change.On(fn)
}

// OnUpdate registers fn for every accepted update, including refreshes
// that left the content unchanged.
func (a *Awareness) OnUpdate(fn func(Event)) (off func()) {
	return a.update.On(fn)
}

// LocalState returns the local client's state, or nil if offline.
func (a *Awareness) LocalState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID]
}

// States returns a snapshot of every known non-nil state.
func (a *Awareness) States() map[uint64]State {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[uint64]State, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// Clients returns the ids with a non-nil state, sorted.
func (a *Awareness) Clients() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Meta returns the version information for clientID.
func (a *Awareness) Meta(clientID uint64) (Meta, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.meta[clientID]
	return m, ok
}

// SetLocalState replaces the local state and bumps the local clock.
// A nil state marks the local client offline.
func (a *Awareness) SetLocalState(state State) {
	a.mu.Lock()
	ev, changed := a.setLocalStateLocked(state)
	a.mu.Unlock()

	a.emit(ev, changed)
}

// emit delivers ev to update listeners and, filtered down to changed
// content, to change listeners.
func (a *Awareness) emit(ev Event, changed []uint64) {
	filtered := Event{
		Change: Change{Added: ev.Added, Updated: changed, Removed: ev.Removed},
		Origin: ev.Origin,
	}
	if !filtered.empty() {
		a.change.Emit(filtered)
	}
	if !ev.empty() {
		a.update.Emit(ev)
	}
}

// setLocalStateLocked returns the event to emit and the updated clients
// whose content changed.
func (a *Awareness) setLocalStateLocked(state State) (Event, []uint64) {
	id := a.clientID
	var clock uint64
	if m, ok := a.meta[id]; ok {
		clock = m.Clock + 1
	}
	prev := a.states[id]
	if state == nil {
		delete(a.states, id)
	} else {
		a.states[id] = state
	}
	a.meta[id] = Meta{Clock: clock, LastUpdated: a.now()}

	ev := Event{Origin: OriginLocal}
	switch {
	case state == nil:
		ev.Removed = []uint64{id}
	case prev == nil:
		ev.Added = []uint64{id}
	default:
		ev.Updated = []uint64{id}
		if !reflect.DeepEqual(prev, state) {
			return ev, ev.Updated
		}
	}
	return ev, nil
}

// SetLocalStateField sets one top-level field of the local state. It is a
// no-op while the local client is offline.
func (a *Awareness) SetLocalStateField(field string, value any) {
	a.mu.Lock()
	cur := a.states[a.clientID]
	if cur == nil {
		a.mu.Unlock()
		return
	}
	next := make(State, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[field] = value
	ev, changed := a.setLocalStateLocked(next)
	a.mu.Unlock()

	a.emit(ev, changed)
}

// MergeLocalState applies an RFC 7386 JSON merge patch to the local state.
// A nil local state is patched as an empty object.
func (a *Awareness) MergeLocalState(patch []byte) error {
	a.mu.Lock()
	cur := a.states[a.clientID]
	if cur == nil {
		cur = State{}
	}
	orig, err := sonnet.Marshal(cur)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("awareness: marshal local state: %w", err)
	}
	merged, err := jsonpatch.MergePatch(orig, patch)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("awareness: merge patch: %w", err)
	}
	var next State
	if err := sonnet.Unmarshal(merged, &next); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("awareness: unmarshal merged state: %w", err)
	}
	if next == nil {
		next = State{}
	}
	ev, changed := a.setLocalStateLocked(next)
	a.mu.Unlock()

	a.emit(ev, changed)
	return nil
}

// RemoveStates drops the given clients. Removing the local client bumps
// its clock so peers accept the removal.
func (a *Awareness) RemoveStates(clients []uint64, origin any) {
	a.mu.Lock()
	var removed []uint64
	for _, id := range clients {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			a.meta[id] = Meta{Clock: m.Clock + 1, LastUpdated: a.now()}
		}
		removed = append(removed, id)
	}
	a.mu.Unlock()

	if len(removed) > 0 {
		a.emit(Event{Change: Change{Removed: removed}, Origin: origin}, nil)
	}
}

// Sweep renews the local state when half the outdated timeout has passed
// and removes other clients whose state has outlived it.
func (a *Awareness) Sweep() {
	now := a.now()

	a.mu.Lock()
	local := a.states[a.clientID]
	var renew bool
	if local != nil {
		renew = a.outdated/2 <= now.Sub(a.meta[a.clientID].LastUpdated)
	}
	var stale []uint64
	for id, m := range a.meta {
		if id == a.clientID {
			continue
		}
		if _, ok := a.states[id]; ok && a.outdated <= now.Sub(m.LastUpdated) {
			stale = append(stale, id)
		}
	}
	a.mu.Unlock()

	if renew {
		a.SetLocalState(local)
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		a.RemoveStates(stale, OriginTimeout)
	}
}

func (a *Awareness) sweepLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.outdated / 10)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Destroy stops the sweep, marks the local client offline and drops all
// listeners.
func (a *Awareness) Destroy() {
	first := false
	a.stopOnce.Do(func() {
		first = true
		close(a.done)
	})
	a.wg.Wait()
	if !first {
		return
	}
	a.SetLocalState(nil)
	a.change.Clear()
	a.update.Clear()
}
