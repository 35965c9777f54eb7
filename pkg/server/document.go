package server

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/jjgmckenzie/hocuspocus/internal/event"
	"github.com/jjgmckenzie/hocuspocus/pkg/awareness"
	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

func randomClientID() uint64 {
	return uint64(rand.Uint32())
}

// DocumentUpdate is delivered to Document.OnUpdate listeners. Origin is the
// connection the update arrived on, or nil for server-side changes.
type DocumentUpdate struct {
	Document *Document
	Update   []byte
	Origin   *Connection
}

// Document is one named document held in memory: its replicated state,
// its awareness registry, and the connections attached to it.
type Document struct {
	name      string
	doc       protocol.Doc
	awareness *awareness.Awareness
	logger    *slog.Logger

	mu sync.RWMutex
	// conns maps each attached connection to the awareness clients it
	// introduced, so they can be dropped when it leaves.
	conns map[*Connection]map[uint64]struct{}

	updates event.Emitter[DocumentUpdate]

	offDoc       func()
	offAwareness func()
	destroyOnce  sync.Once
}

func newDocument(name string, doc protocol.Doc, logger *slog.Logger) *Document {
	d := &Document{
		name:      name,
		doc:       doc,
		awareness: awareness.New(randomClientID()),
		logger:    logger.With("document", name),
		conns:     make(map[*Connection]map[uint64]struct{}),
	}
	// The server has no presence of its own.
	d.awareness.SetLocalState(nil)

	d.offDoc = doc.OnUpdate(d.handleUpdate)
	d.offAwareness = d.awareness.OnUpdate(d.handleAwarenessUpdate)
	return d
}

// Name returns the document name.
func (d *Document) Name() string {
	return d.name
}

// Doc returns the replicated document state.
func (d *Document) Doc() protocol.Doc {
	return d.doc
}

// Awareness returns the document's awareness registry.
func (d *Document) Awareness() *awareness.Awareness {
	return d.awareness
}

// ConnectionCount returns the number of attached connections.
func (d *Document) ConnectionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.conns)
}

// Connections returns a snapshot of the attached connections.
func (d *Document) Connections() []*Connection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Connection, 0, len(d.conns))
	for c := range d.conns {
		out = append(out, c)
	}
	return out
}

// OnUpdate registers fn to run after every change to the document content.
func (d *Document) OnUpdate(fn func(DocumentUpdate)) (off func()) {
	return d.updates.On(fn)
}

// Broadcast sends msg to every attached connection except exclude.
// Send failures are logged and otherwise ignored.
func (d *Document) Broadcast(msg []byte, exclude *Connection) {
	for _, c := range d.Connections() {
		if c == exclude {
			continue
		}
		if err := c.Send(msg); err != nil {
			d.logger.Debug("broadcast skipped connection", "socket_id", c.SocketID(), "error", err)
		}
	}
}

// ApplyUpdate applies an update that did not come from a client, such as
// one produced by server-side code. It is broadcast to every connection.
func (d *Document) ApplyUpdate(update []byte) error {
	return d.doc.ApplyUpdate(update, nil)
}

// Merge folds previously stored state into the document. Merging is
// idempotent and never discards content the document already has.
func (d *Document) Merge(state []byte) error {
	if len(state) == 0 {
		return nil
	}
	return d.doc.ApplyUpdate(state, nil)
}

// State encodes the complete document.
func (d *Document) State() ([]byte, error) {
	return d.doc.EncodeStateAsUpdate(nil)
}

func (d *Document) handleUpdate(update []byte, origin any) {
	conn, _ := origin.(*Connection)

	msg, err := protocol.UpdateMessage(d.name, update)
	if err != nil {
		d.logger.Error("build update message", "error", err)
		return
	}
	d.Broadcast(msg, conn)
	d.updates.Emit(DocumentUpdate{Document: d, Update: update, Origin: conn})
}

func (d *Document) handleAwarenessUpdate(ev awareness.Event) {
	if conn, ok := ev.Origin.(*Connection); ok {
		d.mu.Lock()
		if clients, attached := d.conns[conn]; attached {
			for _, id := range ev.Added {
				clients[id] = struct{}{}
			}
			for _, id := range ev.Updated {
				clients[id] = struct{}{}
			}
			for _, id := range ev.Removed {
				delete(clients, id)
			}
		}
		d.mu.Unlock()
	}

	update, err := d.awareness.EncodeUpdate(ev.Clients())
	if err != nil {
		d.logger.Error("encode awareness update", "error", err)
		return
	}
	msg, err := protocol.AwarenessMessage(d.name, update)
	if err != nil {
		d.logger.Error("build awareness message", "error", err)
		return
	}
	d.Broadcast(msg, nil)
}

func (d *Document) addConnection(c *Connection) {
	d.mu.Lock()
	d.conns[c] = make(map[uint64]struct{})
	d.mu.Unlock()
}

// removeConnection detaches c and drops the awareness states it introduced.
func (d *Document) removeConnection(c *Connection) {
	d.mu.Lock()
	clients, ok := d.conns[c]
	delete(d.conns, c)
	d.mu.Unlock()
	if !ok || len(clients) == 0 {
		return
	}

	ids := make([]uint64, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	d.awareness.RemoveStates(ids, c)
}

func (d *Document) hasConnection(c *Connection) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.conns[c]
	return ok
}

// destroy stops the awareness sweep and detaches all listeners.
func (d *Document) destroy() {
	d.destroyOnce.Do(func() {
		d.offDoc()
		d.offAwareness()
		d.awareness.Destroy()
		d.updates.Clear()
	})
}
