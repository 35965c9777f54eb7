package provider

import (
	"errors"
	"sync/atomic"

	"github.com/jjgmckenzie/hocuspocus/pkg/protocol"
)

// echoGuard suppresses bus relays of changes that arrived over the bus.
//
// It is a reentrancy guard, not a lock: Do runs fn only when no other Do
// is in progress and otherwise drops it. Bus messages for one provider are
// applied one at a time on the subscription goroutine inside Do, so the
// change handlers they trigger find the guard taken and skip the relay.
// A local change made concurrently on another goroutine also skips the
// bus relay; it still reaches the other providers through the server.
type echoGuard struct {
	busy atomic.Bool
}

// Do runs fn unless the guard is taken, and reports whether it ran.
func (g *echoGuard) Do(fn func()) bool {
	if !g.busy.CompareAndSwap(false, true) {
		return false
	}
	defer g.busy.Store(false)
	fn()
	return true
}

// handleMessage applies one message from the server.
func (p *Provider) handleMessage(data []byte) {
	in, err := protocol.ReadMessage(data)
	if err != nil {
		p.logger.Warn("message decode error", "error", err)
		return
	}
	if in.DocumentName != p.name {
		return
	}
	p.apply(in, false)
}

// handleBroadcast applies one message from another provider on the bus.
func (p *Provider) handleBroadcast(data []byte) {
	p.guard.Do(func() {
		in, err := protocol.ReadMessage(data)
		if err != nil || in.DocumentName != p.name {
			return
		}
		p.apply(in, true)
	})
}

// announceOnBus asks the other providers on the bus for their state and
// offers ours.
func (p *Provider) announceOnBus() {
	p.guard.Do(func() {
		if msg, err := protocol.SyncStep1Message(p.name, p.doc); err == nil {
			p.publish(msg)
		}
		if msg, err := protocol.SyncStep2Message(p.name, p.doc, nil); err == nil {
			p.publish(msg)
		}
		p.publish(protocol.QueryAwarenessMessage(p.name))
		if update, err := p.awareness.EncodeUpdate([]uint64{p.awareness.ClientID()}); err == nil {
			msg, _ := protocol.AwarenessMessage(p.name, update)
			p.publish(msg)
		}
	})
}

// apply handles a decoded message. Replies go back where the message came
// from. Only messages from the server can mark the provider synced.
func (p *Provider) apply(in *protocol.IncomingMessage, fromBus bool) {
	reply := func(msg []byte) {
		if fromBus {
			p.publish(msg)
		} else {
			p.send(msg, false)
		}
	}

	switch in.Type {
	case protocol.MessageSync:
		out := protocol.NewMessage(p.name, protocol.MessageSync)
		header := out.Len()
		typ, err := protocol.ReadSyncMessage(in.Decoder, out, p.doc, p)
		if err != nil {
			var applyErr *protocol.ApplyError
			if errors.As(err, &applyErr) {
				p.logger.Error("apply update", "type", typ, "error", err)
			} else {
				p.logger.Warn("sync decode error", "error", err)
			}
			return
		}
		if typ == protocol.SyncStep2 && !fromBus {
			p.setSynced(true)
		}
		if typ == protocol.SyncStep2 || typ == protocol.SyncUpdate {
			p.addUnsynced(-1)
		}
		if out.Len() > header {
			reply(out.Bytes())
		}

	case protocol.MessageAwareness:
		update, err := in.ReadVarUint8Array()
		if err != nil {
			p.logger.Warn("awareness decode error", "error", err)
			return
		}
		if err := p.awareness.ApplyUpdate(update, p); err != nil {
			p.logger.Warn("awareness apply error", "error", err)
		}

	case protocol.MessageAuth:
		typ, value, err := protocol.ReadAuthMessage(in.Decoder)
		if err != nil {
			p.logger.Warn("auth decode error", "error", err)
			return
		}
		switch typ {
		case protocol.AuthPermissionDenied:
			p.mu.Lock()
			p.authenticated = false
			p.mu.Unlock()
			p.logger.Warn("authentication failed", "reason", value)
			p.authFailedEvents.Emit(value)
		case protocol.AuthAuthenticated:
			p.mu.Lock()
			p.authenticated = true
			p.scope = value
			p.mu.Unlock()
			p.authenticatedEvents.Emit(value)
			p.startSync()
		}

	case protocol.MessageQueryAwareness:
		update, err := p.awareness.EncodeAll()
		if err != nil {
			p.logger.Error("encode awareness", "error", err)
			return
		}
		msg, _ := protocol.AwarenessMessage(p.name, update)
		reply(msg)

	case protocol.MessageStateless:
		payload, err := in.ReadVarString()
		if err != nil {
			p.logger.Warn("stateless decode error", "error", err)
			return
		}
		p.statelessEvents.Emit(payload)

	case protocol.MessageClose:
		p.logger.Debug("server asked to close")
		p.ws.Disconnect()

	default:
		p.logger.Warn("unknown message type", "type", in.Type)
	}
}
