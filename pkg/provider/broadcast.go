package provider

import (
	"slices"
	"sync"
)

// Bus is an in-process publish/subscribe channel that lets providers for
// the same document exchange messages without a server round trip.
// Messages are delivered in publish order, asynchronously, to every
// subscriber of the channel except the publisher.
type Bus struct {
	mu       sync.Mutex
	channels map[string][]*Subscription
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{channels: make(map[string][]*Subscription)}
}

// Subscription is one subscriber's handle on a channel.
type Subscription struct {
	bus     *Bus
	channel string
	fn      func([]byte)

	mu     sync.Mutex
	queue  [][]byte
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// Subscribe registers fn for messages on channel. fn runs on a goroutine
// owned by the subscription, one message at a time.
func (b *Bus) Subscribe(channel string, fn func([]byte)) *Subscription {
	s := &Subscription{
		bus:     b,
		channel: channel,
		fn:      fn,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.channels[channel] = append(b.channels[channel], s)
	b.mu.Unlock()

	go s.run()
	return s
}

// Publish sends a copy of data to every other subscriber of the channel.
func (s *Subscription) Publish(data []byte) {
	s.bus.mu.Lock()
	subs := slices.Clone(s.bus.channels[s.channel])
	s.bus.mu.Unlock()

	for _, other := range subs {
		if other != s {
			other.enqueue(slices.Clone(data))
		}
	}
}

func (s *Subscription) enqueue(data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, data)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			data := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.fn(data)
		}
	}
}

// Close unsubscribes. Messages not yet delivered are dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	close(s.done)

	s.bus.mu.Lock()
	subs := s.bus.channels[s.channel]
	if i := slices.Index(subs, s); i >= 0 {
		subs = slices.Delete(subs, i, i+1)
	}
	if len(subs) == 0 {
		delete(s.bus.channels, s.channel)
	} else {
		s.bus.channels[s.channel] = subs
	}
	s.bus.mu.Unlock()
}
