// Package debounce coalesces bursts of calls per key.
package debounce

import (
	"sync"
	"time"
)

// Debouncer delays a function until calls for its key have been quiet for
// Wait. A key that keeps being called still runs once MaxWait has passed
// since the first call of the burst.
type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	stopped bool
}

type pending struct {
	start time.Time
	timer *time.Timer
	fn    func()
}

// New returns a Debouncer. A zero maxWait means no upper bound.
func New(wait, maxWait time.Duration) *Debouncer {
	return &Debouncer{
		wait:    wait,
		maxWait: maxWait,
		now:     time.Now,
		pending: make(map[string]*pending),
	}
}

// Debounce schedules fn for key, replacing any function already pending
// for it. When the burst has lasted MaxWait, fn runs immediately on the
// calling goroutine.
func (d *Debouncer) Debounce(key string, fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	now := d.now()
	start := now
	if old, ok := d.pending[key]; ok {
		old.timer.Stop()
		start = old.start
	}

	if d.wait <= 0 || (d.maxWait > 0 && now.Sub(start) >= d.maxWait) {
		delete(d.pending, key)
		d.mu.Unlock()
		fn()
		return
	}

	p := &pending{start: start, fn: fn}
	p.timer = time.AfterFunc(d.wait, func() { d.fire(key, p) })
	d.pending[key] = p
	d.mu.Unlock()
}

func (d *Debouncer) fire(key string, p *pending) {
	d.mu.Lock()
	if d.pending[key] != p {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.fn()
}

// Pending reports whether a call is scheduled for key.
func (d *Debouncer) Pending(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Flush runs the pending function for key now, on the calling goroutine.
// It reports whether anything was pending.
func (d *Debouncer) Flush(key string) bool {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()

	if ok {
		p.fn()
	}
	return ok
}

// Cancel drops the pending function for key without running it.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
}

// Stop runs every pending function, then refuses new ones.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	fns := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		fns = append(fns, p.fn)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
