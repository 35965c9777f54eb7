// Package event provides a typed listener registry.
package event

import "sync"

// Emitter delivers values of type T to registered listeners in the order
// they were registered. The zero value is ready to use.
type Emitter[T any] struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// On registers fn and returns a func that removes it. Calling the returned
// func more than once is a no-op.
func (e *Emitter[T]) On(fn func(T)) (off func()) {
	if fn == nil {
		return func() {}
	}

	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == id {
			// Preserve order for the remaining listeners.
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener with v. Listeners run on the caller's goroutine
// without the registry lock held, so they may register or remove listeners.
func (e *Emitter[T]) Emit(v T) {
	e.mu.RLock()
	ls := make([]listener[T], len(e.listeners))
	copy(ls, e.listeners)
	e.mu.RUnlock()

	for _, l := range ls {
		l.fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners)
}

// Clear removes every listener.
func (e *Emitter[T]) Clear() {
	e.mu.Lock()
	e.listeners = nil
	e.mu.Unlock()
}
