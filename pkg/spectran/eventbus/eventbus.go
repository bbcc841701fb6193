// Package eventbus is a small observer registry keyed by opaque handler ids.
package eventbus

import "sync"

// HandlerID identifies a bound callback. Ids are unique for the lifetime of the Bus.
type HandlerID uint64

type handler[T any] struct {
	id HandlerID
	fn func(T)
}

// Bus dispatches values of type T to bound callbacks.
//
// Emit runs every callback synchronously on the goroutine that calls Emit, in
// the order the callbacks were bound. For the streaming client that goroutine
// is the stream worker, so callbacks must return promptly.
type Bus[T any] struct {
	mu       sync.Mutex
	nextID   HandlerID
	handlers []handler[T]
}

func New[T any]() *Bus[T] {
	return &Bus[T]{}
}

// Bind registers fn and returns its id.
func (b *Bus[T]) Bind(fn func(T)) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers = append(b.handlers, handler[T]{id: b.nextID, fn: fn})
	return b.nextID
}

// Unbind removes the callback registered under id. Unknown ids are ignored.
func (b *Bus[T]) Unbind(id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, h := range b.handlers {
		if h.id == id {
			handlers := make([]handler[T], 0, len(b.handlers)-1)
			handlers = append(handlers, b.handlers[:i]...)
			b.handlers = append(handlers, b.handlers[i+1:]...)
			return
		}
	}
}

// Emit calls every currently bound callback with v.
func (b *Bus[T]) Emit(v T) {
	b.mu.Lock()
	// handlers is never mutated in place, so the snapshot stays valid while
	// callbacks bind or unbind.
	snapshot := b.handlers
	b.mu.Unlock()

	for _, h := range snapshot {
		if !b.bound(h.id) {
			continue
		}
		h.fn(v)
	}
}

func (b *Bus[T]) bound(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}

// Clear unbinds everything.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}
