// Package events provides a small generic publish/subscribe primitive used
// to wire together the engine's components the way the source intermixes
// observer patterns between partitions, storage, and consumers: every
// component owns its subscribers, unsubscribes on close, and no cycles are
// formed between emitters.
package events

import "sync"

// Handler receives one emitted value of type T.
type Handler[T any] func(T)

// Emitter is a typed, synchronous publish/subscribe point. Subscribers are
// invoked in registration order, on the goroutine that calls Emit. Emit
// does not recover from a panicking handler; a misbehaving handler is a
// programmer error in the subscriber, not something Emitter papers over.
type Emitter[T any] struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]Handler[T]
}

// NewEmitter creates an Emitter ready to accept subscribers.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subscribers: make(map[uint64]Handler[T])}
}

// Subscribe registers handler and returns a token that Unsubscribe accepts
// to remove it again.
func (e *Emitter[T]) Subscribe(handler Handler[T]) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.subscribers[id] = handler
	return id
}

// Unsubscribe removes the handler registered under token. It is a no-op if
// the token is unknown or was already unsubscribed.
func (e *Emitter[T]) Unsubscribe(token uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subscribers, token)
}

// Len reports how many subscribers are currently registered. Consumer
// dispatch uses this on its error emitter to stop when an error has no
// subscriber to handle it.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.subscribers)
}

// Emit calls every currently registered subscriber with value, in
// registration order. Subscribers added or removed from within a handler
// take effect on the next Emit, not the one in progress.
func (e *Emitter[T]) Emit(value T) {
	e.mu.Lock()
	handlers := make([]Handler[T], 0, len(e.subscribers))
	for i := uint64(0); i < e.nextID; i++ {
		if h, ok := e.subscribers[i]; ok {
			handlers = append(handlers, h)
		}
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(value)
	}
}

// Close removes every subscriber, leaving the Emitter usable but empty.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[uint64]Handler[T])
}
