// Package events provides the typed pub/sub primitive the bridge components use
// to talk to each other. Each component owns one Emitter per event kind instead
// of a string-keyed emitter, so a listener can never subscribe to a misspelled
// event name or receive a value of the wrong type.
package events

import (
	"sync"
)

// Emitter fans a value of type T out to registered listeners.
// Listeners are either callbacks (invoked synchronously on Emit) or channels
// (sent to without blocking; a full channel drops the value).
type Emitter[T any] struct {
	mu         sync.Mutex
	callbacks  map[uint64]func(T)
	channels   map[uint64]chan<- T
	nextID     uint64
	replayLast bool
	last       T
	emitted    bool
}

// NewEmitter creates an Emitter. If replayLast is set, a listener registered
// after at least one Emit immediately receives the most recent value.
func NewEmitter[T any](replayLast bool) *Emitter[T] {
	return &Emitter[T]{
		callbacks:  make(map[uint64]func(T)),
		channels:   make(map[uint64]chan<- T),
		replayLast: replayLast,
	}
}

// Subscribe registers a callback and returns its deregistration func.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		panic("events: callback cannot be nil")
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.callbacks[id] = fn
	replay, last := e.replayLast && e.emitted, e.last
	e.mu.Unlock()

	// Replay happens outside the lock so the callback may re-enter the emitter.
	if replay {
		fn(last)
	}
	return func() {
		e.mu.Lock()
		delete(e.callbacks, id)
		e.mu.Unlock()
	}
}

// SubscribeChan registers a channel and returns its deregistration func.
// Sends never block: a listener that cannot keep up misses values.
func (e *Emitter[T]) SubscribeChan(ch chan<- T) func() {
	if ch == nil {
		panic("events: channel cannot be nil")
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.channels[id] = ch
	replay, last := e.replayLast && e.emitted, e.last
	e.mu.Unlock()

	if replay {
		select {
		case ch <- last:
		default:
		}
	}
	return func() {
		e.mu.Lock()
		delete(e.channels, id)
		e.mu.Unlock()
	}
}

// Emit delivers value to every registered listener.
func (e *Emitter[T]) Emit(value T) {
	e.mu.Lock()
	if e.replayLast {
		e.last = value
		e.emitted = true
	}
	cbs := make([]func(T), 0, len(e.callbacks))
	for _, fn := range e.callbacks {
		cbs = append(cbs, fn)
	}
	chs := make([]chan<- T, 0, len(e.channels))
	for _, ch := range e.channels {
		chs = append(chs, ch)
	}
	e.mu.Unlock()

	// Deliver outside the lock so listeners may call back into the emitter.
	for _, fn := range cbs {
		fn(value)
	}
	for _, ch := range chs {
		select {
		case ch <- value:
		default:
		}
	}
}

// ListenerCount returns the number of registered listeners of both kinds.
func (e *Emitter[T]) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.callbacks) + len(e.channels)
}
