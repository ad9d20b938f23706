// Copyright 2023 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package event provides ordered collections of subscriber callbacks.
package event // import "mellium.im/reactor/event"

// A Handler is a callback subscribed to an event.
type Handler[T any] func(T)

// A Subscription identifies a single handler added to an event and can
// be used to remove it again.
type Subscription struct {
	id uint64
}

type subscriber[T any] struct {
	id uint64
	fn Handler[T]
}

// An Event is an ordered list of handlers fired with a single payload.
// Handlers run in subscription order. The zero value is an empty event
// ready for use.
//
// Events are not safe for concurrent use; they are meant to be owned by
// a single event loop.
type Event[T any] struct {
	nextID      uint64
	subscribers []subscriber[T]
}

// Subscribe appends a handler to the event.
func (e *Event[T]) Subscribe(fn Handler[T]) Subscription {
	e.nextID++
	e.subscribers = append(e.subscribers, subscriber[T]{id: e.nextID, fn: fn})
	return Subscription{id: e.nextID}
}

// Unsubscribe removes a previously subscribed handler. Removing a
// handler that is already gone is a no-op.
func (e *Event[T]) Unsubscribe(s Subscription) {
	for i, sub := range e.subscribers {
		if sub.id == s.id {
			e.subscribers = append(e.subscribers[:i:i], e.subscribers[i+1:]...)
			return
		}
	}
}

// Fire invokes every subscribed handler in order with the given
// payload. The handler list is snapshotted first so that handlers may
// subscribe or unsubscribe during dispatch without affecting the
// current firing.
func (e *Event[T]) Fire(v T) {
	snapshot := e.subscribers
	for _, sub := range snapshot {
		sub.fn(v)
	}
}

// Len returns the number of subscribed handlers.
func (e *Event[T]) Len() int {
	return len(e.subscribers)
}
