// Package observable holds the latest vehicle status and connection state of a session and notifies
// subscribers when they change.
//
// Subscribers get read-only access: values are written only by the owning session, through a
// Publisher.
package observable

import "sync"

// SubscriptionID identifies a callback registered with Field.Subscribe.
type SubscriptionID uint64

type subscriber[T any] struct {
	id SubscriptionID
	fn func(T)
}

// Field holds the last known value of one slice of state.
type Field[T any] struct {
	lock        sync.Mutex
	value       T
	nextID      SubscriptionID
	subscribers []subscriber[T]
}

// Value returns the current value of f.
func (f *Field[T]) Value() T {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.value
}

// Subscribe registers fn to be called with each new value published with notification. Callbacks
// run in subscription order on the publishing goroutine.
func (f *Field[T]) Subscribe(fn func(T)) SubscriptionID {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.nextID++
	f.subscribers = append(f.subscribers, subscriber[T]{id: f.nextID, fn: fn})
	return f.nextID
}

// Unsubscribe removes a callback. It returns false if id was not subscribed.
func (f *Field[T]) Unsubscribe(id SubscriptionID) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	for i, s := range f.subscribers {
		if s.id == id {
			f.subscribers = append(f.subscribers[:i:i], f.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func (f *Field[T]) set(value T, notify bool) {
	f.lock.Lock()
	f.value = value
	var subscribers []subscriber[T]
	if notify {
		subscribers = append(subscribers, f.subscribers...)
	}
	f.lock.Unlock()

	// Callbacks run without the lock so they may read or subscribe to f.
	for _, s := range subscribers {
		s.fn(value)
	}
}
