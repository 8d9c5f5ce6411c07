// Package observer provides an ordered set of synchronous callbacks.
//
// Listeners run in registration order on the goroutine that calls Notify.
// A listener that panics is recovered and logged; the remaining listeners
// still run. Listeners may add or remove registrations (including their
// own) while a notification is in progress; the change applies from the
// next Notify.
package observer

import (
	"sync"

	"github.com/gwlsn/fleetdesk/internal/logger"
)

// Registry holds listeners for values of type T.
type Registry[T any] struct {
	name string

	mu        sync.Mutex
	nextID    uint64
	listeners []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// NewRegistry creates an empty registry. The name only appears in logs.
func NewRegistry[T any](name string) *Registry[T] {
	return &Registry[T]{name: name}
}

// Add registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (r *Registry[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.listeners {
		if e.id == id {
			// Copy so an in-flight Notify keeps iterating its own snapshot.
			next := make([]entry[T], 0, len(r.listeners)-1)
			next = append(next, r.listeners[:i]...)
			next = append(next, r.listeners[i+1:]...)
			r.listeners = next
			return
		}
	}
}

// Notify calls every listener with v.
func (r *Registry[T]) Notify(v T) {
	r.mu.Lock()
	snapshot := r.listeners
	r.mu.Unlock()

	for _, e := range snapshot {
		r.call(e, v)
	}
}

// Len returns the number of registered listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Registry[T]) call(e entry[T], v T) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Warn("Listener panicked", "registry", r.name, "listener", e.id, "panic", rec)
		}
	}()
	e.fn(v)
}
