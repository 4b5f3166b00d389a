// Package notify holds the listener bookkeeping shared by the state containers.
package notify

import "sync"

type listener[T any] struct {
	id int
	fn func(T)
}

// Registry is a set of listeners called in registration order. The zero value is ready to use.
type Registry[T any] struct {
	mu        sync.Mutex
	listeners []listener[T]
	nextID    int
}

// Subscribe registers fn and returns a func that unregisters it. Calling the returned func more than once is safe.
func (r *Registry[T]) Subscribe(fn func(T)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners = append(r.listeners, listener[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i, l := range r.listeners {
				if l.id == id {
					r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Notify calls every listener with the value produced by next, one value per listener, on the calling goroutine.
// The registry lock is not held while listeners run, so a listener may subscribe or unsubscribe.
func (r *Registry[T]) Notify(next func() T) {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.listeners))
	for _, l := range r.listeners {
		fns = append(fns, l.fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(next())
	}
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}
