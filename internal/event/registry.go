package event

import (
	"context"
	"sync"
)

// Registry buffers events raised during a single unit of work. It is created
// at Begin and torn down at Commit/Rollback; it must not be shared across
// concurrently executing units of work.
type Registry struct {
	mu     sync.Mutex
	events []Event
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends an event to the buffer.
func (r *Registry) Register(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Drain returns all buffered events and clears the buffer. A second call
// without intervening Register returns nil.
func (r *Registry) Drain() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := r.events
	r.events = nil
	return drained
}

type ctxKey struct{}

// Into returns a context carrying the registry.
func Into(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, ctxKey{}, r)
}

// FromContext extracts the registry bound to the current unit of work.
func FromContext(ctx context.Context) (*Registry, bool) {
	r, ok := ctx.Value(ctxKey{}).(*Registry)
	return r, ok
}

// Raise registers an event with the unit of work active on ctx. It is a no-op
// when no unit of work is active, so aggregates stay usable in isolation.
func Raise(ctx context.Context, e Event) {
	if r, ok := FromContext(ctx); ok {
		r.Register(e)
	}
}
