package emitter

import (
	"sync"
	"time"
)

// Operation is an in-flight trace or group
type Operation struct {
	Name  string
	Start time.Time
}

// Registry tracks open traces and groups so their end can compute a duration.
// Entries that are never ended stay until the process exits.
type Registry struct {
	mu  sync.Mutex
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

// Put records an operation under id, replacing any previous entry
func (r *Registry) Put(id string, op Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[id] = op
}

// Take removes and returns the operation for id. Only one caller can take a
// given id, which is what makes a repeated end a no-op.
func (r *Registry) Take(id string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
	}
	return op, ok
}

// Get returns the operation for id without removing it
func (r *Registry) Get(id string) (Operation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	return op, ok
}

// Len returns the number of open operations
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
