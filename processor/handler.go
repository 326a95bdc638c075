// Package processor executes jobs claimed from a queue through registered
// handlers. It enforces the concurrency ceiling, per-job timeouts, and the
// retry policy; the queue owns job state, the processor owns execution.
package processor

import (
	"context"
	"sync"

	"github.com/teranos/flywheel/errors"
	"github.com/teranos/flywheel/queue"
)

// Handler executes jobs of a single type.
//
// Handle must be idempotent: a job interrupted by a crash is re-queued on
// recovery and will run again from the start. Handlers must honour ctx
// cancellation; the processor cancels the context on job cancellation,
// timeout, and forced shutdown.
type Handler interface {
	// Type returns the job type this handler executes.
	Type() queue.JobType

	// Handle runs the job. Return a Result on success; its Data is merged
	// into the job's metadata. Returning an error triggers the retry
	// policy unless the failure is permanent.
	Handle(ctx context.Context, job *queue.Job) (Result, error)
}

// Validator is an optional interface for handlers that can reject a job's
// parameters before execution. A false return fails the job permanently,
// without consuming retries.
type Validator interface {
	Validate(params map[string]any) bool
}

// Result carries handler output back to the job record.
type Result struct {
	Data map[string]any
}

// Registry maps job types to their handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[queue.JobType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[queue.JobType]Handler),
	}
}

// Register adds a handler for its job type. Registering a second handler
// for the same type is an error; Unregister first to replace one.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := h.Type()
	if _, exists := r.handlers[jobType]; exists {
		return errors.Wrapf(errors.ErrDuplicateHandler, "job type %s", jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// Unregister removes the handler for a job type, reporting whether one was
// registered.
func (r *Registry) Unregister(jobType queue.JobType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; !exists {
		return false
	}
	delete(r.handlers, jobType)
	return true
}

// Get returns the handler for a job type, or nil.
func (r *Registry) Get(jobType queue.JobType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has reports whether a handler is registered for a job type.
func (r *Registry) Has(jobType queue.JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns the job types with a registered handler.
func (r *Registry) Types() []queue.JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]queue.JobType, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	return types
}
