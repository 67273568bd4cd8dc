// Package worker implements the bounded-concurrency consumer that drains
// the pending queue: claim, dispatch to a type-registered handler, enforce
// a per-job wall-clock timeout and guarantee exactly one terminal status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/communiday/eventcore-go/internal/queue"
)

// ErrNoHandler indicates a claimed job's type has no registered handler.
// The job is failed, not retried: an unknown type never becomes known by
// waiting.
var ErrNoHandler = errors.New("no handler registered for job type")

// Handler is the type-specific business logic invoked for a claimed job.
// Handlers report progress through the Reporter, their only mutation
// capability on the job record.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job, rep *Reporter) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *queue.Job, rep *Reporter) error

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job, rep *Reporter) error {
	return f(ctx, job, rep)
}

// Registry maps job types to handlers. Registration happens once at process
// start; lookups afterwards are read-only, so no locking.
type Registry struct {
	handlers map[queue.JobType]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[queue.JobType]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType queue.JobType, h Handler) {
	r.handlers[jobType] = h
}

// Lookup returns the handler for a job type or ErrNoHandler.
func (r *Registry) Lookup(jobType queue.JobType) (Handler, error) {
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoHandler, jobType)
	}
	return h, nil
}

// Reporter is the status-update capability handed to handlers. It can move
// progress and step detail but cannot write terminal statuses; those belong
// to the loop.
type Reporter struct {
	queue *queue.Queue
	jobID string
}

// NewReporter creates a reporter bound to one job record.
func NewReporter(q *queue.Queue, jobID string) *Reporter {
	return &Reporter{queue: q, jobID: jobID}
}

// Progress reports overall progress (0-100) with an optional step label.
func (r *Reporter) Progress(ctx context.Context, progress int, step string) error {
	upd := queue.Update{Progress: &progress}
	if step != "" {
		upd.Step = &step
	}
	return r.queue.UpdateStatus(ctx, r.jobID, upd)
}

// StepDetail reports step-structured progress: which step out of how many,
// and how far into it.
func (r *Reporter) StepDetail(ctx context.Context, overall int, detail queue.StepDetail) error {
	return r.queue.UpdateStatus(ctx, r.jobID, queue.Update{
		Progress: &overall,
		Step:     &detail.Description,
		Detail:   &detail,
	})
}

// Result attaches a partial result payload without finishing the job.
func (r *Reporter) Result(ctx context.Context, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return r.queue.UpdateStatus(ctx, r.jobID, queue.Update{Result: raw})
}
