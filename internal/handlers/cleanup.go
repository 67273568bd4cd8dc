package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/worker"
)

// Sweeper removes records older than maxAge and reports how many went.
// Both the job queue and the progress bridge satisfy it.
type Sweeper interface {
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// EventPruner deletes stale event records in batches.
type EventPruner interface {
	PruneEventsBefore(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}

// CleanupPayload tunes one retention sweep.
type CleanupPayload struct {
	// BatchSize caps event deletions per sweep. Defaults to 100.
	BatchSize int `json:"batch_size,omitempty"`
	// MaxAgeHours overrides the configured retention window.
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// Cleanup sweeps terminal job records, derived progress contexts and
// long-past event records.
type Cleanup struct {
	jobs     Sweeper
	contexts Sweeper
	events   EventPruner // nil when no database is attached
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewCleanup creates the retention sweep handler. maxAge applies to job
// records, progress contexts and event start times alike.
func NewCleanup(jobs, contexts Sweeper, events EventPruner, maxAge time.Duration, logger *slog.Logger) *Cleanup {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &Cleanup{jobs: jobs, contexts: contexts, events: events, maxAge: maxAge, logger: logger}
}

// cleanupResult summarizes one sweep.
type cleanupResult struct {
	JobsDeleted     int `json:"jobs_deleted"`
	ContextsDeleted int `json:"contexts_deleted"`
	EventsDeleted   int `json:"events_deleted"`
}

func (h *Cleanup) Handle(ctx context.Context, job *queue.Job, rep *worker.Reporter) error {
	var p CleanupPayload
	// Cleanup runs fine with an empty payload.
	if len(job.Payload) > 0 {
		_ = decodePayload(job.Payload, &p)
	}

	maxAge := h.maxAge
	if p.MaxAgeHours > 0 {
		maxAge = time.Duration(p.MaxAgeHours) * time.Hour
	}
	batch := p.BatchSize
	if batch <= 0 {
		batch = 100
	}

	if err := rep.Progress(ctx, 0, "Scanning for expired records"); err != nil {
		return err
	}

	var result cleanupResult
	var err error

	result.JobsDeleted, err = h.jobs.Cleanup(ctx, maxAge)
	if err != nil {
		return err
	}

	if err := rep.Progress(ctx, 50, "Deleting expired records"); err != nil {
		return err
	}

	result.ContextsDeleted, err = h.contexts.Cleanup(ctx, maxAge)
	if err != nil {
		return err
	}

	if h.events != nil {
		result.EventsDeleted, err = h.events.PruneEventsBefore(ctx, nowUTC().Add(-maxAge), batch)
		if err != nil {
			return err
		}
	}

	if err := rep.Progress(ctx, 100, "Reporting results"); err != nil {
		return err
	}
	h.logger.Info("retention sweep complete",
		"job_id", job.ID,
		"jobs_deleted", result.JobsDeleted,
		"contexts_deleted", result.ContextsDeleted,
		"events_deleted", result.EventsDeleted)
	return rep.Result(ctx, result)
}
