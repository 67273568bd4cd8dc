package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/communiday/eventcore-go/internal/metrics"
	"github.com/communiday/eventcore-go/internal/queue"
)

// User-facing failure messages. Internal error details go to the log only.
const (
	msgTimedOut    = "processing timed out"
	msgUnsupported = "unsupported job type"
	msgFailed      = "processing failed"
)

// Config tunes the worker loop.
type Config struct {
	// PollInterval is the fixed tick at which the pending list is drained.
	PollInterval time.Duration
	// Concurrency is the ceiling on simultaneously running jobs.
	Concurrency int
	// JobTimeout is the wall-clock budget per job. When it fires the job is
	// force-failed and its concurrency slot freed; the handler's in-flight
	// work is not interrupted, its eventual terminal write is suppressed.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	return c
}

// Loop is the single-process queue consumer.
type Loop struct {
	queue    *queue.Queue
	registry *Registry
	cfg      Config
	metrics  *metrics.Metrics
	logger   *slog.Logger

	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New creates a worker loop. Metrics may be nil.
func New(q *queue.Queue, r *Registry, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:    q,
		registry: r,
		cfg:      cfg.withDefaults(),
		metrics:  m,
		logger:   logger,
	}
}

// InFlight returns the number of jobs currently claimed and not yet released.
func (l *Loop) InFlight() int {
	return int(l.inFlight.Load())
}

// Run polls the pending list until the context is cancelled, then waits for
// in-flight jobs to finish.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("worker loop started",
		"poll_interval", l.cfg.PollInterval,
		"concurrency", l.cfg.Concurrency,
		"job_timeout", l.cfg.JobTimeout)

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			l.logger.Info("worker loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick claims pending jobs until the concurrency ceiling is reached or the
// list is empty. Claiming is non-blocking; a slow handler never delays the
// next tick.
func (l *Loop) tick(ctx context.Context) {
	for l.inFlight.Load() < int64(l.cfg.Concurrency) {
		id, err := l.queue.Claim(ctx)
		if errors.Is(err, queue.ErrJobNotFound) {
			return
		}
		if err != nil {
			l.logger.Error("claim failed", "error", err)
			return
		}

		l.inFlight.Add(1)
		if l.metrics != nil {
			l.metrics.JobsInFlight.Inc()
		}
		l.wg.Add(1)
		go l.run(ctx, id)
	}
}

// run drives one claimed job to a terminal status. Exactly one terminal
// write wins: the queue suppresses any write after the first terminal one,
// so the timeout force-fail and the handler's completion can race safely.
func (l *Loop) run(ctx context.Context, id string) {
	defer l.wg.Done()
	start := time.Now()

	// The concurrency slot is released exactly once, by whichever of the
	// timeout and the handler finishes first.
	release := sync.OnceFunc(func() {
		l.inFlight.Add(-1)
		if l.metrics != nil {
			l.metrics.JobsInFlight.Dec()
		}
	})
	defer release()

	job, err := l.queue.GetStatus(ctx, id)
	if err != nil {
		l.logger.Error("claimed job vanished", "job_id", id, "error", err)
		return
	}

	timer := time.AfterFunc(l.cfg.JobTimeout, func() {
		l.logger.Warn("job timed out", "job_id", id, "type", job.Type, "timeout", l.cfg.JobTimeout)
		l.fail(context.Background(), job, msgTimedOut)
		if l.metrics != nil {
			l.metrics.JobsTimedOut.WithLabelValues(string(job.Type)).Inc()
		}
		release()
	})
	defer timer.Stop()

	status := queue.StatusProcessing
	if err := l.queue.UpdateStatus(ctx, id, queue.Update{Status: &status}); err != nil {
		l.logger.Error("failed to mark job processing", "job_id", id, "error", err)
		return
	}

	handler, err := l.registry.Lookup(job.Type)
	if err != nil {
		l.logger.Error("no handler for job", "job_id", id, "type", job.Type)
		l.fail(ctx, job, msgUnsupported)
		return
	}

	handlerCtx, cancel := context.WithTimeout(ctx, l.cfg.JobTimeout)
	defer cancel()

	err = l.invoke(handlerCtx, handler, job)
	if err != nil {
		l.logger.Error("job failed", "job_id", id, "type", job.Type, "error", err)
		l.fail(ctx, job, msgFailed)
		return
	}

	completed := queue.StatusCompleted
	progress := 100
	if uerr := l.queue.UpdateStatus(ctx, id, queue.Update{Status: &completed, Progress: &progress}); uerr != nil {
		l.logger.Error("failed to mark job completed", "job_id", id, "error", uerr)
		return
	}

	// The completion write loses if the timeout already wrote a terminal
	// failure; only count what actually landed.
	final, ferr := l.queue.GetStatus(ctx, id)
	if ferr != nil || final.Status != queue.StatusCompleted {
		l.logger.Warn("completion suppressed by earlier terminal write", "job_id", id)
		return
	}
	if l.metrics != nil {
		l.metrics.JobsCompleted.WithLabelValues(string(job.Type)).Inc()
		l.metrics.JobLatency.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())
	}
	l.logger.Info("job completed", "job_id", id, "type", job.Type, "duration", time.Since(start))
}

// invoke runs the handler with panic containment. A panicking handler fails
// its job, never the loop.
func (l *Loop) invoke(ctx context.Context, handler Handler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("handler panicked", "job_id", job.ID, "type", job.Type, "panic", r)
			err = errors.New("handler panic")
		}
	}()
	return handler.Handle(ctx, job, NewReporter(l.queue, job.ID))
}

func (l *Loop) fail(ctx context.Context, job *queue.Job, message string) {
	failed := queue.StatusFailed
	if err := l.queue.UpdateStatus(ctx, job.ID, queue.Update{Status: &failed, Error: &message}); err != nil {
		l.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	if l.metrics != nil {
		l.metrics.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	}
}
