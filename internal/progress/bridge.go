package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/communiday/eventcore-go/internal/queue"
	"github.com/communiday/eventcore-go/internal/store"
)

// contextsKey is the hash holding one serialized Context per job id.
const contextsKey = "progress:contexts"

// Step is one entry of a job's step-structured progress.
type Step struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Progress    int        `json:"progress"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Context is the step-aware view of a job's progress, derived from the
// queue's coarse record.
type Context struct {
	JobID       string          `json:"job_id"`
	Type        queue.JobType   `json:"type"`
	TotalSteps  int             `json:"total_steps"`
	CurrentStep int             `json:"current_step"`
	Progress    int             `json:"progress"`
	Status      queue.Status    `json:"status"`
	Steps       []Step          `json:"steps"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
}

// JobWithProgress joins a queue record with its derived context, which may
// be nil when no update has been observed yet.
type JobWithProgress struct {
	Job     queue.Job `json:"job"`
	Context *Context  `json:"context,omitempty"`
}

// Publisher is the realtime sink flattened events are republished to.
type Publisher interface {
	PublishProgress(n queue.Notification)
}

// Bridge subscribes to job update notifications, maintains per-job step
// contexts and republishes flattened events to the realtime transport.
type Bridge struct {
	queue     *queue.Queue
	store     store.Store
	publisher Publisher
	templates *Templates
	logger    *slog.Logger

	// lastSeen deduplicates the double delivery caused by subscribing to
	// both the global channel and the per-job pattern. Touched only by the
	// Run goroutine.
	lastSeen map[string]time.Time
}

// NewBridge creates a progress bridge. The publisher may be nil when no
// realtime transport is attached (tests, CLI-only runs).
func NewBridge(q *queue.Queue, s store.Store, pub Publisher, templates *Templates, logger *slog.Logger) *Bridge {
	if templates == nil {
		templates = DefaultTemplates()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		queue:     q,
		store:     s,
		publisher: pub,
		templates: templates,
		logger:    logger,
		lastSeen:  make(map[string]time.Time),
	}
}

// Run consumes update notifications until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	global, err := b.store.Subscribe(ctx, queue.GlobalUpdatesChannel)
	if err != nil {
		return fmt.Errorf("subscribe global updates: %w", err)
	}
	defer global.Close()

	scoped, err := b.store.PSubscribe(ctx, "job:*:updates")
	if err != nil {
		return fmt.Errorf("subscribe job updates: %w", err)
	}
	defer scoped.Close()

	b.logger.Info("progress bridge started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-global.Messages():
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		case msg, ok := <-scoped.Messages():
			if !ok {
				return nil
			}
			b.handle(ctx, msg.Payload)
		}
	}
}

// Handle processes one raw notification payload. Exported for the end-to-end
// path where the daemon feeds messages directly.
func (b *Bridge) Handle(ctx context.Context, payload string) {
	b.handle(ctx, payload)
}

func (b *Bridge) handle(ctx context.Context, payload string) {
	var n queue.Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		b.logger.Warn("malformed job notification", "error", err)
		return
	}

	if last, ok := b.lastSeen[n.JobID]; ok && !n.Timestamp.After(last) {
		return // duplicate delivery from the second subscription
	}
	b.lastSeen[n.JobID] = n.Timestamp

	pc, err := b.loadContext(ctx, n.JobID)
	if err != nil {
		b.logger.Warn("load progress context failed", "job_id", n.JobID, "error", err)
		return
	}
	if pc == nil {
		pc, err = b.seedContext(ctx, n)
		if err != nil {
			b.logger.Warn("seed progress context failed", "job_id", n.JobID, "error", err)
			return
		}
	}

	b.merge(pc, n)

	if err := b.saveContext(ctx, pc); err != nil {
		b.logger.Warn("persist progress context failed", "job_id", n.JobID, "error", err)
	}

	// Republish regardless of context persistence: the flattened event is
	// an independent side channel.
	if b.publisher != nil {
		b.publisher.PublishProgress(n)
	}

	if n.Status.Terminal() {
		delete(b.lastSeen, n.JobID)
	}
}

// seedContext builds a fresh context from the authoritative job record and
// the type's step template.
func (b *Bridge) seedContext(ctx context.Context, n queue.Notification) (*Context, error) {
	jobType := n.Type
	startedAt := n.Timestamp

	if job, err := b.queue.GetStatus(ctx, n.JobID); err == nil {
		jobType = job.Type
		startedAt = job.CreatedAt
	}

	templates := b.templates.StepsFor(jobType)
	steps := make([]Step, len(templates))
	for i, t := range templates {
		steps[i] = Step{Name: t.Name, Description: t.Description}
	}

	return &Context{
		JobID:      n.JobID,
		Type:       jobType,
		TotalSteps: len(steps),
		Status:     queue.StatusPending,
		Steps:      steps,
		StartedAt:  startedAt,
	}, nil
}

// merge folds one notification into the context. The current step is
// recomputed from overall progress and never regressed.
func (b *Bridge) merge(pc *Context, n queue.Notification) {
	pc.Progress = n.Progress
	if n.Status != "" {
		pc.Status = n.Status
	}
	if n.Error != "" {
		pc.Error = n.Error
	}
	if n.Result != nil {
		pc.Result = n.Result
	}

	step := ceilStep(n.Progress, pc.TotalSteps)
	if step > pc.CurrentStep {
		pc.CurrentStep = step
	}

	now := n.Timestamp
	for i := range pc.Steps {
		switch {
		case i+1 < pc.CurrentStep:
			pc.Steps[i].Progress = 100
			if pc.Steps[i].CompletedAt == nil {
				pc.Steps[i].CompletedAt = &now
			}
		case i+1 == pc.CurrentStep:
			if pc.Steps[i].StartedAt == nil {
				pc.Steps[i].StartedAt = &now
			}
		}
	}

	if n.Detail != nil && n.Detail.Step >= 1 && n.Detail.Step <= len(pc.Steps) {
		s := &pc.Steps[n.Detail.Step-1]
		s.Progress = n.Detail.StepProgress
		if n.Detail.Description != "" {
			s.Description = n.Detail.Description
		}
	}

	if n.Status.Terminal() {
		if pc.CurrentStep > 0 && pc.CurrentStep <= len(pc.Steps) {
			s := &pc.Steps[pc.CurrentStep-1]
			if n.Status == queue.StatusFailed && s.Error == "" {
				s.Error = n.Error
			}
			if n.Status == queue.StatusCompleted {
				s.Progress = 100
				if s.CompletedAt == nil {
					s.CompletedAt = &now
				}
			}
		}
		if n.Status == queue.StatusCompleted {
			pc.CurrentStep = pc.TotalSteps
			for i := range pc.Steps {
				pc.Steps[i].Progress = 100
			}
		}
	}
}

// ceilStep maps overall progress to a 1-based step index.
func ceilStep(progress, totalSteps int) int {
	if progress <= 0 || totalSteps <= 0 {
		return 0
	}
	if progress > 100 {
		progress = 100
	}
	return (progress*totalSteps + 99) / 100
}

// GetContext loads a job's progress context, nil when none exists.
func (b *Bridge) GetContext(ctx context.Context, jobID string) (*Context, error) {
	return b.loadContext(ctx, jobID)
}

// GetOwnerJobsWithProgress joins the owner's queue listing with stored
// contexts.
func (b *Bridge) GetOwnerJobsWithProgress(ctx context.Context, ownerID string, limit int) ([]JobWithProgress, error) {
	jobs, err := b.queue.ListForOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]JobWithProgress, 0, len(jobs))
	for _, job := range jobs {
		pc, err := b.loadContext(ctx, job.ID)
		if err != nil {
			b.logger.Warn("load progress context failed", "job_id", job.ID, "error", err)
			pc = nil
		}
		out = append(out, JobWithProgress{Job: job, Context: pc})
	}
	return out, nil
}

// Cleanup removes contexts whose job started before the cutoff. Returns the
// number deleted.
func (b *Bridge) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	all, err := b.store.HGetAll(ctx, contextsKey)
	if err != nil {
		return 0, fmt.Errorf("enumerate progress contexts: %w", err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for jobID, raw := range all {
		var pc Context
		if err := json.Unmarshal([]byte(raw), &pc); err != nil {
			// Unreadable context: drop it, it will be rebuilt on demand.
			if err := b.store.HDel(ctx, contextsKey, jobID); err == nil {
				deleted++
			}
			continue
		}
		if pc.StartedAt.After(cutoff) {
			continue
		}
		if err := b.store.HDel(ctx, contextsKey, jobID); err != nil {
			b.logger.Warn("delete progress context failed", "job_id", jobID, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		b.logger.Info("progress cleanup", "deleted", deleted, "max_age", maxAge)
	}
	return deleted, nil
}

func (b *Bridge) loadContext(ctx context.Context, jobID string) (*Context, error) {
	raw, err := b.store.HGet(ctx, contextsKey, jobID)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var pc Context
	if err := json.Unmarshal([]byte(raw), &pc); err != nil {
		return nil, fmt.Errorf("decode progress context %s: %w", jobID, err)
	}
	return &pc, nil
}

func (b *Bridge) saveContext(ctx context.Context, pc *Context) error {
	raw, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	return b.store.HSet(ctx, contextsKey, pc.JobID, string(raw))
}
