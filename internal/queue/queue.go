package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/communiday/eventcore-go/internal/metrics"
	"github.com/communiday/eventcore-go/internal/store"
)

// Store keys and channels. Job records live under job:{id}, large raw
// payloads (flyer image bytes) under job:{id}:blob.
const (
	jobKeyPrefix   = "job:"
	blobKeySuffix  = ":blob"
	pendingListKey = "jobs:pending"

	// GlobalUpdatesChannel receives every job change; per-job channels are
	// job:{id}:updates.
	GlobalUpdatesChannel = "job_updates"
)

// ErrJobNotFound indicates an operation against an unknown job id.
var ErrJobNotFound = errors.New("job not found")

// JobUpdatesChannel returns the job-scoped notification channel name.
func JobUpdatesChannel(id string) string {
	return jobKeyPrefix + id + ":updates"
}

// Queue is the durable job queue. A single Queue instance is constructed at
// process start and shared by the producer API, the worker loop and the
// progress bridge.
type Queue struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	// mu serializes read-modify-write cycles on job records so a terminal
	// write can never be overwritten by a racing second terminal write.
	// The design assumes a single active worker process per queue.
	mu sync.Mutex
}

// New creates a Queue on the given store. Metrics may be nil.
func New(s store.Store, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: s, metrics: m, logger: logger}
}

// Enqueue persists a new pending job, appends it to the pending list and
// emits a created notification. The payload must marshal to JSON; an
// owner_id field inside it drives per-owner listings.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	job := Job{
		ID:        uuid.New().String()[:8],
		Type:      jobType,
		Status:    StatusPending,
		Progress:  0,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}

	if err := q.adoptBlob(ctx, job.ID, raw); err != nil {
		return "", err
	}
	if err := q.writeJob(ctx, &job); err != nil {
		return "", err
	}
	if err := q.store.RPush(ctx, pendingListKey, job.ID); err != nil {
		return "", fmt.Errorf("push pending: %w", err)
	}

	if q.metrics != nil {
		q.metrics.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	}
	q.logger.Info("job created", "job_id", job.ID, "type", jobType)
	q.notify(ctx, &job, "created")
	return job.ID, nil
}

// GetStatus loads a job record. Returns ErrJobNotFound for unknown ids.
func (q *Queue) GetStatus(ctx context.Context, id string) (*Job, error) {
	raw, err := q.store.Get(ctx, jobKeyPrefix+id)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// UpdateStatus merges a partial update into an existing record, stamps the
// update time, persists and notifies. It fails with ErrJobNotFound for
// unknown ids and silently suppresses writes against terminal records: the
// first terminal write wins, later ones are no-ops.
func (q *Queue) UpdateStatus(ctx context.Context, id string, upd Update) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.GetStatus(ctx, id)
	if err != nil {
		return err
	}

	if job.Status.Terminal() {
		q.logger.Debug("update suppressed, job already terminal",
			"job_id", id, "status", job.Status)
		return nil
	}

	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.Step != nil {
		job.Step = *upd.Step
	}
	if upd.Detail != nil {
		job.Detail = upd.Detail
	}
	if upd.Error != nil {
		job.Error = *upd.Error
	}
	if upd.Result != nil {
		job.Result = upd.Result
	}
	job.UpdatedAt = time.Now().UTC()

	if err := q.writeJob(ctx, job); err != nil {
		return err
	}
	q.notify(ctx, job, "updated")
	return nil
}

// Claim pops the next pending job id, or ErrJobNotFound when the list is
// empty. Non-blocking.
func (q *Queue) Claim(ctx context.Context) (string, error) {
	id, err := q.store.LPop(ctx, pendingListKey)
	if errors.Is(err, store.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: pending list empty", ErrJobNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("pop pending: %w", err)
	}
	return id, nil
}

// PendingLen returns the number of jobs waiting to be claimed.
func (q *Queue) PendingLen(ctx context.Context) (int64, error) {
	return q.store.LLen(ctx, pendingListKey)
}

// ownerPayload is the slice of the payload the queue itself understands.
type ownerPayload struct {
	OwnerID string `json:"owner_id"`
}

// ListForOwner returns the owner's jobs in chronological order (most recent
// activity first). A limit of zero means no limit.
func (q *Queue) ListForOwner(ctx context.Context, ownerID string, limit int) ([]Job, error) {
	keys, err := q.store.Keys(ctx, jobKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("enumerate jobs: %w", err)
	}

	seen := make(map[string]bool)
	var jobs []Job
	for _, key := range keys {
		id, ok := recordID(key)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true

		job, err := q.GetStatus(ctx, id)
		if err != nil {
			continue // deleted between enumeration and read
		}

		var owner ownerPayload
		if err := json.Unmarshal(job.Payload, &owner); err != nil || owner.OwnerID != ownerID {
			continue
		}
		jobs = append(jobs, *job)
	}

	SortChronological(jobs)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// Cleanup removes terminal jobs older than maxAge, along with their blob
// side storage. Returns the number of jobs deleted.
func (q *Queue) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := q.store.Keys(ctx, jobKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("enumerate jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for _, key := range keys {
		id, ok := recordID(key)
		if !ok {
			continue
		}
		job, err := q.GetStatus(ctx, id)
		if err != nil {
			continue
		}
		if !job.Status.Terminal() || job.EffectiveTime().After(cutoff) {
			continue
		}
		if err := q.store.Del(ctx, jobKeyPrefix+id, jobKeyPrefix+id+blobKeySuffix); err != nil {
			q.logger.Warn("cleanup delete failed", "job_id", id, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		q.logger.Info("queue cleanup", "deleted", deleted, "max_age", maxAge)
	}
	return deleted, nil
}

// stagedBlobTTL bounds the window between a blob upload and the enqueue
// that adopts it. Staged blobs never referenced by a job expire on their
// own instead of accumulating forever.
const stagedBlobTTL = time.Hour

// StageBlob stores uploaded bytes (e.g. a flyer image) under a fresh key
// with a bounded lifetime and returns the key. Enqueue adopts a staged blob
// into the job's own slot when the payload references it via blob_key.
func (q *Queue) StageBlob(ctx context.Context, blob []byte) (string, error) {
	key := uuid.New().String()[:8]
	if err := q.store.Set(ctx, jobKeyPrefix+key+blobKeySuffix, string(blob), stagedBlobTTL); err != nil {
		return "", fmt.Errorf("stage blob: %w", err)
	}
	return key, nil
}

// blobRef is the slice of the payload linking a staged upload to the job.
type blobRef struct {
	BlobKey string `json:"blob_key"`
}

// adoptBlob moves a staged upload into the job's own blob slot so its
// lifetime tracks the job record and Cleanup removes it with the job.
func (q *Queue) adoptBlob(ctx context.Context, jobID string, payload json.RawMessage) error {
	var ref blobRef
	if err := json.Unmarshal(payload, &ref); err != nil || ref.BlobKey == "" || ref.BlobKey == jobID {
		return nil
	}

	blob, err := q.GetBlob(ctx, ref.BlobKey)
	if errors.Is(err, ErrJobNotFound) {
		return fmt.Errorf("staged blob %s not found, upload it again", ref.BlobKey)
	}
	if err != nil {
		return fmt.Errorf("load staged blob %s: %w", ref.BlobKey, err)
	}
	if err := q.PutBlob(ctx, jobID, blob); err != nil {
		return err
	}
	if err := q.store.Del(ctx, jobKeyPrefix+ref.BlobKey+blobKeySuffix); err != nil {
		q.logger.Warn("staged blob delete failed", "blob_key", ref.BlobKey, "error", err)
	}
	return nil
}

// PutBlob stores raw payload bytes next to the job record.
func (q *Queue) PutBlob(ctx context.Context, id string, blob []byte) error {
	return q.store.Set(ctx, jobKeyPrefix+id+blobKeySuffix, string(blob), 0)
}

// GetBlob loads the raw payload bytes for a job.
func (q *Queue) GetBlob(ctx context.Context, id string) ([]byte, error) {
	raw, err := q.store.Get(ctx, jobKeyPrefix+id+blobKeySuffix)
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: blob for %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

func (q *Queue) writeJob(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.store.Set(ctx, jobKeyPrefix+job.ID, string(raw), 0); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}
	return nil
}

// notify publishes the flattened change event to the job-scoped and global
// channels. Publishing is fire-and-forget: an observer may see the event
// slightly before or after the record write is durable, and must re-fetch
// the record rather than trust the event payload alone.
func (q *Queue) notify(ctx context.Context, job *Job, event string) {
	n := Notification{
		Event:     event,
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		Progress:  job.Progress,
		Step:      job.Step,
		Detail:    job.Detail,
		Error:     job.Error,
		Result:    job.Result,
		Payload:   job.Payload,
		Timestamp: time.Now().UTC(),
	}
	raw, err := json.Marshal(n)
	if err != nil {
		q.logger.Warn("marshal notification failed", "job_id", job.ID, "error", err)
		return
	}
	for _, channel := range []string{JobUpdatesChannel(job.ID), GlobalUpdatesChannel} {
		if err := q.store.Publish(ctx, channel, string(raw)); err != nil {
			q.logger.Warn("notification publish failed",
				"job_id", job.ID, "channel", channel, "error", err)
		}
	}
}

// recordID extracts the job id from a job:{id} key, rejecting side-storage
// and channel keys like job:{id}:blob.
func recordID(key string) (string, bool) {
	rest := strings.TrimPrefix(key, jobKeyPrefix)
	if rest == key || rest == "" || strings.Contains(rest, ":") {
		return "", false
	}
	return rest, true
}
