// Package queue implements the durable, at-least-once job queue on top of
// the key-value store: job records, a pending list, status updates with
// dual-channel change notifications, per-owner listings and retention
// cleanup.
package queue

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// JobType tags a job with the handler that processes it.
type JobType string

const (
	TypeFlyer        JobType = "flyer"
	TypePrivateEvent JobType = "private_event"
	TypeCivicReport  JobType = "civic_report"
	TypeCleanup      JobType = "cleanup"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are never
// re-dispatched and their records only leave the store via cleanup.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepDetail carries step-local progress for consumers that want more than a
// bare percentage.
type StepDetail struct {
	Step         int    `json:"step"`
	TotalSteps   int    `json:"total_steps"`
	StepProgress int    `json:"step_progress"`
	Description  string `json:"description,omitempty"`
}

// Job is the queue-owned record for one unit of asynchronous work.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Step      string          `json:"step,omitempty"`
	Detail    *StepDetail     `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// EffectiveTime is the job's most recent activity: last update if present,
// otherwise creation.
func (j *Job) EffectiveTime() time.Time {
	if !j.UpdatedAt.IsZero() {
		return j.UpdatedAt
	}
	return j.CreatedAt
}

// Update is a partial mutation merged into a stored job record. Nil fields
// are left unchanged.
type Update struct {
	Status   *Status
	Progress *int
	Step     *string
	Detail   *StepDetail
	Error    *string
	Result   json.RawMessage
}

// Notification is the flattened change event published on the job-scoped and
// global channels whenever a record is written.
type Notification struct {
	Event     string          `json:"event"` // "created" or "updated"
	JobID     string          `json:"job_id"`
	Type      JobType         `json:"type"`
	Status    Status          `json:"status"`
	Progress  int             `json:"progress"`
	Step      string          `json:"step,omitempty"`
	Detail    *StepDetail     `json:"detail,omitempty"`
	Error     string          `json:"error,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SortChronological orders jobs most-recent-activity first: effective time
// descending, then creation time descending, then id descending. The final
// tie-break keeps the order reproducible when two jobs share a timestamp to
// the second.
func SortChronological(jobs []Job) {
	slices.SortFunc(jobs, func(a, b Job) int {
		if c := b.EffectiveTime().Compare(a.EffectiveTime()); c != 0 {
			return c
		}
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
