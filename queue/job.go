// Package queue provides the persistent, priority-based job queue at the
// core of flywheel: an in-memory index of live jobs partitioned by state,
// priority-ordered dispatch with schedule and dependency gating, bounded
// retry with exponential backoff, and SQLite write-through durability.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // gated behind a future schedule time
	StatusQueued    JobStatus = "queued"    // eligible for dispatch, waiting for a slot
	StatusRunning   JobStatus = "running"   // handler executing
	StatusCompleted JobStatus = "completed" // handler succeeded
	StatusFailed    JobStatus = "failed"    // handler failed; terminal once retries are exhausted
	StatusCancelled JobStatus = "cancelled" // cancelled by operator or shutdown
	StatusRetrying  JobStatus = "retrying"  // waiting out a retry backoff delay
)

// IsValidStatus returns true if the status string is a valid JobStatus.
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a resting state: the job will not
// run again unless an operator explicitly retries it.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType identifies which registered handler processes a job.
type JobType string

const (
	TypeDigest          JobType = "digest"
	TypeNotification    JobType = "notification"
	TypeCleanup         JobType = "cleanup"
	TypeHealthCheck     JobType = "health-check"
	TypeWebhookDelivery JobType = "webhook-delivery"
	TypeDataSync        JobType = "data-sync"
	TypeBackup          JobType = "backup"
)

// AllJobTypes lists every known job type, in display order.
func AllJobTypes() []JobType {
	return []JobType{
		TypeDigest, TypeNotification, TypeCleanup, TypeHealthCheck,
		TypeWebhookDelivery, TypeDataSync, TypeBackup,
	}
}

// IsValidType returns true if the type string is a known JobType.
func IsValidType(t string) bool {
	for _, known := range AllJobTypes() {
		if JobType(t) == known {
			return true
		}
	}
	return false
}

// Priority levels. Higher values dispatch first; any int is accepted, these
// are the conventional rungs.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 20
)

// Job is a unit of asynchronous work owned by the Queue for its lifetime.
// Callers receive snapshots; mutations go through Queue methods so state
// moves stay atomic and write-through stays consistent.
type Job struct {
	ID           string         `json:"id"`
	Type         JobType        `json:"type"`
	Status       JobStatus      `json:"status"`
	Priority     int            `json:"priority"`
	Params       map[string]any `json:"params,omitempty"`
	Progress     int            `json:"progress"` // 0..100, advisory
	Error        string         `json:"error,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ScheduleTime *time.Time     `json:"schedule_time,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedByID  string         `json:"created_by_id"`
	DigestID     string         `json:"digest_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`

	// seq breaks createdAt ties so dispatch stays FIFO within a priority
	// level. Assigned on insertion, never persisted.
	seq uint64
}

// Clone returns a deep copy of the job. The queue hands out clones so
// callers can read freely without racing queue-internal mutation.
func (j *Job) Clone() *Job {
	c := *j
	if j.Params != nil {
		c.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			c.Params[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	if j.Dependencies != nil {
		c.Dependencies = append([]string(nil), j.Dependencies...)
	}
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	if j.ScheduleTime != nil {
		t := *j.ScheduleTime
		c.ScheduleTime = &t
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// CreateOptions describes a job to create. Type is required; everything
// else has a usable zero value. MaxRetries is taken literally: 0 means the
// first handler failure is terminal.
type CreateOptions struct {
	Type         JobType
	Priority     int
	Params       map[string]any
	MaxRetries   int
	ScheduleTime *time.Time
	Dependencies []string
	Tags         []string
	Metadata     map[string]any
	CreatedByID  string // defaults to "system"
	DigestID     string // validated against the digests table; cleared when missing
}

// Update is a patch applied by Queue.UpdateJob. Nil fields are left
// untouched. Metadata entries are merged into the existing map.
type Update struct {
	Status   *JobStatus
	Progress *int
	Error    *string
	Priority *int
	Params   map[string]any
	Metadata map[string]any
	Tags     []string
}

// newJob builds a Job from options with defaults resolved.
func newJob(opts CreateOptions, now time.Time) *Job {
	createdBy := opts.CreatedByID
	if createdBy == "" {
		createdBy = "system"
	}

	return &Job{
		ID:           uuid.NewString(),
		Type:         opts.Type,
		Priority:     opts.Priority,
		Params:       opts.Params,
		MaxRetries:   opts.MaxRetries,
		ScheduleTime: opts.ScheduleTime,
		Dependencies: opts.Dependencies,
		Tags:         opts.Tags,
		Metadata:     opts.Metadata,
		CreatedByID:  createdBy,
		DigestID:     opts.DigestID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// before reports whether a sorts ahead of b in the dispatch order:
// priority descending, then creation time ascending, then insertion order.
func (j *Job) before(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.seq < other.seq
}
