package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobState represents the queue-level state of a job.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateDelayed   JobState = "delayed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobData is the full job payload. It is sufficient to re-derive all work;
// all mutable generation state lives in the saga store, not here.
type JobData struct {
	SagaID   uuid.UUID `json:"sagaId"`
	SourceID string    `json:"sourceId"`
}

// Job is a scheduling token referencing a saga. A saga has at most one
// active job at a time but may accumulate historical terminal jobs across
// retries.
type Job struct {
	ID           string    `json:"id"`
	Data         JobData   `json:"data"`
	State        JobState  `json:"state"`
	AttemptsMade int       `json:"attemptsMade"`
	FailedReason string    `json:"failedReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Queue is the durable work-distribution channel for saga generation.
// Operations surface broker errors to the caller; retrying is a
// connection-layer concern (see Connect), not a queue concern.
type Queue interface {
	// Enqueue creates a new waiting job for the saga and returns its ID.
	Enqueue(ctx context.Context, sagaID uuid.UUID, sourceID string) (string, error)
	// EnqueueDelayed creates a job that becomes claimable only after the
	// given delay has elapsed and PromoteDelayed has run.
	EnqueueDelayed(ctx context.Context, sagaID uuid.UUID, sourceID string, delay time.Duration) (string, error)
	// ClaimNext blocks up to the queue's claim timeout for the next waiting
	// job and transitions it to active. Returns (nil, nil) when no job
	// became available within the timeout.
	ClaimNext(ctx context.Context) (*Job, error)
	// MarkCompleted / MarkFailed move a job to a terminal state. Both are
	// idempotent: repeated calls on an already-terminal job are no-ops.
	MarkCompleted(ctx context.Context, jobID string) error
	MarkFailed(ctx context.Context, jobID string, reason string) error
	// GetJob returns the job record by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// ListByState returns all jobs currently in the given state.
	ListByState(ctx context.Context, state JobState) ([]Job, error)
	// Remove deletes a job regardless of state. An active job is first
	// transitioned to failed so it never disappears without a terminal
	// record.
	Remove(ctx context.Context, jobID string) error
	// PromoteDelayed moves delayed jobs whose ready time has passed into
	// waiting, returning how many were promoted.
	PromoteDelayed(ctx context.Context) (int, error)
}
