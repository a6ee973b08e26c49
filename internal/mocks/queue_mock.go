package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"saga-server/internal/queue"
)

// Mock Queue
type Queue struct {
	mock.Mock
}

var _ queue.Queue = (*Queue)(nil)

func (m *Queue) Enqueue(ctx context.Context, sagaID uuid.UUID, sourceID string) (string, error) {
	args := m.Called(ctx, sagaID, sourceID)
	return args.String(0), args.Error(1)
}

func (m *Queue) EnqueueDelayed(ctx context.Context, sagaID uuid.UUID, sourceID string, delay time.Duration) (string, error) {
	args := m.Called(ctx, sagaID, sourceID, delay)
	return args.String(0), args.Error(1)
}

func (m *Queue) ClaimNext(ctx context.Context) (*queue.Job, error) {
	args := m.Called(ctx)
	job, _ := args.Get(0).(*queue.Job)
	return job, args.Error(1)
}

func (m *Queue) MarkCompleted(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *Queue) MarkFailed(ctx context.Context, jobID, reason string) error {
	args := m.Called(ctx, jobID, reason)
	return args.Error(0)
}

func (m *Queue) GetJob(ctx context.Context, jobID string) (*queue.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*queue.Job)
	return job, args.Error(1)
}

func (m *Queue) ListByState(ctx context.Context, state queue.JobState) ([]queue.Job, error) {
	args := m.Called(ctx, state)
	jobs, _ := args.Get(0).([]queue.Job)
	return jobs, args.Error(1)
}

func (m *Queue) Remove(ctx context.Context, jobID string) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
