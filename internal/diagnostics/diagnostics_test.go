package diagnostics_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"saga-server/internal/diagnostics"
	"saga-server/internal/mocks"
	"saga-server/internal/models"
	"saga-server/internal/queue"
)

const testThreshold = 300 * time.Second

func newDiagnostics() (*diagnostics.Diagnostics, *mocks.SagaRepository, *mocks.Queue) {
	mockRepo := &mocks.SagaRepository{}
	mockQueue := &mocks.Queue{}
	d := diagnostics.New(mockRepo, mockQueue, testThreshold, zap.NewNop())
	return d, mockRepo, mockQueue
}

func generatingSaga(age time.Duration) *models.Saga {
	return &models.Saga{
		ID:        uuid.New(),
		SourceID:  "game-42",
		Status:    models.StatusGeneratingImages,
		Pages:     []models.Page{{PageNumber: 1, PageImageURL: "http://img/1.png"}},
		UpdatedAt: time.Now().UTC().Add(-age),
	}
}

func expectEmptyStates(mockQueue *mocks.Queue, except map[queue.JobState][]queue.Job) {
	states := []queue.JobState{
		queue.StateActive, queue.StateWaiting, queue.StateDelayed,
		queue.StateFailed, queue.StateCompleted,
	}
	for _, state := range states {
		jobs := except[state]
		mockQueue.On("ListByState", mock.Anything, state).Return(jobs, nil).Maybe()
	}
}

func TestDiagnostics_Diagnose(t *testing.T) {
	ctx := context.Background()

	t.Run("Generating saga past threshold with no job is stuck", func(t *testing.T) {
		d, mockRepo, mockQueue := newDiagnostics()
		saga := generatingSaga(301 * time.Second)

		mockRepo.On("GetByID", mock.Anything, saga.ID).Return(saga, nil).Once()
		expectEmptyStates(mockQueue, nil)

		report, err := d.Diagnose(ctx, saga.ID)
		assert.NoError(t, err)
		assert.True(t, report.Stuck)
		assert.Nil(t, report.Job)
		assert.Greater(t, report.SecondsSinceUpdate, testThreshold.Seconds())
		mockRepo.AssertExpectations(t)
	})

	t.Run("Generating saga within threshold is healthy", func(t *testing.T) {
		d, mockRepo, mockQueue := newDiagnostics()
		saga := generatingSaga(30 * time.Second)
		job := queue.Job{
			ID:    "job-1",
			Data:  queue.JobData{SagaID: saga.ID, SourceID: saga.SourceID},
			State: queue.StateActive,
		}

		mockRepo.On("GetByID", mock.Anything, saga.ID).Return(saga, nil).Once()
		expectEmptyStates(mockQueue, map[queue.JobState][]queue.Job{
			queue.StateActive: {job},
		})

		report, err := d.Diagnose(ctx, saga.ID)
		assert.NoError(t, err)
		assert.False(t, report.Stuck)
		assert.Equal(t, "sagaId", report.MatchedBy)
		assert.Equal(t, "job-1", report.Job.ID)
	})

	t.Run("Stale saga with active job suggests crashed worker", func(t *testing.T) {
		d, mockRepo, mockQueue := newDiagnostics()
		saga := generatingSaga(600 * time.Second)
		job := queue.Job{
			ID:    "job-1",
			Data:  queue.JobData{SagaID: saga.ID, SourceID: saga.SourceID},
			State: queue.StateActive,
		}

		mockRepo.On("GetByID", mock.Anything, saga.ID).Return(saga, nil).Once()
		expectEmptyStates(mockQueue, map[queue.JobState][]queue.Job{
			queue.StateActive: {job},
		})

		report, err := d.Diagnose(ctx, saga.ID)
		assert.NoError(t, err)
		assert.True(t, report.Stuck)
		assert.Contains(t, report.Recommendation, "crashed or hung")
	})

	t.Run("Falls back to source id matching", func(t *testing.T) {
		d, mockRepo, mockQueue := newDiagnostics()
		saga := generatingSaga(30 * time.Second)
		// A requeued saga's old job carries a different saga id but the
		// same source.
		job := queue.Job{
			ID:    "job-old",
			Data:  queue.JobData{SagaID: uuid.New(), SourceID: saga.SourceID},
			State: queue.StateFailed,
		}

		mockRepo.On("GetByID", mock.Anything, saga.ID).Return(saga, nil).Once()
		expectEmptyStates(mockQueue, map[queue.JobState][]queue.Job{
			queue.StateFailed: {job},
		})

		report, err := d.Diagnose(ctx, saga.ID)
		assert.NoError(t, err)
		assert.Equal(t, "sourceId", report.MatchedBy)
		assert.Equal(t, "job-old", report.Job.ID)
	})
}

func TestDiagnostics_ClearQueue(t *testing.T) {
	ctx := context.Background()
	d, _, mockQueue := newDiagnostics()

	waiting := []queue.Job{
		{ID: "w-1", State: queue.StateWaiting},
		{ID: "w-2", State: queue.StateWaiting},
	}
	active := []queue.Job{{ID: "a-1", State: queue.StateActive}}

	mockQueue.On("ListByState", mock.Anything, queue.StateWaiting).Return(waiting, nil).Once()
	mockQueue.On("ListByState", mock.Anything, queue.StateDelayed).Return([]queue.Job{}, nil).Once()
	mockQueue.On("ListByState", mock.Anything, queue.StateActive).Return(active, nil).Once()

	mockQueue.On("Remove", mock.Anything, "w-1").Return(nil).Once()
	mockQueue.On("Remove", mock.Anything, "w-2").Return(nil).Once()
	// The active job gets a terminal record before removal.
	mockQueue.On("MarkFailed", mock.Anything, "a-1", mock.AnythingOfType("string")).Return(nil).Once()
	mockQueue.On("Remove", mock.Anything, "a-1").Return(nil).Once()

	report, err := d.ClearQueue(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, report.RemovedWaiting)
	assert.Equal(t, 0, report.RemovedDelayed)
	assert.Equal(t, 1, report.FailedActive)
	mockQueue.AssertExpectations(t)
}

func TestDiagnostics_ForceFail(t *testing.T) {
	ctx := context.Background()
	d, mockRepo, _ := newDiagnostics()
	sagaID := uuid.New()

	mockRepo.On("ForceSetStatus", mock.Anything, sagaID, models.StatusFailed,
		"Failed (manual override)", mock.AnythingOfType("*string")).Return(nil).Once().
		Run(func(args mock.Arguments) {
			reason := args.Get(4).(*string)
			assert.Equal(t, "operator decision", *reason)
		})

	err := d.ForceFail(ctx, sagaID, "operator decision")
	assert.NoError(t, err)
	mockRepo.AssertExpectations(t)
}

func TestDiagnostics_Requeue(t *testing.T) {
	ctx := context.Background()
	d, mockRepo, mockQueue := newDiagnostics()
	saga := generatingSaga(600 * time.Second)

	mockRepo.On("GetByID", mock.Anything, saga.ID).Return(saga, nil).Once()
	mockRepo.On("ForceSetStatus", mock.Anything, saga.ID, models.StatusPending,
		"Requeued for generation", (*string)(nil)).Return(nil).Once()
	mockQueue.On("Enqueue", mock.Anything, saga.ID, saga.SourceID).Return("job-new", nil).Once()

	jobID, err := d.Requeue(ctx, saga.ID)
	assert.NoError(t, err)
	assert.Equal(t, "job-new", jobID)
	mockRepo.AssertExpectations(t)
	mockQueue.AssertExpectations(t)
}

func TestDiagnostics_SweepStale(t *testing.T) {
	ctx := context.Background()
	d, mockRepo, _ := newDiagnostics()

	mockRepo.On("SweepStale", mock.Anything, testThreshold).Return(int64(3), nil).Once()

	swept, err := d.SweepStale(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), swept)
	mockRepo.AssertExpectations(t)
}
