package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"saga-server/internal/mocks"
	"saga-server/internal/models"
	"saga-server/internal/queue"
	"saga-server/internal/service"
	"saga-server/internal/worker"
)

type handlerMocks struct {
	repo        *mocks.SagaRepository
	queue       *mocks.Queue
	writer      *mocks.StoryWriter
	illustrator *mocks.Illustrator
	notifier    *mocks.Notifier
}

func newHandler() (*worker.JobHandler, *handlerMocks) {
	m := &handlerMocks{
		repo:        &mocks.SagaRepository{},
		queue:       &mocks.Queue{},
		writer:      &mocks.StoryWriter{},
		illustrator: &mocks.Illustrator{},
		notifier:    &mocks.Notifier{},
	}
	h := worker.NewJobHandler(m.repo, m.queue, m.writer, m.illustrator, m.notifier, zap.NewNop())
	return h, m
}

func (m *handlerMocks) assertExpectations(t *testing.T) {
	m.repo.AssertExpectations(t)
	m.queue.AssertExpectations(t)
	m.writer.AssertExpectations(t)
	m.illustrator.AssertExpectations(t)
	m.notifier.AssertExpectations(t)
}

func newJob(sagaID uuid.UUID, sourceID string) *queue.Job {
	now := time.Now().UTC()
	return &queue.Job{
		ID:           uuid.NewString(),
		Data:         queue.JobData{SagaID: sagaID, SourceID: sourceID},
		State:        queue.StateActive,
		AttemptsMade: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func twoPageDraft() *service.StoryDraft {
	return &service.StoryDraft{
		Title:     "The Fall of the Arcade",
		StoryText: "Once, in a forgotten arcade...",
		Pages: []service.PagePlan{
			{
				PageNumber:  1,
				ImagePrompt: "neon arcade exterior at night",
				Panels:      []models.Panel{{PanelNumber: 1, Description: "The arcade opens"}},
			},
			{
				PageNumber:  2,
				ImagePrompt: "empty arcade hall, dust on machines",
				Panels: []models.Panel{
					{PanelNumber: 1, Description: "Years later"},
					{PanelNumber: 2, Description: "The last visitor leaves", Dialogue: "Goodbye."},
				},
			},
		},
	}
}

func TestJobHandler_Handle_Success(t *testing.T) {
	ctx := context.Background()
	h, m := newHandler()

	sagaID := uuid.New()
	job := newJob(sagaID, "game-42")
	draft := twoPageDraft()

	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingText, mock.AnythingOfType("string")).
		Return(nil).Once()
	m.writer.On("GenerateStory", mock.Anything, "game-42").
		Return(draft, service.UsageInfo{PromptTokens: 100, CompletionTokens: 400, EstimatedCostUSD: 0.01}, nil).Once()
	m.repo.On("SetStoryPlan", mock.Anything, sagaID, 2, 3).Return(nil).Once()
	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingImages, mock.AnythingOfType("string")).
		Return(nil).Once()

	m.illustrator.On("GeneratePageImage", mock.Anything, sagaID, draft.Pages[0]).
		Return("http://img/1.png", 0.002, nil).Once()
	m.illustrator.On("GeneratePageImage", mock.Anything, sagaID, draft.Pages[1]).
		Return("http://img/2.png", 0.002, nil).Once()
	m.repo.On("AppendPage", mock.Anything, sagaID, mock.AnythingOfType("models.Page")).
		Return(nil).Twice()

	// The store terminal write must land before the queue terminal write.
	sagaCompleted := false
	m.repo.On("SetTerminal", mock.Anything, sagaID, models.StatusCompleted,
		mock.AnythingOfType("models.TerminalResult")).Return(nil).Once().
		Run(func(args mock.Arguments) {
			sagaCompleted = true
			result := args.Get(3).(models.TerminalResult)
			assert.Equal(t, draft.StoryText, result.StoryText)
			assert.InDelta(t, 0.014, result.CostUSD, 1e-9)
		})
	m.queue.On("MarkCompleted", mock.Anything, job.ID).Return(nil).Once().
		Run(func(mock.Arguments) {
			assert.True(t, sagaCompleted, "job must not complete before the saga record")
		})
	m.notifier.On("Notify", mock.Anything, mock.AnythingOfType("service.SagaEventPayload")).
		Return(nil).Once().
		Run(func(args mock.Arguments) {
			payload := args.Get(1).(service.SagaEventPayload)
			assert.Equal(t, models.StatusCompleted, payload.Status)
			assert.Equal(t, "game-42", payload.SourceID)
		})

	err := h.Handle(ctx, job)
	assert.NoError(t, err)
	m.assertExpectations(t)
}

func TestJobHandler_Handle_TextGenerationFailure(t *testing.T) {
	ctx := context.Background()
	h, m := newHandler()

	sagaID := uuid.New()
	job := newJob(sagaID, "game-42")
	genErr := errors.New("model returned garbage")

	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingText, mock.AnythingOfType("string")).
		Return(nil).Once()
	m.writer.On("GenerateStory", mock.Anything, "game-42").
		Return(nil, service.UsageInfo{}, genErr).Once()

	sagaFailed := false
	m.repo.On("SetTerminal", mock.Anything, sagaID, models.StatusFailed,
		mock.AnythingOfType("models.TerminalResult")).Return(nil).Once().
		Run(func(args mock.Arguments) {
			sagaFailed = true
			result := args.Get(3).(models.TerminalResult)
			assert.Contains(t, result.ErrorDetails, "model returned garbage")
		})
	m.queue.On("MarkFailed", mock.Anything, job.ID, mock.AnythingOfType("string")).
		Return(nil).Once().
		Run(func(mock.Arguments) {
			assert.True(t, sagaFailed, "job must not fail before the saga record")
		})
	m.notifier.On("Notify", mock.Anything, mock.AnythingOfType("service.SagaEventPayload")).
		Return(nil).Once()

	err := h.Handle(ctx, job)
	assert.True(t, errors.Is(err, models.ErrCollaboratorFailure))
	m.assertExpectations(t)
	m.illustrator.AssertNotCalled(t, "GeneratePageImage", mock.Anything, mock.Anything, mock.Anything)
}

func TestJobHandler_Handle_ImageFailureKeepsEarlierPages(t *testing.T) {
	ctx := context.Background()
	h, m := newHandler()

	sagaID := uuid.New()
	job := newJob(sagaID, "game-42")
	draft := twoPageDraft()

	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingText, mock.AnythingOfType("string")).
		Return(nil).Once()
	m.writer.On("GenerateStory", mock.Anything, "game-42").
		Return(draft, service.UsageInfo{EstimatedCostUSD: 0.01}, nil).Once()
	m.repo.On("SetStoryPlan", mock.Anything, sagaID, 2, 3).Return(nil).Once()
	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingImages, mock.AnythingOfType("string")).
		Return(nil).Once()

	// Page 1 lands; page 2 fails and aborts the job.
	m.illustrator.On("GeneratePageImage", mock.Anything, sagaID, draft.Pages[0]).
		Return("http://img/1.png", 0.002, nil).Once()
	m.repo.On("AppendPage", mock.Anything, sagaID, mock.AnythingOfType("models.Page")).
		Return(nil).Once().
		Run(func(args mock.Arguments) {
			page := args.Get(2).(models.Page)
			assert.Equal(t, 1, page.PageNumber)
			assert.Equal(t, "http://img/1.png", page.PageImageURL)
		})
	m.illustrator.On("GeneratePageImage", mock.Anything, sagaID, draft.Pages[1]).
		Return("", 0.0, errors.New("image server 500")).Once()

	m.repo.On("SetTerminal", mock.Anything, sagaID, models.StatusFailed,
		mock.AnythingOfType("models.TerminalResult")).Return(nil).Once()
	m.queue.On("MarkFailed", mock.Anything, job.ID, mock.AnythingOfType("string")).Return(nil).Once()
	m.notifier.On("Notify", mock.Anything, mock.AnythingOfType("service.SagaEventPayload")).
		Return(nil).Once()

	err := h.Handle(ctx, job)
	assert.True(t, errors.Is(err, models.ErrCollaboratorFailure))
	m.assertExpectations(t)
	// Only the successful page was appended; it stays on the failed saga.
	m.repo.AssertNumberOfCalls(t, "AppendPage", 1)
}

func TestJobHandler_Handle_SagaNotClaimable(t *testing.T) {
	ctx := context.Background()
	h, m := newHandler()

	sagaID := uuid.New()
	job := newJob(sagaID, "game-42")

	// The saga was force-failed between enqueue and claim; the override
	// must stand and no generation may run.
	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingText, mock.AnythingOfType("string")).
		Return(models.ErrAlreadyTerminal).Once()
	m.queue.On("MarkFailed", mock.Anything, job.ID, mock.AnythingOfType("string")).Return(nil).Once()

	err := h.Handle(ctx, job)
	assert.True(t, errors.Is(err, models.ErrAlreadyTerminal))
	m.assertExpectations(t)
	m.writer.AssertNotCalled(t, "GenerateStory", mock.Anything, mock.Anything)
	m.repo.AssertNotCalled(t, "SetTerminal", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestJobHandler_Handle_TerminalRaceOnCompletion(t *testing.T) {
	ctx := context.Background()
	h, m := newHandler()

	sagaID := uuid.New()
	job := newJob(sagaID, "game-42")
	draft := twoPageDraft()

	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingText, mock.AnythingOfType("string")).
		Return(nil).Once()
	m.writer.On("GenerateStory", mock.Anything, "game-42").
		Return(draft, service.UsageInfo{}, nil).Once()
	m.repo.On("SetStoryPlan", mock.Anything, sagaID, 2, 3).Return(nil).Once()
	m.repo.On("Transition", mock.Anything, sagaID, models.StatusGeneratingImages, mock.AnythingOfType("string")).
		Return(nil).Once()
	m.illustrator.On("GeneratePageImage", mock.Anything, sagaID, mock.AnythingOfType("service.PagePlan")).
		Return("http://img/x.png", 0.002, nil).Twice()
	m.repo.On("AppendPage", mock.Anything, sagaID, mock.AnythingOfType("models.Page")).
		Return(nil).Twice()

	// An operator force-failed the saga mid-run; the first terminal
	// write wins and the job must not report success.
	m.repo.On("SetTerminal", mock.Anything, sagaID, models.StatusCompleted,
		mock.AnythingOfType("models.TerminalResult")).Return(models.ErrAlreadyTerminal).Once()
	m.queue.On("MarkFailed", mock.Anything, job.ID, mock.AnythingOfType("string")).Return(nil).Once()

	err := h.Handle(ctx, job)
	assert.True(t, errors.Is(err, models.ErrAlreadyTerminal))
	m.assertExpectations(t)
	m.queue.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything)
}
