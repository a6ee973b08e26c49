package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"saga-server/internal/models"
	"saga-server/internal/queue"
	"saga-server/internal/repository"
	"saga-server/internal/service"
)

// JobHandler drives one claimed job through the generation stages,
// persisting incremental progress to the saga store after every stage.
// The store transition always precedes the queue transition, so a crash
// between the two leaves the saga (the authoritative record) correct.
type JobHandler struct {
	repo        repository.SagaRepository
	queue       queue.Queue
	writer      service.StoryWriter
	illustrator service.Illustrator
	notifier    service.Notifier
	logger      *zap.Logger
}

// NewJobHandler creates the per-job generation handler.
func NewJobHandler(
	repo repository.SagaRepository,
	q queue.Queue,
	writer service.StoryWriter,
	illustrator service.Illustrator,
	notifier service.Notifier,
	logger *zap.Logger,
) *JobHandler {
	return &JobHandler{
		repo:        repo,
		queue:       q,
		writer:      writer,
		illustrator: illustrator,
		notifier:    notifier,
		logger:      logger.Named("JobHandler"),
	}
}

// Handle processes one job end to end. The returned error is for
// logging; all store/queue bookkeeping has already happened by the time
// it returns.
func (h *JobHandler) Handle(ctx context.Context, job *queue.Job) error {
	metricsJobReceived()
	start := time.Now()

	sagaID := job.Data.SagaID
	sourceID := job.Data.SourceID
	log := h.logger.With(
		zap.String("jobID", job.ID),
		zap.String("sagaID", sagaID.String()),
		zap.String("sourceID", sourceID),
		zap.Int("attemptsMade", job.AttemptsMade))
	log.Info("Processing generation job")

	defer func() {
		metricsJobDuration(time.Since(start))
	}()

	// Stage: text generation
	if err := h.repo.Transition(ctx, sagaID, models.StatusGeneratingText, "Generating story text"); err != nil {
		// A saga force-failed or swept before the claim must not be
		// regenerated; record the job failed without touching the store.
		if errors.Is(err, models.ErrAlreadyTerminal) || errors.Is(err, models.ErrNotFound) {
			reason := fmt.Sprintf("saga not claimable: %v", err)
			log.Warn("Skipping job for non-claimable saga", zap.Error(err))
			metricsJobFailed("saga_not_claimable")
			h.markJobFailed(ctx, log, job.ID, reason)
			return err
		}
		metricsJobFailed("store_error")
		h.markJobFailed(ctx, log, job.ID, err.Error())
		return fmt.Errorf("failed to enter text stage for saga %s: %w", sagaID, err)
	}

	draft, usage, err := h.writer.GenerateStory(ctx, sourceID)
	if err != nil {
		return h.failSaga(ctx, log, job, "text_generation", err, start, 0)
	}
	totalCost := usage.EstimatedCostUSD

	// Stage: image generation
	if err := h.repo.SetStoryPlan(ctx, sagaID, len(draft.Pages), draft.TotalPanels()); err != nil {
		return h.failSaga(ctx, log, job, "store_error", err, start, totalCost)
	}
	if err := h.repo.Transition(ctx, sagaID, models.StatusGeneratingImages, "Generating page images"); err != nil {
		return h.failSaga(ctx, log, job, "store_error", err, start, totalCost)
	}

	for _, plan := range draft.Pages {
		imageURL, imageCost, err := h.illustrator.GeneratePageImage(ctx, sagaID, plan)
		if err != nil {
			// One failed page aborts the whole job; pages already
			// appended stay visible on the failed saga.
			return h.failSaga(ctx, log, job, "image_generation", err, start, totalCost)
		}
		totalCost += imageCost

		page := models.Page{
			PageNumber:   plan.PageNumber,
			PageImageURL: imageURL,
			Panels:       plan.Panels,
		}
		if err := h.repo.AppendPage(ctx, sagaID, page); err != nil {
			return h.failSaga(ctx, log, job, "store_error", err, start, totalCost)
		}
		metricsPageGenerated()
		log.Info("Page persisted", zap.Int("pageNumber", plan.PageNumber), zap.Int("totalPages", len(draft.Pages)))
	}

	// Finalize: store first, then queue.
	result := models.TerminalResult{
		StoryText:             draft.StoryText,
		GenerationTimeSeconds: time.Since(start).Seconds(),
		CostUSD:               totalCost,
	}
	if err := h.repo.SetTerminal(ctx, sagaID, models.StatusCompleted, result); err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			// An operator override won the race; the first terminal result
			// stands and the job must not report success.
			reason := "saga reached a terminal status outside the worker"
			log.Warn("Completion lost to an earlier terminal write")
			metricsJobFailed("terminal_race")
			h.markJobFailed(ctx, log, job.ID, reason)
			return err
		}
		return h.failSaga(ctx, log, job, "store_error", err, start, totalCost)
	}

	if err := h.queue.MarkCompleted(ctx, job.ID); err != nil {
		// The saga is already completed in the store, which is
		// authoritative; the job record lagging is diagnosable.
		log.Error("Failed to mark job completed after saga completion", zap.Error(err))
	}

	h.notify(ctx, log, service.SagaEventPayload{
		SagaID:     sagaID.String(),
		SourceID:   sourceID,
		Status:     models.StatusCompleted,
		OccurredAt: time.Now().UTC(),
	})

	metricsJobSucceeded()
	metricsAddGenerationCost(totalCost)
	log.Info("Saga generation completed",
		zap.Int("totalPages", len(draft.Pages)),
		zap.Duration("duration", time.Since(start)),
		zap.Float64("costUsd", totalCost))
	return nil
}

// failSaga records a collaborator or store failure: saga terminal first,
// then job, then a best-effort notification.
func (h *JobHandler) failSaga(ctx context.Context, log *zap.Logger, job *queue.Job, reasonLabel string, cause error, start time.Time, costSoFar float64) error {
	reason := cause.Error()
	log.Error("Generation job failed", zap.String("stage", reasonLabel), zap.Error(cause))
	metricsJobFailed(reasonLabel)

	result := models.TerminalResult{
		ErrorDetails:          reason,
		GenerationTimeSeconds: time.Since(start).Seconds(),
		CostUSD:               costSoFar,
	}
	if err := h.repo.SetTerminal(ctx, job.Data.SagaID, models.StatusFailed, result); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		log.Error("Failed to mark saga failed", zap.Error(err))
	}

	h.markJobFailed(ctx, log, job.ID, reason)

	h.notify(ctx, log, service.SagaEventPayload{
		SagaID:       job.Data.SagaID.String(),
		SourceID:     job.Data.SourceID,
		Status:       models.StatusFailed,
		ErrorDetails: reason,
		OccurredAt:   time.Now().UTC(),
	})

	return fmt.Errorf("%w: %v", models.ErrCollaboratorFailure, cause)
}

func (h *JobHandler) markJobFailed(ctx context.Context, log *zap.Logger, jobID, reason string) {
	if err := h.queue.MarkFailed(ctx, jobID, reason); err != nil {
		log.Error("Failed to mark job failed", zap.String("jobID", jobID), zap.Error(err))
	}
}

// notify is best-effort: a notification failure never changes the
// saga's terminal outcome.
func (h *JobHandler) notify(ctx context.Context, log *zap.Logger, payload service.SagaEventPayload) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx, payload); err != nil {
		log.Warn("Failed to publish saga event", zap.Error(err))
	}
}
