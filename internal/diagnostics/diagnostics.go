package diagnostics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"saga-server/internal/models"
	"saga-server/internal/queue"
	"saga-server/internal/repository"
)

// DefaultStaleThreshold is how long a generating saga may go without a
// store update before it is considered stuck.
const DefaultStaleThreshold = 300 * time.Second

// Report is the result of cross-referencing one saga against the queue.
type Report struct {
	Saga               *models.Saga
	Job                *queue.Job // nil when no job references the saga
	MatchedBy          string     // "sagaId", "sourceId", or "" when no job found
	SecondsSinceUpdate float64
	Stuck              bool
	Recommendation     string
}

// ClearReport summarizes a bulk queue clear.
type ClearReport struct {
	RemovedWaiting int
	RemovedDelayed int
	FailedActive   int
}

// Diagnostics inspects store/queue consistency and supports manual
// remediation. The store and the queue have independent lifecycles;
// nothing here couples them beyond the sagaId back-reference.
type Diagnostics struct {
	repo           repository.SagaRepository
	queue          queue.Queue
	staleThreshold time.Duration
	logger         *zap.Logger
}

// New creates a Diagnostics facade. A non-positive threshold falls back
// to DefaultStaleThreshold.
func New(repo repository.SagaRepository, q queue.Queue, staleThreshold time.Duration, logger *zap.Logger) *Diagnostics {
	if staleThreshold <= 0 {
		staleThreshold = DefaultStaleThreshold
	}
	return &Diagnostics{
		repo:           repo,
		queue:          q,
		staleThreshold: staleThreshold,
		logger:         logger.Named("Diagnostics"),
	}
}

// Diagnose reads the saga, locates its job across all queue states and
// renders a staleness verdict. Detection is advisory: nothing is mutated.
func (d *Diagnostics) Diagnose(ctx context.Context, sagaID uuid.UUID) (*Report, error) {
	saga, err := d.repo.GetByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	job, matchedBy, err := d.findJob(ctx, saga)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Saga:               saga,
		Job:                job,
		MatchedBy:          matchedBy,
		SecondsSinceUpdate: time.Since(saga.UpdatedAt).Seconds(),
	}

	generating := saga.Status == models.StatusGeneratingText || saga.Status == models.StatusGeneratingImages
	stale := report.SecondsSinceUpdate > d.staleThreshold.Seconds()

	switch {
	case saga.Status.IsTerminal():
		report.Recommendation = "saga is terminal; no action needed"
	case generating && stale && (job == nil || job.State != queue.StateActive):
		// The worker is gone: progress stalled and nothing claims the work.
		report.Stuck = true
		report.Recommendation = "stuck: no active job and no recent progress; force-fail or requeue"
	case generating && stale && job != nil && job.State == queue.StateActive:
		// The job looks live but the store stopped moving; the worker
		// likely crashed or hung after the claim.
		report.Stuck = true
		report.Recommendation = "stuck: job active but saga has not updated; worker likely crashed or hung"
	case saga.Status == models.StatusPending && job == nil:
		report.Recommendation = "pending saga has no job; requeue to schedule generation"
	default:
		report.Recommendation = "healthy: generation progressing or awaiting dispatch"
	}

	d.logger.Info("Saga diagnosed",
		zap.String("sagaID", sagaID.String()),
		zap.String("status", string(saga.Status)),
		zap.Float64("secondsSinceUpdate", report.SecondsSinceUpdate),
		zap.Bool("stuck", report.Stuck),
		zap.String("matchedBy", matchedBy))
	return report, nil
}

// findJob scans every queue state for the job referencing the saga. If
// no job carries the exact saga id (a requeue may have dropped the
// association), it falls back to matching by source id.
func (d *Diagnostics) findJob(ctx context.Context, saga *models.Saga) (*queue.Job, string, error) {
	states := []queue.JobState{
		queue.StateActive,
		queue.StateWaiting,
		queue.StateDelayed,
		queue.StateFailed,
		queue.StateCompleted,
	}

	var sourceMatch *queue.Job
	for _, state := range states {
		jobs, err := d.queue.ListByState(ctx, state)
		if err != nil {
			return nil, "", fmt.Errorf("failed to list %s jobs: %w", state, err)
		}
		for i := range jobs {
			if jobs[i].Data.SagaID == saga.ID {
				return &jobs[i], "sagaId", nil
			}
			if sourceMatch == nil && jobs[i].Data.SourceID == saga.SourceID {
				sourceMatch = &jobs[i]
			}
		}
	}
	if sourceMatch != nil {
		return sourceMatch, "sourceId", nil
	}
	return nil, "", nil
}

// ClearQueue removes every waiting and delayed job and force-fails then
// removes every active job, so no job vanishes without a terminal
// record. The saga store is deliberately untouched: sagas left in a
// generating status stay stuck until force-failed or requeued.
func (d *Diagnostics) ClearQueue(ctx context.Context) (*ClearReport, error) {
	report := &ClearReport{}

	for _, state := range []queue.JobState{queue.StateWaiting, queue.StateDelayed} {
		jobs, err := d.queue.ListByState(ctx, state)
		if err != nil {
			return report, fmt.Errorf("failed to list %s jobs: %w", state, err)
		}
		for _, job := range jobs {
			if err := d.queue.Remove(ctx, job.ID); err != nil {
				return report, fmt.Errorf("failed to remove %s job %s: %w", state, job.ID, err)
			}
			if state == queue.StateWaiting {
				report.RemovedWaiting++
			} else {
				report.RemovedDelayed++
			}
		}
	}

	active, err := d.queue.ListByState(ctx, queue.StateActive)
	if err != nil {
		return report, fmt.Errorf("failed to list active jobs: %w", err)
	}
	for _, job := range active {
		if err := d.queue.MarkFailed(ctx, job.ID, "force-failed by queue clear"); err != nil {
			return report, fmt.Errorf("failed to force-fail active job %s: %w", job.ID, err)
		}
		if err := d.queue.Remove(ctx, job.ID); err != nil {
			return report, fmt.Errorf("failed to remove active job %s: %w", job.ID, err)
		}
		report.FailedActive++
	}

	d.logger.Warn("Queue cleared",
		zap.Int("removedWaiting", report.RemovedWaiting),
		zap.Int("removedDelayed", report.RemovedDelayed),
		zap.Int("failedActive", report.FailedActive))
	return report, nil
}

// ForceFail stamps the saga failed through the override path, keeping
// any pages already appended.
func (d *Diagnostics) ForceFail(ctx context.Context, sagaID uuid.UUID, reason string) error {
	d.logger.Warn("Force-failing saga via manual override",
		zap.String("sagaID", sagaID.String()),
		zap.String("reason", reason))
	return d.repo.ForceSetStatus(ctx, sagaID, models.StatusFailed, "Failed (manual override)", &reason)
}

// Requeue resets the saga to pending through the override path and
// enqueues a fresh job, returning the new job id.
func (d *Diagnostics) Requeue(ctx context.Context, sagaID uuid.UUID) (string, error) {
	saga, err := d.repo.GetByID(ctx, sagaID)
	if err != nil {
		return "", err
	}

	d.logger.Warn("Requeuing saga via manual override", zap.String("sagaID", sagaID.String()))
	if err := d.repo.ForceSetStatus(ctx, sagaID, models.StatusPending, "Requeued for generation", nil); err != nil {
		return "", err
	}

	jobID, err := d.queue.Enqueue(ctx, sagaID, saga.SourceID)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job for requeued saga %s: %w", sagaID, err)
	}

	d.logger.Info("Saga requeued",
		zap.String("sagaID", sagaID.String()),
		zap.String("jobID", jobID))
	return jobID, nil
}

// SweepStale bulk-fails sagas stuck in a generating stage longer than
// the configured threshold.
func (d *Diagnostics) SweepStale(ctx context.Context) (int64, error) {
	return d.repo.SweepStale(ctx, d.staleThreshold)
}
