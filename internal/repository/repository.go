package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"saga-server/internal/models"
)

// SagaRepository is the durable, independently-queryable record of saga
// state. The worker writes it; the status API and diagnostics read it.
type SagaRepository interface {
	// Create allocates a new pending saga for the source entity. Duplicate
	// in-flight sagas for the same sourceID are a caller concern.
	Create(ctx context.Context, sourceID string) (*models.Saga, error)

	// GetByID returns the saga or models.ErrNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Saga, error)

	// Transition enforces the forward-only stage ordering; regressions fail
	// with models.ErrInvalidTransition (models.ErrAlreadyTerminal once the
	// saga is terminal). currentStep is observability-only.
	Transition(ctx context.Context, id uuid.UUID, status models.SagaStatus, currentStep string) error

	// SetStoryPlan records the expected page/panel counts once the text
	// stage has produced the narrative structure.
	SetStoryPlan(ctx context.Context, id uuid.UUID, totalPages, totalPanels int) error

	// AppendPage atomically appends one page, recomputes progressPercent
	// and bumps updatedAt. Appending past totalPages fails with
	// models.ErrPageLimitExceeded.
	AppendPage(ctx context.Context, id uuid.UUID, page models.Page) error

	// SetTerminal writes the final result exactly once; a second call on an
	// already-terminal saga fails with models.ErrAlreadyTerminal.
	SetTerminal(ctx context.Context, id uuid.UUID, status models.SagaStatus, result models.TerminalResult) error

	// ForceSetStatus is the diagnostic override path: it bypasses the
	// forward-only check and logs that an override occurred.
	ForceSetStatus(ctx context.Context, id uuid.UUID, status models.SagaStatus, currentStep string, errorDetails *string) error

	// SweepStale marks sagas stuck in a generating stage beyond the
	// threshold as failed, returning how many rows were touched.
	SweepStale(ctx context.Context, threshold time.Duration) (int64, error)
}
