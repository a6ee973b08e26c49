package service

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

// SagaStatusProjection is the read-only view served to polling clients.
type SagaStatusProjection struct {
	SagaID          uuid.UUID         `json:"sagaId"`
	SourceID        string            `json:"sourceId"`
	Status          models.SagaStatus `json:"status"`
	ProgressPercent int               `json:"progressPercent"`
	CurrentStep     string            `json:"currentStep"`
	Pages           []models.Page     `json:"pages"`
	TotalPages      int               `json:"totalPages"`
	ErrorDetails    string            `json:"errorDetails,omitempty"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// SagaService is the submission and status surface over the store and
// the queue.
type SagaService interface {
	// Submit creates a pending saga and enqueues its generation job,
	// returning immediately. Duplicate submissions for the same sourceID
	// each produce an independent saga.
	Submit(ctx context.Context, sourceID string) (uuid.UUID, error)
	// GetStatus is a pure read; it never mutates state.
	GetStatus(ctx context.Context, sagaID uuid.UUID) (*SagaStatusProjection, error)
}

type sagaService struct {
	repo   repository.SagaRepository
	queue  queue.Queue
	logger *zap.Logger
}

// NewSagaService creates the submission/status service.
func NewSagaService(repo repository.SagaRepository, q queue.Queue, logger *zap.Logger) SagaService {
	return &sagaService{
		repo:   repo,
		queue:  q,
		logger: logger.Named("SagaService"),
	}
}

func (s *sagaService) Submit(ctx context.Context, sourceID string) (uuid.UUID, error) {
	saga, err := s.repo.Create(ctx, sourceID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create saga for source %s: %w", sourceID, err)
	}

	jobID, err := s.queue.Enqueue(ctx, saga.ID, sourceID)
	if err != nil {
		// Stamp the saga failed so no permanently-pending orphan is left
		// behind; the store stays authoritative for user-visible state.
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if termErr := s.repo.SetTerminal(ctx, saga.ID, models.StatusFailed, models.TerminalResult{ErrorDetails: reason}); termErr != nil {
			s.logger.Error("Failed to mark saga failed after enqueue failure",
				zap.String("sagaID", saga.ID.String()),
				zap.Error(termErr))
		}
		return uuid.Nil, fmt.Errorf("failed to enqueue job for saga %s: %w", saga.ID, err)
	}

	s.logger.Info("Saga submitted",
		zap.String("sagaID", saga.ID.String()),
		zap.String("sourceID", sourceID),
		zap.String("jobID", jobID))
	return saga.ID, nil
}

func (s *sagaService) GetStatus(ctx context.Context, sagaID uuid.UUID) (*SagaStatusProjection, error) {
	saga, err := s.repo.GetByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	return &SagaStatusProjection{
		SagaID:          saga.ID,
		SourceID:        saga.SourceID,
		Status:          saga.Status,
		ProgressPercent: saga.ProgressPercent,
		CurrentStep:     saga.CurrentStep,
		Pages:           saga.Pages,
		TotalPages:      saga.TotalPages,
		ErrorDetails:    saga.ErrorDetails,
		UpdatedAt:       saga.UpdatedAt,
	}, nil
}
