package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"saga-server/internal/models"
	"saga-server/internal/repository"
)

// Mock SagaRepository
type SagaRepository struct {
	mock.Mock
}

var _ repository.SagaRepository = (*SagaRepository)(nil)

func (m *SagaRepository) Create(ctx context.Context, sourceID string) (*models.Saga, error) {
	args := m.Called(ctx, sourceID)
	saga, _ := args.Get(0).(*models.Saga)
	return saga, args.Error(1)
}

func (m *SagaRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Saga, error) {
	args := m.Called(ctx, id)
	saga, _ := args.Get(0).(*models.Saga)
	return saga, args.Error(1)
}

func (m *SagaRepository) Transition(ctx context.Context, id uuid.UUID, status models.SagaStatus, currentStep string) error {
	args := m.Called(ctx, id, status, currentStep)
	return args.Error(0)
}

func (m *SagaRepository) SetStoryPlan(ctx context.Context, id uuid.UUID, totalPages, totalPanels int) error {
	args := m.Called(ctx, id, totalPages, totalPanels)
	return args.Error(0)
}

func (m *SagaRepository) AppendPage(ctx context.Context, id uuid.UUID, page models.Page) error {
	args := m.Called(ctx, id, page)
	return args.Error(0)
}

func (m *SagaRepository) SetTerminal(ctx context.Context, id uuid.UUID, status models.SagaStatus, result models.TerminalResult) error {
	args := m.Called(ctx, id, status, result)
	return args.Error(0)
}

func (m *SagaRepository) ForceSetStatus(ctx context.Context, id uuid.UUID, status models.SagaStatus, currentStep string, errorDetails *string) error {
	args := m.Called(ctx, id, status, currentStep, errorDetails)
	return args.Error(0)
}

func (m *SagaRepository) SweepStale(ctx context.Context, threshold time.Duration) (int64, error) {
	args := m.Called(ctx, threshold)
	return args.Get(0).(int64), args.Error(1)
}
