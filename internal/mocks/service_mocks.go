package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"saga-server/internal/service"
)

// Mock StoryWriter
type StoryWriter struct {
	mock.Mock
}

var _ service.StoryWriter = (*StoryWriter)(nil)

func (m *StoryWriter) GenerateStory(ctx context.Context, sourceID string) (*service.StoryDraft, service.UsageInfo, error) {
	args := m.Called(ctx, sourceID)
	draft, _ := args.Get(0).(*service.StoryDraft)
	usage, _ := args.Get(1).(service.UsageInfo)
	return draft, usage, args.Error(2)
}

// Mock Illustrator
type Illustrator struct {
	mock.Mock
}

var _ service.Illustrator = (*Illustrator)(nil)

func (m *Illustrator) GeneratePageImage(ctx context.Context, sagaID uuid.UUID, page service.PagePlan) (string, float64, error) {
	args := m.Called(ctx, sagaID, page)
	return args.String(0), args.Get(1).(float64), args.Error(2)
}

// Mock SagaService
type SagaService struct {
	mock.Mock
}

var _ service.SagaService = (*SagaService)(nil)

func (m *SagaService) Submit(ctx context.Context, sourceID string) (uuid.UUID, error) {
	args := m.Called(ctx, sourceID)
	id, _ := args.Get(0).(uuid.UUID)
	return id, args.Error(1)
}

func (m *SagaService) GetStatus(ctx context.Context, sagaID uuid.UUID) (*service.SagaStatusProjection, error) {
	args := m.Called(ctx, sagaID)
	projection, _ := args.Get(0).(*service.SagaStatusProjection)
	return projection, args.Error(1)
}

// Mock Notifier
type Notifier struct {
	mock.Mock
}

var _ service.Notifier = (*Notifier)(nil)

func (m *Notifier) Notify(ctx context.Context, payload service.SagaEventPayload) error {
	args := m.Called(ctx, payload)
	return args.Error(0)
}
