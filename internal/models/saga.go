package models

import (
	"time"

	"github.com/google/uuid"
)

// SagaStatus represents the lifecycle stage of a saga.
type SagaStatus string

const (
	StatusPending          SagaStatus = "pending"
	StatusGeneratingText   SagaStatus = "generating_text"
	StatusGeneratingImages SagaStatus = "generating_images"
	StatusCompleted        SagaStatus = "completed"
	StatusFailed           SagaStatus = "failed"
)

// statusRank defines the forward-only stage ordering. Terminal statuses
// share the highest rank so neither can replace the other.
var statusRank = map[SagaStatus]int{
	StatusPending:          0,
	StatusGeneratingText:   1,
	StatusGeneratingImages: 2,
	StatusCompleted:        3,
	StatusFailed:           3,
}

// Rank returns the stage order of the status, or -1 for an unknown status.
func (s SagaStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// IsTerminal reports whether no further mutation is permitted.
func (s SagaStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving to next is a legal forward
// transition through the normal (non-override) path.
func (s SagaStatus) CanTransitionTo(next SagaStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.Rank() > s.Rank()
}

// Panel is one narrative beat within a page.
type Panel struct {
	PanelNumber int    `json:"panelNumber"`
	Description string `json:"description"`
	Dialogue    string `json:"dialogue,omitempty"`
}

// Page is one unit of generated output within a saga. PageImageURL stays
// empty until the image stage for the page succeeds.
type Page struct {
	PageNumber   int     `json:"pageNumber"`
	PageImageURL string  `json:"pageImageUrl,omitempty"`
	Panels       []Panel `json:"panels"`
}

// Saga is the durable record of one multi-page generated narrative.
// The store is the source of truth for user-visible progress; queue jobs
// only reference it by ID.
type Saga struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	SourceID              string     `json:"sourceId" db:"source_id"`
	Status                SagaStatus `json:"status" db:"status"`
	ProgressPercent       int        `json:"progressPercent" db:"progress_percent"`
	CurrentStep           string     `json:"currentStep" db:"current_step"`
	Pages                 []Page     `json:"pages" db:"pages"`
	TotalPages            int        `json:"totalPages" db:"total_pages"`
	TotalPanels           int        `json:"totalPanels" db:"total_panels"`
	StoryText             string     `json:"storyText,omitempty" db:"story_text"`
	GenerationTimeSeconds float64    `json:"generationTimeSeconds,omitempty" db:"generation_time_seconds"`
	CostUSD               float64    `json:"costUsd,omitempty" db:"cost_usd"`
	ErrorDetails          string     `json:"errorDetails,omitempty" db:"error_details"`
	CreatedAt             time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt             time.Time  `json:"updatedAt" db:"updated_at"`
}

// TerminalResult carries the final-result metadata written exactly once
// when a saga reaches a terminal status.
type TerminalResult struct {
	StoryText             string
	GenerationTimeSeconds float64
	CostUSD               float64
	ErrorDetails          string
}
