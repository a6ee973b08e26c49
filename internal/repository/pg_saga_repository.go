package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"saga-server/internal/models"
)

// SQL for saga operations. Ranks in the transition query mirror
// models.SagaStatus.Rank so the forward-only check happens atomically in
// the UPDATE itself.
const (
	insertSagaQuery = `
        INSERT INTO sagas
        (id, source_id, status, progress_percent, current_step, pages, total_pages, total_panels, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, '[]'::jsonb, 0, 0, $6, $6)
    `
	getSagaQuery = `
        SELECT id, source_id, status, progress_percent, current_step, pages,
               total_pages, total_panels,
               COALESCE(story_text, '') AS story_text,
               COALESCE(generation_time_seconds, 0) AS generation_time_seconds,
               COALESCE(cost_usd, 0) AS cost_usd,
               COALESCE(error_details, '') AS error_details,
               created_at, updated_at
        FROM sagas WHERE id = $1
    `
	checkSagaStatusQuery = `SELECT status FROM sagas WHERE id = $1`

	statusRankSQL = `CASE %s
        WHEN 'pending' THEN 0
        WHEN 'generating_text' THEN 1
        WHEN 'generating_images' THEN 2
        ELSE 3 END`

	setStoryPlanQuery = `
        UPDATE sagas
        SET total_pages = $2, total_panels = $3, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('completed', 'failed')
    `
	appendPageQuery = `
        UPDATE sagas
        SET pages = pages || $2::jsonb,
            progress_percent = CASE
                WHEN total_pages > 0
                    THEN LEAST(100, ((jsonb_array_length(pages) + 1) * 100) / total_pages)
                ELSE progress_percent END,
            current_step = $3,
            updated_at = NOW()
        WHERE id = $1
          AND status = 'generating_images'
          AND (total_pages = 0 OR jsonb_array_length(pages) < total_pages)
    `
	checkPageRoomQuery = `SELECT status, total_pages, jsonb_array_length(pages) FROM sagas WHERE id = $1`

	setTerminalQuery = `
        UPDATE sagas
        SET status = $2::saga_status,
            story_text = NULLIF($3, ''),
            generation_time_seconds = $4,
            cost_usd = $5,
            error_details = NULLIF($6, ''),
            progress_percent = CASE WHEN $2 = 'completed' THEN 100 ELSE progress_percent END,
            current_step = $7,
            updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('completed', 'failed')
    `
	forceSetStatusQuery = `
        UPDATE sagas
        SET status = $2::saga_status, current_step = $3, error_details = $4, updated_at = NOW()
        WHERE id = $1
    `
	sweepStaleQuery = `
        UPDATE sagas
        SET status = 'failed', error_details = $1, updated_at = NOW()
        WHERE status = ANY($2::saga_status[]) AND updated_at < $3
    `
)

// Coarse stage-based progress estimates used before totalPages is known.
var stageProgress = map[models.SagaStatus]int{
	models.StatusPending:          0,
	models.StatusGeneratingText:   10,
	models.StatusGeneratingImages: 25,
}

// Compile-time check to ensure pgSagaRepository implements SagaRepository
var _ SagaRepository = (*pgSagaRepository)(nil)

type pgSagaRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPgSagaRepository creates a PostgreSQL-backed SagaRepository.
func NewPgSagaRepository(db *pgxpool.Pool, logger *zap.Logger) SagaRepository {
	return &pgSagaRepository{
		db:     db,
		logger: logger.Named("PgSagaRepo"),
	}
}

// sagaRow mirrors the sagas table; pages is raw jsonb decoded after scan.
type sagaRow struct {
	ID                    uuid.UUID         `db:"id"`
	SourceID              string            `db:"source_id"`
	Status                models.SagaStatus `db:"status"`
	ProgressPercent       int               `db:"progress_percent"`
	CurrentStep           string            `db:"current_step"`
	Pages                 []byte            `db:"pages"`
	TotalPages            int               `db:"total_pages"`
	TotalPanels           int               `db:"total_panels"`
	StoryText             string            `db:"story_text"`
	GenerationTimeSeconds float64           `db:"generation_time_seconds"`
	CostUSD               float64           `db:"cost_usd"`
	ErrorDetails          string            `db:"error_details"`
	CreatedAt             time.Time         `db:"created_at"`
	UpdatedAt             time.Time         `db:"updated_at"`
}

func (row *sagaRow) toModel() (*models.Saga, error) {
	pages := []models.Page{}
	if len(row.Pages) > 0 {
		if err := json.Unmarshal(row.Pages, &pages); err != nil {
			return nil, fmt.Errorf("corrupted pages data for saga %s: %w", row.ID, err)
		}
	}
	return &models.Saga{
		ID:                    row.ID,
		SourceID:              row.SourceID,
		Status:                row.Status,
		ProgressPercent:       row.ProgressPercent,
		CurrentStep:           row.CurrentStep,
		Pages:                 pages,
		TotalPages:            row.TotalPages,
		TotalPanels:           row.TotalPanels,
		StoryText:             row.StoryText,
		GenerationTimeSeconds: row.GenerationTimeSeconds,
		CostUSD:               row.CostUSD,
		ErrorDetails:          row.ErrorDetails,
		CreatedAt:             row.CreatedAt,
		UpdatedAt:             row.UpdatedAt,
	}, nil
}

func (r *pgSagaRepository) Create(ctx context.Context, sourceID string) (*models.Saga, error) {
	id := uuid.New()
	now := time.Now().UTC()
	currentStep := "Queued for generation"

	_, err := r.db.Exec(ctx, insertSagaQuery, id, sourceID, models.StatusPending, 0, currentStep, now)
	if err != nil {
		r.logger.Error("Failed to insert saga", zap.String("sourceID", sourceID), zap.Error(err))
		return nil, fmt.Errorf("failed to insert saga for source %s: %w", sourceID, err)
	}

	r.logger.Info("Saga created", zap.String("sagaID", id.String()), zap.String("sourceID", sourceID))
	return &models.Saga{
		ID:          id,
		SourceID:    sourceID,
		Status:      models.StatusPending,
		CurrentStep: currentStep,
		Pages:       []models.Page{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (r *pgSagaRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Saga, error) {
	var row sagaRow
	err := pgxscan.Get(ctx, r.db, &row, getSagaQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to query saga", zap.String("sagaID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to query saga %s: %w", id, err)
	}
	return row.toModel()
}

func (r *pgSagaRepository) Transition(ctx context.Context, id uuid.UUID, status models.SagaStatus, currentStep string) error {
	logFields := []zap.Field{
		zap.String("sagaID", id.String()),
		zap.String("newStatus", string(status)),
	}

	query := fmt.Sprintf(`
        UPDATE sagas
        SET status = $2::saga_status,
            current_step = $3,
            progress_percent = GREATEST(progress_percent, $4),
            updated_at = NOW()
        WHERE id = $1
          AND status NOT IN ('completed', 'failed')
          AND (%s) < (%s)`,
		fmt.Sprintf(statusRankSQL, "status"),
		fmt.Sprintf(statusRankSQL, "$2::saga_status"))

	tag, err := r.db.Exec(ctx, query, id, status, currentStep, stageProgress[status])
	if err != nil {
		r.logger.Error("Failed to transition saga status", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to transition saga %s to %s: %w", id, status, err)
	}

	if tag.RowsAffected() == 0 {
		return r.classifyTransitionFailure(ctx, id, status, logFields)
	}

	r.logger.Info("Saga status transitioned", logFields...)
	return nil
}

// classifyTransitionFailure distinguishes why a guarded UPDATE matched no
// rows: missing saga, terminal saga, or an ordering violation.
func (r *pgSagaRepository) classifyTransitionFailure(ctx context.Context, id uuid.UUID, requested models.SagaStatus, logFields []zap.Field) error {
	var current models.SagaStatus
	err := r.db.QueryRow(ctx, checkSagaStatusQuery, id).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.Warn("Attempted transition on non-existent saga", logFields...)
			return models.ErrNotFound
		}
		return fmt.Errorf("failed to check saga %s after transition failure: %w", id, err)
	}

	if current.IsTerminal() {
		r.logger.Warn("Attempted transition on terminal saga",
			append(logFields, zap.String("currentStatus", string(current)))...)
		return models.ErrAlreadyTerminal
	}

	r.logger.Warn("Attempted illegal saga status regression",
		append(logFields, zap.String("currentStatus", string(current)))...)
	return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, current, requested)
}

func (r *pgSagaRepository) SetStoryPlan(ctx context.Context, id uuid.UUID, totalPages, totalPanels int) error {
	logFields := []zap.Field{
		zap.String("sagaID", id.String()),
		zap.Int("totalPages", totalPages),
		zap.Int("totalPanels", totalPanels),
	}

	tag, err := r.db.Exec(ctx, setStoryPlanQuery, id, totalPages, totalPanels)
	if err != nil {
		r.logger.Error("Failed to set story plan", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to set story plan for saga %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyTransitionFailure(ctx, id, models.StatusGeneratingImages, logFields)
	}

	r.logger.Info("Story plan recorded", logFields...)
	return nil
}

func (r *pgSagaRepository) AppendPage(ctx context.Context, id uuid.UUID, page models.Page) error {
	logFields := []zap.Field{
		zap.String("sagaID", id.String()),
		zap.Int("pageNumber", page.PageNumber),
	}

	pageJSON, err := json.Marshal([]models.Page{page})
	if err != nil {
		return fmt.Errorf("failed to marshal page %d for saga %s: %w", page.PageNumber, id, err)
	}
	currentStep := fmt.Sprintf("Generated page %d", page.PageNumber)

	tag, err := r.db.Exec(ctx, appendPageQuery, id, pageJSON, currentStep)
	if err != nil {
		r.logger.Error("Failed to append page", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to append page %d to saga %s: %w", page.PageNumber, id, err)
	}

	if tag.RowsAffected() == 0 {
		var status models.SagaStatus
		var totalPages, pageCount int
		checkErr := r.db.QueryRow(ctx, checkPageRoomQuery, id).Scan(&status, &totalPages, &pageCount)
		if checkErr != nil {
			if errors.Is(checkErr, pgx.ErrNoRows) {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to check saga %s after append failure: %w", id, checkErr)
		}
		if status.IsTerminal() {
			r.logger.Warn("Attempted page append on terminal saga", logFields...)
			return models.ErrAlreadyTerminal
		}
		if totalPages > 0 && pageCount >= totalPages {
			r.logger.Warn("Attempted page append past total pages",
				append(logFields, zap.Int("totalPages", totalPages), zap.Int("pageCount", pageCount))...)
			return models.ErrPageLimitExceeded
		}
		r.logger.Warn("Attempted page append outside image generation stage",
			append(logFields, zap.String("status", string(status)))...)
		return fmt.Errorf("%w: append page while %s", models.ErrInvalidTransition, status)
	}

	r.logger.Info("Page appended", logFields...)
	return nil
}

func (r *pgSagaRepository) SetTerminal(ctx context.Context, id uuid.UUID, status models.SagaStatus, result models.TerminalResult) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal status", models.ErrInvalidTransition, status)
	}

	logFields := []zap.Field{
		zap.String("sagaID", id.String()),
		zap.String("terminalStatus", string(status)),
		zap.Float64("generationTimeSeconds", result.GenerationTimeSeconds),
		zap.Float64("costUsd", result.CostUSD),
	}

	currentStep := "Completed"
	if status == models.StatusFailed {
		currentStep = "Failed"
	}

	tag, err := r.db.Exec(ctx, setTerminalQuery, id, status,
		result.StoryText, result.GenerationTimeSeconds, result.CostUSD, result.ErrorDetails, currentStep)
	if err != nil {
		r.logger.Error("Failed to set terminal status", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to set terminal status for saga %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		var current models.SagaStatus
		checkErr := r.db.QueryRow(ctx, checkSagaStatusQuery, id).Scan(&current)
		if checkErr != nil {
			if errors.Is(checkErr, pgx.ErrNoRows) {
				return models.ErrNotFound
			}
			return fmt.Errorf("failed to check saga %s after terminal write failure: %w", id, checkErr)
		}
		// The first terminal result stays intact.
		r.logger.Warn("Rejected double terminal write",
			append(logFields, zap.String("currentStatus", string(current)))...)
		return models.ErrAlreadyTerminal
	}

	r.logger.Info("Saga reached terminal status", logFields...)
	return nil
}

func (r *pgSagaRepository) ForceSetStatus(ctx context.Context, id uuid.UUID, status models.SagaStatus, currentStep string, errorDetails *string) error {
	logFields := []zap.Field{
		zap.String("sagaID", id.String()),
		zap.String("forcedStatus", string(status)),
	}
	if errorDetails != nil {
		logFields = append(logFields, zap.Stringp("errorDetails", errorDetails))
	}
	r.logger.Warn("Applying manual status override, bypassing forward-only ordering", logFields...)

	tag, err := r.db.Exec(ctx, forceSetStatusQuery, id, status, currentStep, errorDetails)
	if err != nil {
		r.logger.Error("Failed to force saga status", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to force status for saga %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("Attempted status override on non-existent saga", logFields...)
		return models.ErrNotFound
	}

	r.logger.Info("Saga status overridden", logFields...)
	return nil
}

func (r *pgSagaRepository) SweepStale(ctx context.Context, threshold time.Duration) (int64, error) {
	staleStatuses := []string{
		string(models.StatusGeneratingText),
		string(models.StatusGeneratingImages),
	}
	logFields := []zap.Field{
		zap.Duration("staleThreshold", threshold),
		zap.Strings("staleStatuses", staleStatuses),
	}
	r.logger.Info("Sweeping stale generating sagas", logFields...)

	errorMessage := "generation stalled past staleness threshold (marked by sweep)"
	cutoff := time.Now().UTC().Add(-threshold)

	tag, err := r.db.Exec(ctx, sweepStaleQuery, errorMessage, pq.Array(staleStatuses), cutoff)
	if err != nil {
		r.logger.Error("Failed to sweep stale sagas", append(logFields, zap.Error(err))...)
		return 0, fmt.Errorf("failed to sweep stale sagas: %w", err)
	}

	swept := tag.RowsAffected()
	r.logger.Info("Stale saga sweep completed", append(logFields, zap.Int64("sweptCount", swept))...)
	return swept, nil
}
