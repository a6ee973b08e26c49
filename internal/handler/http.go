package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"saga-server/internal/models"
	"saga-server/internal/service"
)

// SubmitSagaRequest is the submission payload.
type SubmitSagaRequest struct {
	SourceID string `json:"sourceId" binding:"required"`
}

// SubmitSagaResponse acknowledges an accepted submission.
type SubmitSagaResponse struct {
	SagaID uuid.UUID `json:"sagaId"`
}

// SagaHandler serves the submission and status HTTP surface.
type SagaHandler struct {
	service service.SagaService
	logger  *zap.Logger
}

// NewSagaHandler creates a SagaHandler.
func NewSagaHandler(s service.SagaService, logger *zap.Logger) *SagaHandler {
	return &SagaHandler{
		service: s,
		logger:  logger.Named("SagaHandler"),
	}
}

// RegisterRoutes wires the saga routes into the engine.
func (h *SagaHandler) RegisterRoutes(r *gin.Engine) {
	r.POST("/sagas", h.submitSaga)
	r.GET("/sagas/:id", h.getSagaStatus)
	r.GET("/health", h.healthCheck)
}

// submitSaga accepts a generation request and returns 202 immediately;
// generation proceeds asynchronously.
func (h *SagaHandler) submitSaga(c *gin.Context) {
	var req SubmitSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	sagaID, err := h.service.Submit(c.Request.Context(), req.SourceID)
	if err != nil {
		if errors.Is(err, models.ErrQueueUnavailable) {
			h.logger.Error("Submission rejected, queue unavailable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Generation queue is unavailable, try again later"})
			return
		}
		h.logger.Error("Failed to submit saga", zap.String("sourceID", req.SourceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit saga"})
		return
	}

	c.JSON(http.StatusAccepted, SubmitSagaResponse{SagaID: sagaID})
}

// getSagaStatus returns the polling projection for one saga.
func (h *SagaHandler) getSagaStatus(c *gin.Context) {
	sagaID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid saga ID format"})
		return
	}

	projection, err := h.service.GetStatus(c.Request.Context(), sagaID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Saga not found"})
			return
		}
		h.logger.Error("Failed to get saga status", zap.String("sagaID", sagaID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get saga status"})
		return
	}

	c.JSON(http.StatusOK, projection)
}

func (h *SagaHandler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
