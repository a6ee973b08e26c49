package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"saga-server/internal/handler"
	"saga-server/internal/mocks"
	"saga-server/internal/models"
	"saga-server/internal/service"
)

func setupRouter(mockService *mocks.SagaService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := handler.NewSagaHandler(mockService, zap.NewNop())
	h.RegisterRoutes(router)
	return router
}

func TestSagaHandler_SubmitSaga(t *testing.T) {
	t.Run("Accepted submission returns 202 with saga id", func(t *testing.T) {
		mockService := &mocks.SagaService{}
		sagaID := uuid.New()
		mockService.On("Submit", mock.Anything, "game-42").Return(sagaID, nil).Once()

		router := setupRouter(mockService)
		body, _ := json.Marshal(handler.SubmitSagaRequest{SourceID: "game-42"})
		req := httptest.NewRequest(http.MethodPost, "/sagas", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		var resp handler.SubmitSagaResponse
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, sagaID, resp.SagaID)
		mockService.AssertExpectations(t)
	})

	t.Run("Missing sourceId returns 400", func(t *testing.T) {
		mockService := &mocks.SagaService{}
		router := setupRouter(mockService)

		req := httptest.NewRequest(http.MethodPost, "/sagas", bytes.NewReader([]byte(`{}`)))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		mockService.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("Queue outage returns 503", func(t *testing.T) {
		mockService := &mocks.SagaService{}
		mockService.On("Submit", mock.Anything, "game-42").
			Return(uuid.Nil, models.ErrQueueUnavailable).Once()

		router := setupRouter(mockService)
		body, _ := json.Marshal(handler.SubmitSagaRequest{SourceID: "game-42"})
		req := httptest.NewRequest(http.MethodPost, "/sagas", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		mockService.AssertExpectations(t)
	})
}

func TestSagaHandler_GetSagaStatus(t *testing.T) {
	t.Run("Known saga returns projection", func(t *testing.T) {
		mockService := &mocks.SagaService{}
		sagaID := uuid.New()
		projection := &service.SagaStatusProjection{
			SagaID:          sagaID,
			SourceID:        "game-42",
			Status:          models.StatusGeneratingImages,
			ProgressPercent: 60,
			CurrentStep:     "Generating page images",
			Pages:           []models.Page{{PageNumber: 1, PageImageURL: "http://img/1.png"}},
			TotalPages:      3,
			UpdatedAt:       time.Now().UTC(),
		}
		mockService.On("GetStatus", mock.Anything, sagaID).Return(projection, nil).Once()

		router := setupRouter(mockService)
		req := httptest.NewRequest(http.MethodGet, "/sagas/"+sagaID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var got service.SagaStatusProjection
		assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, sagaID, got.SagaID)
		assert.Equal(t, models.StatusGeneratingImages, got.Status)
		assert.Len(t, got.Pages, 1)
		mockService.AssertExpectations(t)
	})

	t.Run("Unknown saga returns 404", func(t *testing.T) {
		mockService := &mocks.SagaService{}
		sagaID := uuid.New()
		mockService.On("GetStatus", mock.Anything, sagaID).Return(nil, models.ErrNotFound).Once()

		router := setupRouter(mockService)
		req := httptest.NewRequest(http.MethodGet, "/sagas/"+sagaID.String(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		mockService.AssertExpectations(t)
	})

	t.Run("Malformed id returns 400", func(t *testing.T) {
		mockService := &mocks.SagaService{}
		router := setupRouter(mockService)

		req := httptest.NewRequest(http.MethodGet, "/sagas/not-a-uuid", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		mockService.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
	})
}
