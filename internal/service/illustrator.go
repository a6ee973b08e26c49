package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"saga-server/internal/config"
)

// ErrImageGenerationFailed wraps failures of the image stage.
var ErrImageGenerationFailed = errors.New("page image generation failed")

// Illustrator renders one page image from its plan. Opaque collaborator;
// only the integration plumbing lives here.
type Illustrator interface {
	// GeneratePageImage returns the stored image URL and the cost in USD
	// of the generation call.
	GeneratePageImage(ctx context.Context, sagaID uuid.UUID, page PagePlan) (string, float64, error)
}

type httpIllustrator struct {
	client      *http.Client
	baseURL     string
	costUSD     float64
	styleSuffix string
	logger      *zap.Logger
}

// NewHTTPIllustrator creates an Illustrator backed by an HTTP image
// generation server.
func NewHTTPIllustrator(cfg *config.Config, logger *zap.Logger) Illustrator {
	return &httpIllustrator{
		client:      &http.Client{Timeout: cfg.ImageTimeout},
		baseURL:     strings.TrimRight(cfg.ImageServerURL, "/"),
		costUSD:     cfg.ImageCostUSD,
		styleSuffix: cfg.ImagePromptStyle,
		logger:      logger.Named("Illustrator"),
	}
}

type imageAPIRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

type imageAPIResponse struct {
	ImageURL string `json:"image_url"`
	Error    string `json:"error,omitempty"`
}

func (s *httpIllustrator) GeneratePageImage(ctx context.Context, sagaID uuid.UUID, page PagePlan) (string, float64, error) {
	log := s.logger.With(
		zap.String("sagaID", sagaID.String()),
		zap.Int("pageNumber", page.PageNumber))

	prompt := page.ImagePrompt
	if s.styleSuffix != "" {
		prompt = prompt + ", " + s.styleSuffix
	}

	body, err := json.Marshal(imageAPIRequest{Prompt: prompt, Ratio: "2:3"})
	if err != nil {
		return "", 0, fmt.Errorf("failed to marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		log.Error("Image server request failed", zap.Error(err))
		return "", 0, fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("%w: reading response: %v", ErrImageGenerationFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error("Image server returned non-OK status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", respBody))
		return "", 0, fmt.Errorf("%w: image server status %d", ErrImageGenerationFailed, resp.StatusCode)
	}

	var apiResp imageAPIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", 0, fmt.Errorf("%w: decoding response: %v", ErrImageGenerationFailed, err)
	}
	if apiResp.Error != "" {
		return "", 0, fmt.Errorf("%w: %s", ErrImageGenerationFailed, apiResp.Error)
	}
	if apiResp.ImageURL == "" {
		return "", 0, fmt.Errorf("%w: empty image URL in response", ErrImageGenerationFailed)
	}

	log.Info("Page image generated",
		zap.String("imageURL", apiResp.ImageURL),
		zap.Duration("duration", time.Since(start)))
	return apiResp.ImageURL, s.costUSD, nil
}
