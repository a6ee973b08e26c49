package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"saga-server/internal/config"
	"saga-server/internal/models"
)

// Pricing per million tokens, used for the saga's cost bookkeeping.
const (
	pricePerMillionInputTokensUSD  = 0.1
	pricePerMillionOutputTokensUSD = 0.4
)

// ErrStoryGenerationFailed wraps failures of the narrative text stage.
var ErrStoryGenerationFailed = errors.New("story text generation failed")

// UsageInfo carries token and cost accounting for one collaborator call.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	EstimatedCostUSD float64
}

// PagePlan is the narrative structure for one page, produced by the text
// stage and consumed by the image stage.
type PagePlan struct {
	PageNumber  int            `json:"pageNumber"`
	ImagePrompt string         `json:"imagePrompt"`
	Panels      []models.Panel `json:"panels"`
}

// StoryDraft is the full output of the text stage.
type StoryDraft struct {
	Title     string     `json:"title"`
	StoryText string     `json:"storyText"`
	Pages     []PagePlan `json:"pages"`
}

// TotalPanels sums panel counts across all planned pages.
func (d *StoryDraft) TotalPanels() int {
	total := 0
	for _, p := range d.Pages {
		total += len(p.Panels)
	}
	return total
}

// StoryWriter turns a source entity's history into a page-structured
// narrative. The creative prompt logic is intentionally minimal; the
// collaborator is opaque to the pipeline.
type StoryWriter interface {
	GenerateStory(ctx context.Context, sourceID string) (*StoryDraft, UsageInfo, error)
}

const storySystemPrompt = `You are a comic saga writer. Given a game identifier, write a short ` +
	`multi-page illustrated saga about that game's history. Respond with a single JSON object: ` +
	`{"title": string, "storyText": string, "pages": [{"pageNumber": int, "imagePrompt": string, ` +
	`"panels": [{"panelNumber": int, "description": string, "dialogue": string}]}]}. ` +
	`Page numbers start at 1 and increase without gaps.`

type openAIStoryWriter struct {
	client    *openai.Client
	cfg       *config.Config
	logger    *zap.Logger
	tokenizer *tiktoken.Tiktoken
}

// NewOpenAIStoryWriter creates a StoryWriter backed by an OpenAI-compatible
// chat completion endpoint.
func NewOpenAIStoryWriter(cfg *config.Config, logger *zap.Logger) (StoryWriter, error) {
	if cfg.AIAPIKey == "" {
		return nil, errors.New("AI API key is not configured")
	}

	clientConfig := openai.DefaultConfig(cfg.AIAPIKey)
	clientConfig.BaseURL = cfg.AIBaseURL

	// cl100k_base covers the chat models we target; used only as a
	// fallback estimator when the API response omits usage.
	tokenizer, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	return &openAIStoryWriter{
		client:    openai.NewClientWithConfig(clientConfig),
		cfg:       cfg,
		logger:    logger.Named("StoryWriter"),
		tokenizer: tokenizer,
	}, nil
}

func (w *openAIStoryWriter) GenerateStory(ctx context.Context, sourceID string) (*StoryDraft, UsageInfo, error) {
	userInput := fmt.Sprintf("Write the saga for game %q.", sourceID)
	log := w.logger.With(zap.String("sourceID", sourceID), zap.String("model", w.cfg.AIModel))

	var lastErr error
	for attempt := 1; attempt <= w.cfg.AIMaxAttempts; attempt++ {
		callStart := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.AITimeout)
		resp, err := w.client.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model: w.cfg.AIModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: storySystemPrompt},
				{Role: openai.ChatMessageRoleUser, Content: userInput},
			},
			Temperature: 0.7,
		})
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				lastErr = fmt.Errorf("%w: empty choices in response", ErrStoryGenerationFailed)
			} else {
				content := resp.Choices[0].Message.Content
				draft, parseErr := parseStoryDraft(content)
				if parseErr == nil {
					usage := w.usageFromResponse(resp, storySystemPrompt+userInput, content)
					log.Info("Story text generated",
						zap.Int("attempt", attempt),
						zap.Duration("duration", time.Since(callStart)),
						zap.Int("totalPages", len(draft.Pages)),
						zap.Int("promptTokens", usage.PromptTokens),
						zap.Int("completionTokens", usage.CompletionTokens),
						zap.Float64("estimatedCostUsd", usage.EstimatedCostUSD))
					return draft, usage, nil
				}
				lastErr = fmt.Errorf("%w: %v", ErrStoryGenerationFailed, parseErr)
			}
		} else {
			lastErr = fmt.Errorf("%w: %v", ErrStoryGenerationFailed, err)
		}

		log.Warn("Story generation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", w.cfg.AIMaxAttempts),
			zap.Duration("duration", time.Since(callStart)),
			zap.Error(lastErr))

		if attempt == w.cfg.AIMaxAttempts {
			break
		}

		delay := float64(w.cfg.AIBaseRetryDelay) * math.Pow(2, float64(attempt-1))
		jitter := delay * 0.1
		delay += jitter * (rand.Float64()*2 - 1)
		wait := time.Duration(delay)
		if wait < w.cfg.AIBaseRetryDelay {
			wait = w.cfg.AIBaseRetryDelay
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, UsageInfo{}, ctx.Err()
		}
	}

	return nil, UsageInfo{}, lastErr
}

func (w *openAIStoryWriter) usageFromResponse(resp openai.ChatCompletionResponse, prompt, completion string) UsageInfo {
	usage := UsageInfo{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	// Some OpenAI-compatible backends omit usage; estimate locally then.
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage.PromptTokens = len(w.tokenizer.Encode(prompt, nil, nil))
		usage.CompletionTokens = len(w.tokenizer.Encode(completion, nil, nil))
	}
	usage.EstimatedCostUSD = float64(usage.PromptTokens)/1e6*pricePerMillionInputTokensUSD +
		float64(usage.CompletionTokens)/1e6*pricePerMillionOutputTokensUSD
	return usage
}

// parseStoryDraft decodes the model output, tolerating markdown code
// fences, and validates the page numbering invariant.
func parseStoryDraft(content string) (*StoryDraft, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var draft StoryDraft
	if err := json.Unmarshal([]byte(trimmed), &draft); err != nil {
		return nil, fmt.Errorf("failed to decode story draft JSON: %w", err)
	}
	if len(draft.Pages) == 0 {
		return nil, errors.New("story draft contains no pages")
	}
	for i, page := range draft.Pages {
		if page.PageNumber != i+1 {
			return nil, fmt.Errorf("page numbering broken at index %d: got %d, want %d", i, page.PageNumber, i+1)
		}
	}
	return &draft, nil
}
