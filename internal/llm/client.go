package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docuflow/backend/pkg/circuitbreaker"
	"github.com/docuflow/backend/pkg/errs"
	"github.com/docuflow/backend/pkg/logger"
	"github.com/docuflow/backend/pkg/retry"
)

// Client is the long-lived handle to the language-model and embedding
// capability. Completion calls are made exactly once per invocation; retry
// policy for generation lives in the orchestrator. Embedding calls retry
// transient failures locally because the ingestion pipeline owns no retry
// loop of its own below the batch level.
type Client struct {
	client            *openai.Client
	model             string
	embeddingModel    string
	temperature       float32
	maxTokens         int
	completionTimeout time.Duration
	embeddingTimeout  time.Duration
	cb                *circuitbreaker.CircuitBreaker
	embedRetry        retry.Config
}

type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Config struct {
	APIKey               string
	Model                string
	EmbeddingModel       string
	Temperature          float32
	MaxTokens            int
	CompletionTimeoutSec int
	EmbeddingTimeoutSec  int
}

func NewClient(cfg Config) *Client {
	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	embedRetry := retry.Config{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		Multiplier:      2.0,
		JitterFraction:  0.1,
		RetryableErrors: []error{errs.ErrTransientProvider},
		Logger:          logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
	)

	return &Client{
		client:            openai.NewClient(cfg.APIKey),
		model:             cfg.Model,
		embeddingModel:    cfg.EmbeddingModel,
		temperature:       cfg.Temperature,
		maxTokens:         cfg.MaxTokens,
		completionTimeout: time.Duration(cfg.CompletionTimeoutSec) * time.Second,
		embeddingTimeout:  time.Duration(cfg.EmbeddingTimeoutSec) * time.Second,
		cb:                cb,
		embedRetry:        embedRetry,
	}
}

// Complete performs a single chat completion attempt. No hidden retries.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.completionTimeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		resp, err := c.client.CreateChatCompletion(
			ctx,
			openai.ChatCompletionRequest{
				Model:       model,
				Messages:    messages,
				Temperature: temperature,
				MaxTokens:   maxTokens,
			},
		)
		if err != nil {
			return err
		}

		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}

		logger.Debug("LLM completion generated",
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		)

		result = &CompletionResponse{
			Content: resp.Choices[0].Message.Content,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})
	if err != nil {
		return nil, classify(errs.StageGenerate, err)
	}

	return result, nil
}

// Embed returns the embedding for a single query string.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds a batch of texts in one provider round-trip, retrying
// transient failures with backoff.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.embeddingTimeout)
	defer cancel()

	var embeddings [][]float32

	err := retry.Do(ctx, c.embedRetry, func() error {
		var innerErr error
		cbErr := c.cb.Execute(ctx, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: texts,
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return err
			}

			if len(resp.Data) != len(texts) {
				return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(resp.Data), len(texts))
			}

			embeddings = make([][]float32, len(resp.Data))
			for i, data := range resp.Data {
				vector := make([]float32, len(data.Embedding))
				copy(vector, data.Embedding)
				embeddings[i] = vector
			}
			return nil
		})
		if cbErr != nil {
			innerErr = classify(errs.StageEmbed, cbErr)
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))
	return embeddings, nil
}

// classify maps provider failures onto the pipeline error taxonomy so the
// caller can tell a retryable outage from a terminal rejection.
func classify(stage errs.Stage, err error) error {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return errs.Transient(stage, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(stage, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500:
			return errs.Transient(stage, err)
		case codeContains(apiErr, "context_length_exceeded"):
			return errs.Capacity(stage, err)
		case codeContains(apiErr, "content_policy") || codeContains(apiErr, "content_filter"):
			return errs.Content(stage, err)
		default:
			return errs.Content(stage, err)
		}
	}

	// Network-level failures have no API error payload.
	return errs.Transient(stage, err)
}

func codeContains(apiErr *openai.APIError, needle string) bool {
	if code, ok := apiErr.Code.(string); ok && strings.Contains(code, needle) {
		return true
	}
	return strings.Contains(apiErr.Type, needle)
}
