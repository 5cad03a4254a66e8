package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/metrics"
)

// OpenAIDriver calls the chat-completions API through the go-openai client.
type OpenAIDriver struct {
	client     *openai.Client
	cfg        config.OpenAIConfig
	logger     *zap.Logger
	retryDelay time.Duration
}

// NewOpenAIDriver builds the driver. A missing API key is not an error: the
// driver reports Available()=false and callers route around it.
func NewOpenAIDriver(cfg config.OpenAIConfig, logger *zap.Logger) *OpenAIDriver {
	var client *openai.Client
	if cfg.APIKey != "" {
		client = openai.NewClient(cfg.APIKey)
	}
	return &OpenAIDriver{
		client:     client,
		cfg:        cfg,
		logger:     logger,
		retryDelay: 500 * time.Millisecond,
	}
}

func (d *OpenAIDriver) Name() string { return ProviderOpenAI }

func (d *OpenAIDriver) Available() bool { return d.client != nil }

// Send performs one chat completion with the configured timeout and up to
// MaxRetries attempts with fixed backoff.
func (d *OpenAIDriver) Send(ctx context.Context, messages []Message) (RawResponse, error) {
	if d.client == nil {
		return nil, fmt.Errorf("openai driver not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       d.cfg.Model,
		Temperature: d.cfg.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	attempts := d.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := d.client.CreateChatCompletion(ctx, req)
		if err == nil {
			metrics.ProviderCalls.WithLabelValues(ProviderOpenAI, "ok").Inc()
			return toRaw(resp)
		}
		lastErr = err
		metrics.ProviderCalls.WithLabelValues(ProviderOpenAI, "error").Inc()
		d.logger.Warn("openai call failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	var apiErr *openai.APIError
	if errors.As(lastErr, &apiErr) {
		return nil, &ProviderCallError{
			Provider:   ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Body:       apiErr.Message,
		}
	}
	return nil, fmt.Errorf("openai call failed after %d attempts: %w", attempts, lastErr)
}

// toRaw round-trips the typed response through JSON so callers see the
// provider's native chat-completions shape.
func toRaw(resp openai.ChatCompletionResponse) (RawResponse, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal openai response: %w", err)
	}
	var raw RawResponse
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	return raw, nil
}
