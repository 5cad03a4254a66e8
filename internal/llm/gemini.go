package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/metrics"
)

// GeminiDriver calls the generateContent REST endpoint directly. There is no
// official Go SDK dependency here; the request/response shapes are small
// enough to model inline.
type GeminiDriver struct {
	cfg        config.GeminiConfig
	httpClient *http.Client
	logger     *zap.Logger
	retryDelay time.Duration
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// NewGeminiDriver builds the driver. Like OpenAI, a missing key degrades to
// Available()=false rather than failing construction.
func NewGeminiDriver(cfg config.GeminiConfig, logger *zap.Logger) *GeminiDriver {
	return &GeminiDriver{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
		retryDelay: 500 * time.Millisecond,
	}
}

func (d *GeminiDriver) Name() string { return ProviderGemini }

func (d *GeminiDriver) Available() bool { return d.cfg.APIKey != "" }

// Send posts the prompt to generateContent with up to MaxRetries attempts.
// System messages map to systemInstruction; everything else becomes a user
// content entry.
func (d *GeminiDriver) Send(ctx context.Context, messages []Message) (RawResponse, error) {
	if !d.Available() {
		return nil, fmt.Errorf("gemini driver not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	body := geminiRequest{}
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		default:
			body.Contents = append(body.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", d.cfg.BaseURL, d.cfg.Model, d.cfg.APIKey)

	attempts := d.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastStatus int
	var lastBody string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, status, respBody, err := d.post(ctx, url, payload)
		if err == nil && status >= 200 && status < 300 {
			metrics.ProviderCalls.WithLabelValues(ProviderGemini, "ok").Inc()
			return raw, nil
		}

		lastStatus, lastBody, lastErr = status, respBody, err
		metrics.ProviderCalls.WithLabelValues(ProviderGemini, "error").Inc()
		d.logger.Warn("gemini call failed",
			zap.Int("attempt", attempt),
			zap.Int("status", status),
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

	if lastErr != nil {
		return nil, fmt.Errorf("gemini call failed after %d attempts: %w", attempts, lastErr)
	}
	return nil, &ProviderCallError{
		Provider:   ProviderGemini,
		StatusCode: lastStatus,
		Body:       lastBody,
	}
}

func (d *GeminiDriver) post(ctx context.Context, url string, payload []byte) (RawResponse, int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, "", fmt.Errorf("build gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, 0, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, "", fmt.Errorf("read gemini response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, string(respBody), nil
	}

	var raw RawResponse
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, resp.StatusCode, string(respBody), fmt.Errorf("decode gemini response: %w", err)
	}
	return raw, resp.StatusCode, string(respBody), nil
}
