package enrich

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/cache"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/store"
)

// PBN detector failure codes. Unlike WHOIS and Safe Browsing, PBN risk is
// load-bearing, so its failures surface to the caller as typed errors.
const (
	CodeNotConfigured   = "SERVICE_NOT_CONFIGURED"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeDetectionFailed = "PBN_DETECTION_FAILED"
)

// ServiceError is a PBN detector failure with an HTTP-like status and a
// machine-readable code.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("pbn detector: %s (%s)", e.Message, e.Code)
}

// PbnBacklink is one backlink in a PBN analysis request.
type PbnBacklink struct {
	SourceURL    string `json:"source_url"`
	SourceDomain string `json:"source_domain"`
	AnchorText   string `json:"anchor_text,omitempty"`
}

// PbnRequest is the analysis request body.
type PbnRequest struct {
	Domain    string                 `json:"domain"`
	TaskID    string                 `json:"task_id"`
	Backlinks []PbnBacklink          `json:"backlinks"`
	Summary   map[string]interface{} `json:"summary,omitempty"`
}

// PbnClient calls the external PBN risk-scoring microservice with HMAC-signed
// requests.
type PbnClient struct {
	httpClient   *http.Client
	healthClient *http.Client
	cache        *cache.Cache
	cfg          config.PbnDetectorConfig
	logger       *zap.Logger

	now        func() time.Time
	retryDelay time.Duration
}

// NewPbnClient builds the PBN detector client.
func NewPbnClient(cfg config.PbnDetectorConfig, c *cache.Cache, logger *zap.Logger) *PbnClient {
	return &PbnClient{
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		healthClient: &http.Client{Timeout: cfg.HealthTimeout},
		cache:        c,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		retryDelay:   500 * time.Millisecond,
	}
}

// Analyze runs a PBN risk analysis. The full response is cached for the
// configured TTL keyed by the request identity, so repeated identical
// requests are free. A failed /health pre-check aborts without attempting
// the main call.
func (p *PbnClient) Analyze(ctx context.Context, req PbnRequest) (map[string]interface{}, error) {
	if p.cfg.BaseURL == "" || p.cfg.SharedSecret == "" {
		return nil, &ServiceError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       CodeNotConfigured,
			Message:    "pbn detector base url or shared secret not configured",
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ServiceError{
			StatusCode: http.StatusInternalServerError,
			Code:       CodeDetectionFailed,
			Message:    fmt.Sprintf("encode request: %v", err),
		}
	}

	key := p.cacheKey(req)
	var cached map[string]interface{}
	if p.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	if err := p.healthCheck(ctx); err != nil {
		return nil, err
	}

	raw, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}

	p.cache.SetJSON(ctx, key, raw, time.Duration(p.cfg.CacheTTLHours)*time.Hour)
	return raw, nil
}

// cacheKey hashes the request identity: task, domain, backlink payload digest
// and backlink count.
func (p *PbnClient) cacheKey(req PbnRequest) string {
	linksJSON, _ := json.Marshal(req.Backlinks)
	digest := md5.Sum(linksJSON)
	identity := req.TaskID + req.Domain + hex.EncodeToString(digest[:]) + strconv.Itoa(len(req.Backlinks))
	return p.cache.Key(identity)
}

func (p *PbnClient) healthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/health", nil)
	if err != nil {
		return &ServiceError{StatusCode: http.StatusServiceUnavailable, Code: CodeUnavailable, Message: err.Error()}
	}
	resp, err := p.healthClient.Do(req)
	if err != nil {
		return &ServiceError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       CodeUnavailable,
			Message:    fmt.Sprintf("health check failed: %v", err),
		}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &ServiceError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       CodeUnavailable,
			Message:    fmt.Sprintf("health check returned %d", resp.StatusCode),
		}
	}
	return nil
}

func (p *PbnClient) post(ctx context.Context, body []byte) (map[string]interface{}, error) {
	timestamp := strconv.FormatInt(p.now().Unix(), 10)
	signature := p.sign(body, timestamp)

	var lastErr *ServiceError
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return nil, &ServiceError{StatusCode: http.StatusServiceUnavailable, Code: CodeDetectionFailed, Message: ctx.Err().Error()}
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/analyze", bytes.NewReader(body))
		if err != nil {
			return nil, &ServiceError{StatusCode: http.StatusInternalServerError, Code: CodeDetectionFailed, Message: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Signature", signature)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = &ServiceError{StatusCode: http.StatusBadGateway, Code: CodeDetectionFailed, Message: err.Error()}
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = &ServiceError{StatusCode: http.StatusBadGateway, Code: CodeDetectionFailed, Message: readErr.Error()}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			lastErr = &ServiceError{
				StatusCode: resp.StatusCode,
				Code:       CodeDetectionFailed,
				Message:    fmt.Sprintf("analyze returned %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
			}
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal(respBody, &raw); err != nil {
			return nil, &ServiceError{StatusCode: http.StatusBadGateway, Code: CodeDetectionFailed, Message: "response was not valid JSON"}
		}
		return raw, nil
	}
	return nil, lastErr
}

// sign computes the HMAC-SHA256 signature over body plus timestamp.
func (p *PbnClient) sign(body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(p.cfg.SharedSecret))
	mac.Write(body)
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// ExtractVerdict distills a raw analysis response into the persisted shape.
// risk_level defaults to "unknown" when absent.
func ExtractVerdict(raw map[string]interface{}, checkedAt time.Time) store.PbnData {
	data := store.PbnData{RiskLevel: "unknown", CheckedAt: checkedAt}
	if raw == nil {
		return data
	}
	if f := asFloat(raw["pbn_probability"]); f != nil {
		data.RiskScore = *f
	} else if f := asFloat(raw["risk_score"]); f != nil {
		data.RiskScore = *f
	}
	if s := asString(raw["risk_level"]); s != nil && *s != "" {
		data.RiskLevel = *s
	}
	if flags := asStringSlice(raw["pbn_reasons"]); flags != nil {
		data.Flags = flags
	} else if flags := asStringSlice(raw["pbn_signals"]); flags != nil {
		data.Flags = flags
	}
	return data
}
