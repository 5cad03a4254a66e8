package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/cache"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/store"
)

const maxRegistrarLen = 255

// WhoisClient fetches WHOIS records for backlink source domains and distills
// them into the three signals the backlink record carries.
type WhoisClient struct {
	httpClient *http.Client
	cache      *cache.Cache
	cfg        config.WhoisConfig
	logger     *zap.Logger

	now func() time.Time
}

// NewWhoisClient builds the WHOIS client.
func NewWhoisClient(cfg config.WhoisConfig, c *cache.Cache, logger *zap.Logger) *WhoisClient {
	return &WhoisClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      c,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Lookup returns the raw WHOIS payload for domain, cached for the configured
// TTL. The raw shape is provider-defined; callers must go through
// ExtractSignals before persisting anything.
func (w *WhoisClient) Lookup(ctx context.Context, domain string) (map[string]interface{}, error) {
	key := w.cache.Key(domain)
	var cached map[string]interface{}
	if w.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	u := fmt.Sprintf("%s?domain=%s&apiKey=%s",
		w.cfg.BaseURL, url.QueryEscape(domain), url.QueryEscape(w.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build whois request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whois lookup for %s: %w", domain, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read whois response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whois lookup for %s: status %d", domain, resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode whois response: %w", err)
	}

	w.cache.SetJSON(ctx, key, raw, time.Duration(w.cfg.CacheTTLDays)*24*time.Hour)
	return raw, nil
}

// ExtractSignals distills a raw WHOIS payload. Registrar is truncated to the
// column limit; domain age prefers the provider's own estimate over a parsed
// creation date; registered flips to false only on an explicit missing-WHOIS
// signal. A payload that parses into nothing useful yields nil fields.
func (w *WhoisClient) ExtractSignals(raw map[string]interface{}) store.WhoisData {
	data := store.WhoisData{CheckedAt: w.now().UTC()}
	if raw == nil {
		return data
	}

	if s := asString(raw["registrar"]); s != nil {
		data.Registrar = truncate(*s, maxRegistrarLen)
	} else if obj, ok := raw["registrar"].(map[string]interface{}); ok {
		if s := asString(obj["name"]); s != nil {
			data.Registrar = truncate(*s, maxRegistrarLen)
		}
	}

	if age := asInt(raw["estimated_domain_age"]); age != nil {
		data.DomainAgeDays = age
	} else if age := asInt(raw["domain_age_days"]); age != nil {
		data.DomainAgeDays = age
	} else if created := w.parseCreatedDate(raw); created != nil {
		days := int(w.now().Sub(*created).Hours() / 24)
		data.DomainAgeDays = &days
	}

	registered := true
	if b := asBool(raw["registered"]); b != nil {
		registered = *b
	} else if missing := asBool(raw["data_error"]); missing != nil && *missing {
		registered = false
	} else if s := asString(raw["data_error"]); s != nil && *s == "missing_whois_data" {
		registered = false
	}
	data.Registered = &registered

	return data
}

var createdDateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (w *WhoisClient) parseCreatedDate(raw map[string]interface{}) *time.Time {
	var candidate *string
	for _, k := range []string{"created_date", "creation_date", "createdDate"} {
		if s := asString(raw[k]); s != nil {
			candidate = s
			break
		}
	}
	if candidate == nil {
		return nil
	}
	for _, layout := range createdDateLayouts {
		if t, err := time.Parse(layout, *candidate); err == nil {
			return &t
		}
	}
	w.logger.Debug("whois created date failed to parse", zap.String("value", *candidate))
	return nil
}
