package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/cache"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/store"
)

// threatTypes is the fixed list checked for every URL.
var threatTypes = []string{
	"MALWARE",
	"SOCIAL_ENGINEERING",
	"UNWANTED_SOFTWARE",
	"POTENTIALLY_HARMFUL_APPLICATION",
}

// SafeBrowsingClient checks backlink source URLs against the Safe Browsing
// threat-matching API.
type SafeBrowsingClient struct {
	httpClient *http.Client
	cache      *cache.Cache
	cfg        config.SafeBrowsingConfig
	logger     *zap.Logger

	now func() time.Time
}

// NewSafeBrowsingClient builds the Safe Browsing client.
func NewSafeBrowsingClient(cfg config.SafeBrowsingConfig, c *cache.Cache, logger *zap.Logger) *SafeBrowsingClient {
	return &SafeBrowsingClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cache:      c,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

type threatRequest struct {
	Client struct {
		ClientID      string `json:"clientId"`
		ClientVersion string `json:"clientVersion"`
	} `json:"client"`
	ThreatInfo struct {
		ThreatTypes      []string            `json:"threatTypes"`
		PlatformTypes    []string            `json:"platformTypes"`
		ThreatEntryTypes []string            `json:"threatEntryTypes"`
		ThreatEntries    []map[string]string `json:"threatEntries"`
	} `json:"threatInfo"`
}

// CheckURL returns the Safe Browsing verdict for one URL, cached for the
// configured TTL. No matches means clean. A 403 (typically a
// referrer-restricted API key) is logged with a diagnostic and degrades to an
// unknown verdict instead of an error.
func (s *SafeBrowsingClient) CheckURL(ctx context.Context, pageURL string) (store.SafeBrowsingData, error) {
	key := s.cache.Key(pageURL)
	var cached store.SafeBrowsingData
	if s.cache.GetJSON(ctx, key, &cached) {
		return cached, nil
	}

	var reqBody threatRequest
	reqBody.Client.ClientID = "citewatch"
	reqBody.Client.ClientVersion = "1.0"
	reqBody.ThreatInfo.ThreatTypes = threatTypes
	reqBody.ThreatInfo.PlatformTypes = []string{"ANY_PLATFORM"}
	reqBody.ThreatInfo.ThreatEntryTypes = []string{"URL"}
	reqBody.ThreatInfo.ThreatEntries = []map[string]string{{"url": pageURL}}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return store.SafeBrowsingData{}, fmt.Errorf("encode safe browsing request: %w", err)
	}

	endpoint := fmt.Sprintf("%s?key=%s", s.cfg.BaseURL, s.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return store.SafeBrowsingData{}, fmt.Errorf("build safe browsing request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return store.SafeBrowsingData{}, fmt.Errorf("safe browsing check: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return store.SafeBrowsingData{}, fmt.Errorf("read safe browsing response: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		// Most commonly an API key locked to a browser referrer; the check
		// cannot succeed from a server, so report unknown rather than failing
		// the backlink.
		s.logger.Warn("safe browsing key rejected, likely referrer-restricted",
			zap.Int("status", resp.StatusCode),
		)
		return store.SafeBrowsingData{Unknown: true, CheckedAt: s.now().UTC()}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return store.SafeBrowsingData{}, fmt.Errorf("safe browsing check: status %d", resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return store.SafeBrowsingData{}, fmt.Errorf("decode safe browsing response: %w", err)
	}

	verdict := store.SafeBrowsingData{CheckedAt: s.now().UTC()}
	if matches, ok := raw["matches"].([]interface{}); ok && len(matches) > 0 {
		verdict.Flagged = true
		for _, m := range matches {
			obj, ok := m.(map[string]interface{})
			if !ok {
				continue
			}
			if t := asString(obj["threatType"]); t != nil {
				verdict.Threats = append(verdict.Threats, *t)
			}
		}
	}

	s.cache.SetJSON(ctx, key, verdict, time.Duration(s.cfg.CacheTTLDays)*24*time.Hour)
	return verdict, nil
}
