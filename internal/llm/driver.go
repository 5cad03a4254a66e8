// Package llm contains the outbound LLM provider drivers. Both drivers share
// one contract: a synchronous Send with a bounded timeout and a small fixed
// retry budget, returning the provider's raw response shape.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Provider names. Extending to a new provider means adding a constant and a
// driver, not subclassing anything.
const (
	ProviderOpenAI = "gpt"
	ProviderGemini = "gemini"
)

// Role constants for chat messages.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat message in a prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RawResponse is the provider response body decoded into its native shape.
// Consumers extract content via ExtractContent rather than poking at the map.
type RawResponse map[string]interface{}

// Driver is the uniform contract over OpenAI and Gemini.
type Driver interface {
	// Name returns the provider key used in results and failure counters.
	Name() string
	// Available reflects static configuration presence, not live health.
	Available() bool
	// Send performs one synchronous call with the driver's timeout and retry
	// policy applied.
	Send(ctx context.Context, messages []Message) (RawResponse, error)
}

// ProviderCallError is returned when the upstream answers with a non-success
// status after the retry budget is exhausted.
type ProviderCallError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderCallError) Error() string {
	return fmt.Sprintf("%s call failed with status %d: %s", e.Provider, e.StatusCode, truncate(e.Body, 200))
}

// ExtractContent pulls the assistant text out of a provider-specific raw
// response. Unknown shapes fall back to the JSON serialization of the whole
// response so downstream parsing still has something to chew on.
func ExtractContent(provider string, raw RawResponse) string {
	switch provider {
	case ProviderOpenAI:
		if s, ok := digString(raw, "choices", 0, "message", "content"); ok {
			return s
		}
	case ProviderGemini:
		if s, ok := digString(raw, "candidates", 0, "content", "parts", 0, "text"); ok {
			return s
		}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return ""
	}
	return string(b)
}

// digString walks a decoded JSON structure by string keys and integer indices.
func digString(v interface{}, path ...interface{}) (string, bool) {
	cur := v
	for _, p := range path {
		switch key := p.(type) {
		case string:
			m, ok := cur.(map[string]interface{})
			if !ok {
				if rr, ok2 := cur.(RawResponse); ok2 {
					m = map[string]interface{}(rr)
				} else {
					return "", false
				}
			}
			cur, ok = m[key]
			if !ok {
				return "", false
			}
		case int:
			arr, ok := cur.([]interface{})
			if !ok || key < 0 || key >= len(arr) {
				return "", false
			}
			cur = arr[key]
		}
	}
	s, ok := cur.(string)
	return s, ok
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
