package citation

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Verdict is the structured outcome of parsing one raw LLM response.
type Verdict struct {
	CitationFound      bool     `json:"citation_found"`
	Confidence         float64  `json:"confidence"`
	CitationReferences []string `json:"citation_references"`
	Explanation        string   `json:"explanation,omitempty"`
}

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

	// citationFoundLiteral matches an explicit `"citation_found": true`
	// key-value literal in otherwise unparseable text.
	citationFoundLiteral = regexp.MustCompile(`"citation_found"\s*:\s*true`)

	// affirmativePatterns match (yes|true) adjacent to (citation|cited|
	// reference) in either order.
	affirmativePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(yes|true)\b[^.\n]{0,40}\b(citation|cited|reference)`),
		regexp.MustCompile(`(?i)\b(citation|cited|reference)\w*\b[^.\n]{0,40}\b(yes|true)\b`),
	}
)

// Parse converts raw LLM text into a citation verdict. The bias is
// deliberately conservative: ambiguity always resolves to a not-found
// verdict, and a bare list of URLs is never treated as evidence of citation.
func Parse(raw string) Verdict {
	candidate := extractJSONCandidate(raw)
	if candidate != "" {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			if v, ok := parseObject(obj); ok {
				return v
			}
		} else {
			var arr []interface{}
			if err := json.Unmarshal([]byte(candidate), &arr); err == nil {
				// A bare array of URLs carries no explicit found/not-found
				// signal, so it is unverified, not a positive.
				return Verdict{
					CitationReferences: []string{},
					Explanation:        "response contained an unverified URL list",
				}
			}
		}
	}
	return parseFallback(raw)
}

// extractJSONCandidate pulls the most likely JSON payload out of raw text:
// a fenced code block first, then the widest balanced object or array.
func extractJSONCandidate(raw string) string {
	if m := fencedJSONPattern.FindStringSubmatch(raw); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s
		}
	}
	if s := widestSpan(raw, '{', '}'); s != "" {
		return s
	}
	return widestSpan(raw, '[', ']')
}

func widestSpan(raw string, open, close byte) string {
	start := strings.IndexByte(raw, open)
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(raw, close)
	if end <= start {
		return ""
	}
	return strings.TrimSpace(raw[start : end+1])
}

// parseObject trusts a decoded object only when it carries an explicit
// citation signal: citation_found, citation_references, or references.
func parseObject(obj map[string]interface{}) (Verdict, bool) {
	_, hasFound := obj["citation_found"]
	refsRaw, hasRefs := obj["citation_references"]
	if !hasRefs {
		refsRaw, hasRefs = obj["references"]
	}
	if !hasFound && !hasRefs {
		return Verdict{}, false
	}

	v := Verdict{CitationReferences: []string{}}

	if hasFound {
		v.CitationFound = truthy(obj["citation_found"])
	}
	if hasRefs {
		v.CitationReferences = stringList(refsRaw)
	}

	// "score" is accepted as a confidence alias; default is 0, never guessed.
	if c, ok := numeric(obj["confidence"]); ok {
		v.Confidence = clamp01(c)
	} else if c, ok := numeric(obj["score"]); ok {
		v.Confidence = clamp01(c)
	}

	if s, ok := obj["explanation"].(string); ok {
		v.Explanation = s
	}
	return v, true
}

// parseFallback handles text with no usable JSON. It only reports a citation
// on an explicit literal or affirmative phrasing, and never extracts
// references from loose prose URLs.
func parseFallback(raw string) Verdict {
	found := citationFoundLiteral.MatchString(raw)
	if !found {
		for _, p := range affirmativePatterns {
			if p.MatchString(raw) {
				found = true
				break
			}
		}
	}

	v := Verdict{
		CitationFound:      found,
		CitationReferences: []string{},
		Explanation:        "parsed from unstructured response",
	}
	if found {
		v.Confidence = 0.5
	}
	return v
}

// ExtractCompetitors pulls a top_competitors (or competitors) list out of a
// raw response's JSON payload. Entries are objects with domain/url/title or
// bare domain strings; anything malformed is skipped.
func ExtractCompetitors(raw string) []Competitor {
	candidate := extractJSONCandidate(raw)
	if candidate == "" {
		return nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil
	}
	list, ok := obj["top_competitors"].([]interface{})
	if !ok {
		list, ok = obj["competitors"].([]interface{})
	}
	if !ok {
		return nil
	}

	var out []Competitor
	for _, item := range list {
		switch t := item.(type) {
		case string:
			if d := strings.TrimSpace(t); d != "" {
				out = append(out, Competitor{Domain: d})
			}
		case map[string]interface{}:
			c := Competitor{}
			if s, ok := t["domain"].(string); ok {
				c.Domain = strings.TrimSpace(s)
			}
			if s, ok := t["url"].(string); ok {
				c.URL = s
			}
			if s, ok := t["title"].(string); ok {
				c.Title = s
			}
			if c.Domain == "" && c.URL != "" {
				if n, err := NormalizeURL(c.URL); err == nil {
					c.Domain = TargetDomain(n)
				}
			}
			if c.Domain != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes"
	default:
		return false
	}
}

func numeric(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(v interface{}) []string {
	out := []string{}
	arr, ok := v.([]interface{})
	if !ok {
		return out
	}
	for _, item := range arr {
		if s, ok := item.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
