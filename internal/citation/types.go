// Package citation implements the citation-analysis task engine: task
// lifecycle, query generation, chunked validation against the LLM providers,
// result aggregation, and scoring.
package citation

import (
	"errors"
	"sort"
	"strconv"
	"time"
)

// ErrTaskNotFound reports a lookup for an unknown task id. Storage
// implementations wrap it so callers can distinguish a missing task from an
// infrastructure failure.
var ErrTaskNotFound = errors.New("task not found")

// Status is the task lifecycle state. Transitions are monotonic:
// pending -> generating -> queued -> processing -> completed | failed.
// Retrying missing queries dispatches new chunk jobs without moving the
// status backward.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:    0,
	StatusGenerating: 1,
	StatusQueued:     2,
	StatusProcessing: 3,
	StatusCompleted:  4,
	StatusFailed:     4,
}

// CanTransition reports whether moving from -> to respects monotonicity.
// Terminal states never transition.
func CanTransition(from, to Status) bool {
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == StatusCompleted || from == StatusFailed {
		return false
	}
	return tr > fr
}

// ProviderVerdict is one provider's answer for one query. Presence of a
// verdict means the provider was attempted; a failed attempt collapses to
// CitationFound=false, Confidence=0 with Error set.
type ProviderVerdict struct {
	CitationFound      bool     `json:"citation_found"`
	Confidence         float64  `json:"confidence"`
	CitationReferences []string `json:"citation_references,omitempty"`
	Raw                string   `json:"raw,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// Competitor is one non-target domain observed in provider results.
type Competitor struct {
	Domain string `json:"domain"`
	URL    string `json:"url,omitempty"`
	Title  string `json:"title,omitempty"`
}

// QueryResult is one entry of the by_query map.
type QueryResult struct {
	Query          string           `json:"query"`
	GPT            *ProviderVerdict `json:"gpt,omitempty"`
	Gemini         *ProviderVerdict `json:"gemini,omitempty"`
	TopCompetitors []Competitor     `json:"top_competitors,omitempty"`
}

// Progress tracks merged-result progress. Processed is derived from the size
// of by_query, so it is monotonically non-decreasing.
type Progress struct {
	Total          int       `json:"total"`
	Processed      int       `json:"processed"`
	LastQueryIndex int       `json:"last_query_index"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Results is the task's aggregated result blob. ByQuery keys are stable
// string indices into the task's query list; a key, once written, is only
// ever replaced by a newer merge for the same index, never removed.
type Results struct {
	ByQuery  map[string]QueryResult `json:"by_query"`
	Progress Progress               `json:"progress"`
}

// Meta carries aggregate task statistics. Scores are percentages (0-100) of
// queries where the provider found a citation.
type Meta struct {
	GPTScore        *float64 `json:"gpt_score,omitempty"`
	GeminiScore     *float64 `json:"gemini_score,omitempty"`
	QueriesTotal    int      `json:"queries_total,omitempty"`
	GPTAttempted    int      `json:"gpt_attempted,omitempty"`
	GeminiAttempted int      `json:"gemini_attempted,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Task is one citation-analysis task.
type Task struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id,omitempty"`
	TargetURL   string       `json:"target_url"`
	Status      Status       `json:"status"`
	Queries     []string     `json:"queries"`
	Results     Results      `json:"results"`
	Competitors []Competitor `json:"competitors,omitempty"`
	Meta        Meta         `json:"meta"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// MissingIndices returns the query indices with no by_query entry yet, in
// ascending order.
func (t *Task) MissingIndices() []int {
	var missing []int
	for i := range t.Queries {
		if _, ok := t.Results.ByQuery[strconv.Itoa(i)]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// MergeByQuery merges src into dst with key-wise replace semantics: entries
// for the same index are overwritten by src, other indices are untouched,
// nothing is ever deleted. This is the single place raw by_query maps are
// mutated; the storage layer calls it under a row lock.
func MergeByQuery(dst, src map[string]QueryResult) map[string]QueryResult {
	if dst == nil {
		dst = make(map[string]QueryResult, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// SortedIndices returns the by_query keys sorted numerically. Consumers must
// never rely on map insertion order; chunk merges interleave arbitrarily.
func SortedIndices(byQuery map[string]QueryResult) []string {
	keys := make([]string, 0, len(byQuery))
	for k := range byQuery {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}
