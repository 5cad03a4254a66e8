// Package httpapi exposes the orchestrator's HTTP surface: citation task
// submission and polling, plus on-demand PBN analysis. Handlers are thin;
// all behavior lives in the services they wrap.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/citation"
)

// CitationsHandler serves the citation task endpoints.
type CitationsHandler struct {
	svc    *citation.Service
	logger *zap.Logger
}

// NewCitationsHandler creates a new handler.
func NewCitationsHandler(svc *citation.Service, logger *zap.Logger) *CitationsHandler {
	return &CitationsHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers citation routes on the provided mux.
func (h *CitationsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/citations", h.handleCreate)
	mux.HandleFunc("GET /v1/citations/{id}/status", h.handleStatus)
	mux.HandleFunc("GET /v1/citations/{id}/results", h.handleResults)
	mux.HandleFunc("POST /v1/citations/{id}/retry", h.handleRetry)
}

type createCitationRequest struct {
	URL        string `json:"url"`
	NumQueries int    `json:"num_queries,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

func (h *CitationsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createCitationRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, `{"error":"url is required"}`, http.StatusBadRequest)
		return
	}

	handle, err := h.svc.CreateTask(r.Context(), req.UserID, req.URL, req.NumQueries)
	if err != nil {
		h.logger.Warn("citation task creation rejected", zap.Error(err))
		http.Error(w, `{"error":"could not create task"}`, http.StatusBadRequest)
		return
	}

	status := http.StatusAccepted
	if handle.Cached {
		status = http.StatusOK
	}
	writeJSON(w, status, handle)
}

// statusResponse is the polling shape: progress plus per-provider attempt
// counts, no result bodies.
type statusResponse struct {
	ID              string          `json:"id"`
	Status          citation.Status `json:"status"`
	Total           int             `json:"total"`
	Processed       int             `json:"processed"`
	LastQueryIndex  int             `json:"last_query_index"`
	QueriesTotal    int             `json:"queries_total"`
	GPTAttempted    int             `json:"gpt_attempted"`
	GeminiAttempted int             `json:"gemini_attempted"`
	Error           string          `json:"error,omitempty"`
}

func (h *CitationsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}

	var gptAttempted, geminiAttempted int
	for _, qr := range task.Results.ByQuery {
		if qr.GPT != nil {
			gptAttempted++
		}
		if qr.Gemini != nil {
			geminiAttempted++
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:              task.ID,
		Status:          task.Status,
		Total:           task.Results.Progress.Total,
		Processed:       task.Results.Progress.Processed,
		LastQueryIndex:  task.Results.Progress.LastQueryIndex,
		QueriesTotal:    len(task.Queries),
		GPTAttempted:    gptAttempted,
		GeminiAttempted: geminiAttempted,
		Error:           task.Meta.Error,
	})
}

// queryResultView is a sanitized per-query result: verdicts without the raw
// provider responses.
type queryResultView struct {
	Query          string                `json:"query"`
	GPT            *verdictView          `json:"gpt,omitempty"`
	Gemini         *verdictView          `json:"gemini,omitempty"`
	TopCompetitors []citation.Competitor `json:"top_competitors,omitempty"`
}

type verdictView struct {
	CitationFound      bool     `json:"citation_found"`
	Confidence         float64  `json:"confidence"`
	CitationReferences []string `json:"citation_references,omitempty"`
}

type resultsResponse struct {
	ID             string                `json:"id"`
	Status         citation.Status       `json:"status"`
	TargetURL      string                `json:"target_url"`
	Queries        []string              `json:"queries"`
	GPTScore       *float64              `json:"gpt_score,omitempty"`
	GeminiScore    *float64              `json:"gemini_score,omitempty"`
	Results        []queryResultView     `json:"results"`
	TopCompetitors []citation.Competitor `json:"top_competitors,omitempty"`
}

func (h *CitationsHandler) handleResults(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}

	resp := resultsResponse{
		ID:             task.ID,
		Status:         task.Status,
		TargetURL:      task.TargetURL,
		Queries:        task.Queries,
		GPTScore:       task.Meta.GPTScore,
		GeminiScore:    task.Meta.GeminiScore,
		Results:        make([]queryResultView, 0, len(task.Results.ByQuery)),
		TopCompetitors: task.Competitors,
	}
	for _, key := range citation.SortedIndices(task.Results.ByQuery) {
		qr := task.Results.ByQuery[key]
		resp.Results = append(resp.Results, queryResultView{
			Query:          qr.Query,
			GPT:            sanitize(qr.GPT),
			Gemini:         sanitize(qr.Gemini),
			TopCompetitors: qr.TopCompetitors,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func sanitize(v *citation.ProviderVerdict) *verdictView {
	if v == nil {
		return nil
	}
	return &verdictView{
		CitationFound:      v.CitationFound,
		Confidence:         v.Confidence,
		CitationReferences: v.CitationReferences,
	}
}

type retryResponse struct {
	ID         string `json:"id"`
	Dispatched int    `json:"dispatched"`
	Message    string `json:"message,omitempty"`
}

func (h *CitationsHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	n, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		if errors.Is(err, citation.ErrTaskNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		h.logger.Error("retry failed", zap.String("task_id", id), zap.Error(err))
		http.Error(w, `{"error":"retry failed"}`, http.StatusInternalServerError)
		return
	}

	resp := retryResponse{ID: id, Dispatched: n}
	if n == 0 {
		resp.Message = "nothing to retry"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *CitationsHandler) loadTask(w http.ResponseWriter, r *http.Request) (*citation.Task, bool) {
	id := r.PathValue("id")
	task, err := h.svc.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, citation.ErrTaskNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("task load failed", zap.String("task_id", id), zap.Error(err))
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return nil, false
	}
	return task, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
