package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/enrich"
)

// PbnHandler serves on-demand PBN risk analysis.
type PbnHandler struct {
	pipeline *enrich.Pipeline
	logger   *zap.Logger
}

// NewPbnHandler creates a new handler.
func NewPbnHandler(pipeline *enrich.Pipeline, logger *zap.Logger) *PbnHandler {
	return &PbnHandler{pipeline: pipeline, logger: logger}
}

// RegisterRoutes registers PBN routes on the provided mux.
func (h *PbnHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/pbn/analyze", h.handleAnalyze)
}

type pbnAnalyzeRequest struct {
	TaskID string `json:"task_id"`
	Domain string `json:"domain"`
}

type pbnErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *PbnHandler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req pbnAnalyzeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.Domain == "" {
		http.Error(w, `{"error":"task_id and domain are required"}`, http.StatusBadRequest)
		return
	}

	raw, err := h.pipeline.AnalyzePbn(r.Context(), req.TaskID, req.Domain)
	if err != nil {
		var svcErr *enrich.ServiceError
		if errors.As(err, &svcErr) {
			h.logger.Warn("pbn analysis failed",
				zap.String("task_id", req.TaskID),
				zap.String("domain", req.Domain),
				zap.String("code", svcErr.Code),
			)
			writeJSON(w, svcErr.StatusCode, pbnErrorResponse{Error: svcErr.Message, Code: svcErr.Code})
			return
		}
		h.logger.Error("pbn analysis failed", zap.Error(err))
		http.Error(w, `{"error":"analysis failed"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, raw)
}
