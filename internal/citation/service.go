package citation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/citewatch/orchestrator/internal/breaker"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/dispatch"
	"github.com/citewatch/orchestrator/internal/llm"
	"github.com/citewatch/orchestrator/internal/metrics"
	"github.com/citewatch/orchestrator/internal/prompts"
)

const generationTemplate = "query_generation"

// ResultsPatch is one batched merge payload for AppendResults. When
// ProcessedIncrement is nil the store recomputes processed from the merged
// by_query size.
type ResultsPatch struct {
	ByQuery            map[string]QueryResult
	LastQueryIndex     int
	ProcessedIncrement *int
}

// TaskStore is the persistence contract the engine depends on. AppendResults
// and UpdateCompetitorsAndMeta must follow the lock-then-merge discipline:
// take a row lock, re-read under it, merge, write, commit.
type TaskStore interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	FindRecentCompleted(ctx context.Context, normalizedURL string, since time.Time) (*Task, error)
	SetQueries(ctx context.Context, id string, queries []string) error
	UpdateStatus(ctx context.Context, id string, status Status, errMsg string) error
	AppendResults(ctx context.Context, id string, patch ResultsPatch) (*Task, error)
	UpdateCompetitorsAndMeta(ctx context.Context, id string, competitors []Competitor, meta Meta) error
}

// TaskHandle is the outward identity of a task after submission. Cached
// tells the caller whether an existing completed task was reused.
type TaskHandle struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Cached bool   `json:"cached,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Service owns the citation task lifecycle: query generation, chunked
// dispatch, per-chunk validation, merge, scoring.
type Service struct {
	store      TaskStore
	validator  *Validator
	drivers    []llm.Driver
	generator  llm.Driver
	genGate    *breaker.Gate
	prompts    *prompts.Loader
	dispatcher dispatch.Dispatcher
	cfg        config.CitationsConfig
	logger     *zap.Logger
	pacer      *rate.Limiter
}

// NewService wires the engine. drivers are the validation providers, tried
// in order for every query; generator is the query-generation provider
// (OpenAI only, by design — Gemini is not used for generation). genGate is
// the generation-side failure gate with the higher threshold.
func NewService(
	store TaskStore,
	validator *Validator,
	drivers []llm.Driver,
	generator llm.Driver,
	genGate *breaker.Gate,
	loader *prompts.Loader,
	dispatcher dispatch.Dispatcher,
	cfg config.CitationsConfig,
	logger *zap.Logger,
) *Service {
	s := &Service{
		store:      store,
		validator:  validator,
		drivers:    drivers,
		generator:  generator,
		genGate:    genGate,
		prompts:    loader,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
	if cfg.ChunkDelay > 0 {
		s.pacer = rate.NewLimiter(rate.Every(cfg.ChunkDelay), 1)
	}
	return s
}

// CreateTask normalizes the target URL, reuses a recent completed task when
// one exists inside the cache window, and otherwise generates queries and
// dispatches chunk jobs. Query-generation failure fails the whole task; the
// failure is reported on the handle, not as a transport error.
func (s *Service) CreateTask(ctx context.Context, userID, targetURL string, numQueries int) (*TaskHandle, error) {
	normalized, err := NormalizeURL(targetURL)
	if err != nil {
		return nil, fmt.Errorf("invalid target url: %w", err)
	}

	n := numQueries
	if n <= 0 {
		n = s.cfg.DefaultQueryCount
	}
	if n > s.cfg.MaxQueryCount {
		n = s.cfg.MaxQueryCount
	}

	since := time.Now().AddDate(0, 0, -s.cfg.TaskCacheDays)
	cached, err := s.store.FindRecentCompleted(ctx, normalized, since)
	if err != nil {
		s.logger.Warn("recent-task lookup failed, creating a new task",
			zap.String("url", normalized),
			zap.Error(err),
		)
	}
	if cached != nil {
		metrics.TasksCreated.WithLabelValues("cache").Inc()
		return &TaskHandle{ID: cached.ID, Status: cached.Status, Cached: true}, nil
	}

	task := &Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		TargetURL: normalized,
		Status:    StatusPending,
		Results:   Results{ByQuery: make(map[string]QueryResult)},
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreated.WithLabelValues("new").Inc()

	if err := s.store.UpdateStatus(ctx, task.ID, StatusGenerating, ""); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	queries, err := s.generateQueries(ctx, normalized, n)
	if err != nil {
		s.logger.Error("query generation failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		if uerr := s.store.UpdateStatus(ctx, task.ID, StatusFailed, err.Error()); uerr != nil {
			s.logger.Error("failed to record task failure", zap.String("task_id", task.ID), zap.Error(uerr))
		}
		metrics.TasksCompleted.WithLabelValues(string(StatusFailed)).Inc()
		return &TaskHandle{ID: task.ID, Status: StatusFailed, Error: err.Error()}, nil
	}

	if err := s.store.SetQueries(ctx, task.ID, queries); err != nil {
		return nil, fmt.Errorf("persist queries: %w", err)
	}
	if err := s.store.UpdateStatus(ctx, task.ID, StatusQueued, ""); err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}

	entries := make(map[string]string, len(queries))
	for i, q := range queries {
		entries[strconv.Itoa(i)] = q
	}
	if err := s.dispatchChunks(ctx, task.ID, entries); err != nil {
		return nil, err
	}

	return &TaskHandle{ID: task.ID, Status: StatusQueued}, nil
}

// generateQueries asks the generation provider for up to n search queries as
// a JSON array of strings. A shortfall is accepted silently; a non-array
// response fails generation.
func (s *Service) generateQueries(ctx context.Context, normalizedURL string, n int) ([]string, error) {
	gen := s.generator
	if gen == nil || !gen.Available() {
		return nil, fmt.Errorf("query generation provider not configured")
	}
	if s.genGate.IsBlocked(ctx, gen.Name()) {
		return nil, fmt.Errorf("query generation provider temporarily blocked")
	}

	tpl := s.prompts.Load(generationTemplate)
	vars := map[string]string{
		"url": normalizedURL,
		"N":   strconv.Itoa(n),
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.Replace(tpl.System, vars)},
		{Role: llm.RoleUser, Content: prompts.Replace(tpl.User, vars)},
	}

	raw, err := gen.Send(ctx, messages)
	if err != nil {
		s.genGate.RecordFailure(ctx, gen.Name())
		return nil, fmt.Errorf("query generation call failed: %w", err)
	}
	s.genGate.ClearFailures(ctx, gen.Name())

	content := llm.ExtractContent(gen.Name(), raw)
	queries, err := parseQueryArray(content)
	if err != nil {
		return nil, err
	}

	return dedupeQueries(queries, n), nil
}

// parseQueryArray decodes a JSON array of strings, tolerating markdown
// fencing around the payload.
func parseQueryArray(content string) ([]string, error) {
	candidate := extractJSONCandidate(content)
	if candidate == "" {
		return nil, fmt.Errorf("query generation did not return valid JSON")
	}
	var items []interface{}
	if err := json.Unmarshal([]byte(candidate), &items); err != nil {
		return nil, fmt.Errorf("query generation did not return valid JSON")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func dedupeQueries(queries []string, limit int) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

// dispatchChunks partitions entries into fixed-size chunks in index order and
// hands each to the dispatcher. The pacer spaces chunks out when an
// inter-chunk delay is configured.
func (s *Service) dispatchChunks(ctx context.Context, taskID string, entries map[string]string) error {
	keys := make([]int, 0, len(entries))
	for k := range entries {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("non-numeric query index %q", k)
		}
		keys = append(keys, idx)
	}
	sort.Ints(keys)

	for start := 0; start < len(keys); start += s.cfg.ChunkSize {
		end := start + s.cfg.ChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := make(map[string]string, end-start)
		for _, idx := range keys[start:end] {
			k := strconv.Itoa(idx)
			chunk[k] = entries[k]
		}

		var delay time.Duration
		if s.pacer != nil {
			delay = s.pacer.Reserve().Delay()
		}

		job := dispatch.Job{
			Kind:    dispatch.KindChunk,
			Payload: dispatch.ChunkPayload{TaskID: taskID, Chunk: chunk},
		}
		if err := s.dispatcher.Dispatch(ctx, job, delay); err != nil {
			return fmt.Errorf("dispatch chunk: %w", err)
		}
	}
	return nil
}

// ProcessChunk validates every (index, query) pair in the chunk against each
// configured provider and merges the chunk's results with one batched
// AppendResults call. Partial provider failure is tolerated per query: a
// failed provider records an error verdict, the other half still lands.
func (s *Service) ProcessChunk(ctx context.Context, taskID string, chunk map[string]string) error {
	started := time.Now()

	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	if task.Status == StatusQueued {
		// First chunk to start moves the task to processing. The store's
		// monotonic guard makes concurrent attempts harmless.
		if err := s.store.UpdateStatus(ctx, taskID, StatusProcessing, ""); err != nil {
			s.logger.Warn("status transition to processing failed",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}
	}

	byQuery := make(map[string]QueryResult, len(chunk))
	lastIndex := task.Results.Progress.LastQueryIndex

	for _, key := range sortedChunkKeys(chunk) {
		query := chunk[key]
		qr := QueryResult{Query: query}

		for _, d := range s.drivers {
			res := s.validator.Validate(ctx, d, query, task.TargetURL)
			switch res.Provider {
			case llm.ProviderOpenAI:
				qr.GPT = verdictOf(res)
			case llm.ProviderGemini:
				qr.Gemini = verdictOf(res)
			}
			if len(qr.TopCompetitors) == 0 && res.Raw != "" {
				qr.TopCompetitors = ExtractCompetitors(res.Raw)
			}
		}

		byQuery[key] = qr
		if idx, err := strconv.Atoi(key); err == nil && idx > lastIndex {
			lastIndex = idx
		}
	}

	merged, err := s.store.AppendResults(ctx, taskID, ResultsPatch{
		ByQuery:        byQuery,
		LastQueryIndex: lastIndex,
	})
	if err != nil {
		return fmt.Errorf("merge chunk results for task %s: %w", taskID, err)
	}

	metrics.ChunksProcessed.Inc()
	metrics.ChunkDuration.Observe(time.Since(started).Seconds())

	progress := merged.Results.Progress
	if progress.Total > 0 && progress.Processed >= progress.Total {
		return s.finalize(ctx, merged)
	}
	return nil
}

// finalize scores the task and marks it completed. Concurrent finalize
// attempts from simultaneously-landing chunks compute identical values, and
// the monotonic status guard makes the second completion a no-op.
func (s *Service) finalize(ctx context.Context, task *Task) error {
	meta := ComputeMeta(len(task.Queries), task.Results.ByQuery)
	competitors := RankCompetitors(task.Results.ByQuery, TargetDomain(task.TargetURL), s.cfg.TopCompetitors)

	if err := s.store.UpdateCompetitorsAndMeta(ctx, task.ID, competitors, meta); err != nil {
		return fmt.Errorf("store scores for task %s: %w", task.ID, err)
	}
	if err := s.store.UpdateStatus(ctx, task.ID, StatusCompleted, ""); err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}

	metrics.TasksCompleted.WithLabelValues(string(StatusCompleted)).Inc()
	s.logger.Info("citation task completed",
		zap.String("task_id", task.ID),
		zap.Int("queries", len(task.Queries)),
	)
	return nil
}

// GetTask loads a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// Retry dispatches chunk jobs for exactly the queries that have no by_query
// entry yet. It returns the number of missing queries; zero means there is
// nothing to retry.
func (s *Service) Retry(ctx context.Context, taskID string) (int, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("load task %s: %w", taskID, err)
	}

	missing := task.MissingIndices()
	if len(missing) == 0 {
		return 0, nil
	}

	entries := make(map[string]string, len(missing))
	for _, idx := range missing {
		entries[strconv.Itoa(idx)] = task.Queries[idx]
	}
	if err := s.dispatchChunks(ctx, taskID, entries); err != nil {
		return 0, err
	}

	s.logger.Info("re-dispatched missing queries",
		zap.String("task_id", taskID),
		zap.Int("missing", len(missing)),
	)
	return len(missing), nil
}

func sortedChunkKeys(chunk map[string]string) []string {
	keys := make([]string, 0, len(chunk))
	for k := range chunk {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, _ := strconv.Atoi(keys[i])
		b, _ := strconv.Atoi(keys[j])
		return a < b
	})
	return keys
}
