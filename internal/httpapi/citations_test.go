package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/citewatch/orchestrator/internal/breaker"
	"github.com/citewatch/orchestrator/internal/cache"
	"github.com/citewatch/orchestrator/internal/citation"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/dispatch"
	"github.com/citewatch/orchestrator/internal/enrich"
	"github.com/citewatch/orchestrator/internal/prompts"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubStore struct {
	tasks map[string]*citation.Task
}

func (s *stubStore) Create(_ context.Context, t *citation.Task) error {
	s.tasks[t.ID] = t
	return nil
}

func (s *stubStore) Get(_ context.Context, id string) (*citation.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, citation.ErrTaskNotFound)
	}
	return t, nil
}

func (s *stubStore) FindRecentCompleted(context.Context, string, time.Time) (*citation.Task, error) {
	return nil, nil
}

func (s *stubStore) SetQueries(_ context.Context, id string, queries []string) error {
	s.tasks[id].Queries = queries
	return nil
}

func (s *stubStore) UpdateStatus(_ context.Context, id string, status citation.Status, _ string) error {
	if t, ok := s.tasks[id]; ok {
		t.Status = status
	}
	return nil
}

func (s *stubStore) AppendResults(_ context.Context, id string, _ citation.ResultsPatch) (*citation.Task, error) {
	return s.tasks[id], nil
}

func (s *stubStore) UpdateCompetitorsAndMeta(context.Context, string, []citation.Competitor, citation.Meta) error {
	return nil
}

type noopDispatcher struct{ jobs int }

func (d *noopDispatcher) Dispatch(context.Context, dispatch.Job, time.Duration) error {
	d.jobs++
	return nil
}

type failDispatcher struct{}

func (failDispatcher) Dispatch(context.Context, dispatch.Job, time.Duration) error {
	return fmt.Errorf("queue unavailable")
}

func newTestServer(t *testing.T, tasks ...*citation.Task) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, &noopDispatcher{}, tasks...)
}

func newTestServerWith(t *testing.T, dispatcher dispatch.Dispatcher, tasks ...*citation.Task) *httptest.Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := &stubStore{tasks: make(map[string]*citation.Task)}
	for _, task := range tasks {
		store.tasks[task.ID] = task
	}

	loader := prompts.NewLoader(t.TempDir(), logger)
	gate := breaker.NewGate(breaker.NewMemoryStore(), 3, time.Minute, logger)
	svc := citation.NewService(
		store,
		citation.NewValidator(gate, loader, logger),
		nil, nil,
		breaker.NewGate(breaker.NewMemoryStore(), 5, time.Minute, logger),
		loader,
		dispatcher,
		config.CitationsConfig{ChunkSize: 25, DefaultQueryCount: 10, MaxQueryCount: 10, TaskCacheDays: 30, TopCompetitors: 10},
		logger,
	)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	pbn := enrich.NewPbnClient(config.PbnDetectorConfig{}, cache.New(rdb, "pbn", logger), logger)
	pipeline := enrich.NewPipeline(nil, nil, nil, pbn, logger)

	mux := http.NewServeMux()
	NewCitationsHandler(svc, logger).RegisterRoutes(mux)
	NewPbnHandler(pipeline, logger).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func seededTask() *citation.Task {
	gpt := 25.0
	gemini := 50.0
	return &citation.Task{
		ID:        "t-1",
		TargetURL: "example.com",
		Status:    citation.StatusCompleted,
		Queries:   []string{"a", "b"},
		Results: citation.Results{
			ByQuery: map[string]citation.QueryResult{
				"0": {
					Query: "a",
					GPT: &citation.ProviderVerdict{
						CitationFound: true,
						Confidence:    0.9,
						Raw:           `{"citation_found": true}`,
					},
					TopCompetitors: []citation.Competitor{{Domain: "perquery-rival.net"}},
				},
				"1": {Query: "b"},
			},
			Progress: citation.Progress{Total: 2, Processed: 2, LastQueryIndex: 1},
		},
		Competitors: []citation.Competitor{{Domain: "rival.com"}},
		Meta:        citation.Meta{GPTScore: &gpt, GeminiScore: &gemini},
	}
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp, readBody(t, resp)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, seededTask())

	resp, body := get(t, srv.URL+"/v1/citations/t-1/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"processed":2`)
	assert.Contains(t, body, `"gpt_attempted":1`)
}

func TestStatusEndpointNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := get(t, srv.URL+"/v1/citations/missing/status")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResultsEndpointStripsRawResponses(t *testing.T) {
	srv := newTestServer(t, seededTask())

	resp, body := get(t, srv.URL+"/v1/citations/t-1/results")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"gpt_score":25`)
	assert.Contains(t, body, `"gemini_score":50`)
	assert.Contains(t, body, `"rival.com"`)
	assert.Contains(t, body, `"queries":["a","b"]`, "the full query list belongs in the results view")
	assert.Contains(t, body, `"perquery-rival.net"`, "per-query competitors belong in the results view")
	assert.NotContains(t, body, `"raw"`, "raw provider responses must never leave the API")
}

func TestRetryEndpointUnknownTask(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/citations/missing/retry", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRetryEndpointDispatchFailure(t *testing.T) {
	task := seededTask()
	delete(task.Results.ByQuery, "1")
	srv := newTestServerWith(t, failDispatcher{}, task)

	resp, err := http.Post(srv.URL+"/v1/citations/t-1/retry", "application/json", nil)
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body, "not found", "a dispatcher outage is not a missing task")
}

func TestRetryEndpointNothingToRetry(t *testing.T) {
	srv := newTestServer(t, seededTask())

	resp, err := http.Post(srv.URL+"/v1/citations/t-1/retry", "application/json", nil)
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"dispatched":0`)
	assert.Contains(t, body, "nothing to retry")
}

func TestCreateEndpointRejectsInvalidBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/citations", "application/json", strings.NewReader(`{"url":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/citations", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPbnEndpointNotConfigured(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/pbn/analyze", "application/json",
		strings.NewReader(`{"task_id":"t-1","domain":"blog.example.org"}`))
	require.NoError(t, err)
	body := readBody(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "SERVICE_NOT_CONFIGURED")
}
