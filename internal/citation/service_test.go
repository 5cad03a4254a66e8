package citation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/citewatch/orchestrator/internal/breaker"
	"github.com/citewatch/orchestrator/internal/config"
	"github.com/citewatch/orchestrator/internal/dispatch"
	"github.com/citewatch/orchestrator/internal/llm"
	"github.com/citewatch/orchestrator/internal/prompts"
)

// memStore is an in-memory TaskStore with the same merge and status-guard
// semantics as the Postgres store.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*Task)}
}

func (s *memStore) Create(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.tasks[task.ID] = &cp
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskNotFound)
	}
	return copyTask(t), nil
}

func (s *memStore) FindRecentCompleted(_ context.Context, normalizedURL string, since time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Status == StatusCompleted && t.TargetURL == normalizedURL && t.UpdatedAt.After(since) {
			return copyTask(t), nil
		}
	}
	return nil, nil
}

func (s *memStore) SetQueries(_ context.Context, id string, queries []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Queries = queries
	t.Results.Progress.Total = len(queries)
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if !CanTransition(t.Status, status) {
		// Mirrors the guarded UPDATE: an illegal transition touches zero rows.
		return nil
	}
	t.Status = status
	if errMsg != "" {
		t.Meta.Error = errMsg
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) AppendResults(_ context.Context, id string, patch ResultsPatch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Results.ByQuery = MergeByQuery(t.Results.ByQuery, patch.ByQuery)
	if patch.ProcessedIncrement != nil {
		t.Results.Progress.Processed += *patch.ProcessedIncrement
	} else {
		t.Results.Progress.Processed = len(t.Results.ByQuery)
	}
	if patch.LastQueryIndex > t.Results.Progress.LastQueryIndex {
		t.Results.Progress.LastQueryIndex = patch.LastQueryIndex
	}
	t.Results.Progress.UpdatedAt = time.Now()
	t.UpdatedAt = time.Now()
	return copyTask(t), nil
}

func (s *memStore) UpdateCompetitorsAndMeta(_ context.Context, id string, competitors []Competitor, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Competitors = competitors
	errMsg := t.Meta.Error
	t.Meta = meta
	if meta.Error == "" {
		t.Meta.Error = errMsg
	}
	t.UpdatedAt = time.Now()
	return nil
}

func copyTask(t *Task) *Task {
	cp := *t
	cp.Results.ByQuery = make(map[string]QueryResult, len(t.Results.ByQuery))
	for k, v := range t.Results.ByQuery {
		cp.Results.ByQuery[k] = v
	}
	return &cp
}

// fakeDriver answers validation calls from a script keyed by query substring,
// or with a fixed body when content is set.
type fakeDriver struct {
	name      string
	available bool
	content   string
	found     map[string]bool
	comps     map[string]string
	err       error

	mu       sync.Mutex
	calls    int
	lastUser string
}

func (d *fakeDriver) Name() string    { return d.name }
func (d *fakeDriver) Available() bool { return d.available }

func (d *fakeDriver) Send(_ context.Context, msgs []llm.Message) (llm.RawResponse, error) {
	d.mu.Lock()
	d.calls++
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	d.lastUser = b.String()
	prompt := d.lastUser
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	if d.content != "" {
		return d.wrap(d.content), nil
	}

	for q, found := range d.found {
		if strings.Contains(prompt, q) {
			body := fmt.Sprintf(`{"citation_found": %t, "confidence": 0.9, "citation_references": []`, found)
			if domain, ok := d.comps[q]; ok {
				body += fmt.Sprintf(`, "top_competitors": [{"domain": %q}]`, domain)
			}
			body += "}"
			return d.wrap(body), nil
		}
	}
	return d.wrap(`{"citation_found": false, "confidence": 0, "citation_references": []}`), nil
}

func (d *fakeDriver) wrap(content string) llm.RawResponse {
	if d.name == llm.ProviderGemini {
		return llm.RawResponse{
			"candidates": []interface{}{
				map[string]interface{}{
					"content": map[string]interface{}{
						"parts": []interface{}{
							map[string]interface{}{"text": content},
						},
					},
				},
			},
		}
	}
	return llm.RawResponse{
		"choices": []interface{}{
			map[string]interface{}{
				"message": map[string]interface{}{"content": content},
			},
		},
	}
}

type captureDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
}

func (d *captureDispatcher) Dispatch(_ context.Context, job dispatch.Job, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *captureDispatcher) chunks() []dispatch.ChunkPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []dispatch.ChunkPayload
	for _, j := range d.jobs {
		if j.Kind == dispatch.KindChunk {
			out = append(out, j.Payload.(dispatch.ChunkPayload))
		}
	}
	return out
}

func writeTestPrompts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	validation := "name: citation_validation\nversion: v1\nsystem: You judge search citations.\nuser: 'Query: {query} | Target: {url}'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "citation_validation.yaml"), []byte(validation), 0o644))

	generation := "name: query_generation\nversion: v1\nsystem: You generate search queries.\nuser: 'Generate {N} queries for {url} as a JSON array.'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "query_generation.yaml"), []byte(generation), 0o644))
	return dir
}

type serviceFixture struct {
	svc        *Service
	store      *memStore
	dispatcher *captureDispatcher
	gpt        *fakeDriver
	gemini     *fakeDriver
	generator  *fakeDriver
}

func newServiceFixture(t *testing.T, cfg config.CitationsConfig) *serviceFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	loader := prompts.NewLoader(writeTestPrompts(t), logger)

	valGate := breaker.NewGate(breaker.NewMemoryStore(), 3, time.Minute, logger)
	genGate := breaker.NewGate(breaker.NewMemoryStore(), 5, time.Minute, logger)

	f := &serviceFixture{
		store:      newMemStore(),
		dispatcher: &captureDispatcher{},
		gpt:        &fakeDriver{name: llm.ProviderOpenAI, available: true},
		gemini:     &fakeDriver{name: llm.ProviderGemini, available: true},
		generator:  &fakeDriver{name: llm.ProviderOpenAI, available: true},
	}
	f.svc = NewService(
		f.store,
		NewValidator(valGate, loader, logger),
		[]llm.Driver{f.gpt, f.gemini},
		f.generator,
		genGate,
		loader,
		f.dispatcher,
		cfg,
		logger,
	)
	return f
}

func defaultTestConfig() config.CitationsConfig {
	return config.CitationsConfig{
		ChunkSize:         2,
		DefaultQueryCount: 4,
		MaxQueryCount:     4,
		TaskCacheDays:     30,
		TopCompetitors:    10,
	}
}

func TestCreateTaskGeneratesAndDispatchesChunks(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	f.generator.content = `["best widgets", "widget reviews", "widget pricing", "widget alternatives"]`

	handle, err := f.svc.CreateTask(context.Background(), "user-1", "https://Example.com/widgets/", 4)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, handle.Status)
	assert.False(t, handle.Cached)

	task, err := f.store.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, "example.com/widgets", task.TargetURL)
	assert.Len(t, task.Queries, 4)
	assert.Equal(t, 4, task.Results.Progress.Total)

	chunks := f.dispatcher.chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, map[string]string{"0": "best widgets", "1": "widget reviews"}, chunks[0].Chunk)
	assert.Equal(t, map[string]string{"2": "widget pricing", "3": "widget alternatives"}, chunks[1].Chunk)
}

func TestEndToEndScoring(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	f.generator.content = `["q-alpha", "q-beta", "q-gamma", "q-delta"]`

	// gpt cites the target on 1 of 4 queries, gemini on 2 of 4.
	f.gpt.found = map[string]bool{"q-alpha": true, "q-beta": false, "q-gamma": false, "q-delta": false}
	f.gpt.comps = map[string]string{"q-alpha": "rival.com"}
	f.gemini.found = map[string]bool{"q-alpha": true, "q-beta": true, "q-gamma": false, "q-delta": false}

	ctx := context.Background()
	handle, err := f.svc.CreateTask(ctx, "", "https://example.com", 4)
	require.NoError(t, err)

	for _, chunk := range f.dispatcher.chunks() {
		require.NoError(t, f.svc.ProcessChunk(ctx, chunk.TaskID, chunk.Chunk))
	}

	task, err := f.store.Get(ctx, handle.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 4, task.Results.Progress.Processed)
	assert.Equal(t, 3, task.Results.Progress.LastQueryIndex)

	require.NotNil(t, task.Meta.GPTScore)
	require.NotNil(t, task.Meta.GeminiScore)
	assert.InDelta(t, 25.0, *task.Meta.GPTScore, 0.001)
	assert.InDelta(t, 50.0, *task.Meta.GeminiScore, 0.001)
	assert.Equal(t, 4, task.Meta.GPTAttempted)
	assert.Equal(t, 4, task.Meta.GeminiAttempted)

	require.Len(t, task.Competitors, 1)
	assert.Equal(t, "rival.com", task.Competitors[0].Domain)
}

func TestCreateTaskReusesRecentCompleted(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	ctx := context.Background()

	existing := &Task{
		ID:        uuid.New().String(),
		TargetURL: "example.com",
		Status:    StatusCompleted,
		Results:   Results{ByQuery: map[string]QueryResult{}},
	}
	require.NoError(t, f.store.Create(ctx, existing))

	handle, err := f.svc.CreateTask(ctx, "", "https://www.example.com/", 4)
	require.NoError(t, err)
	assert.True(t, handle.Cached)
	assert.Equal(t, existing.ID, handle.ID)
	assert.Equal(t, StatusCompleted, handle.Status)
	assert.Empty(t, f.dispatcher.chunks())
	assert.Equal(t, 0, f.generator.calls)
}

func TestCreateTaskGenerationCallFailure(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	f.generator.err = fmt.Errorf("upstream 500")

	handle, err := f.svc.CreateTask(context.Background(), "", "https://example.com", 4)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, handle.Status)
	assert.Contains(t, handle.Error, "query generation call failed")

	task, err := f.store.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.NotEmpty(t, task.Meta.Error)
	assert.Empty(t, f.dispatcher.chunks())
}

func TestCreateTaskGenerationInvalidJSON(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	f.generator.content = "Sure! Here are some great queries you could try."

	handle, err := f.svc.CreateTask(context.Background(), "", "https://example.com", 4)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, handle.Status)
	assert.Contains(t, handle.Error, "did not return valid JSON")
}

func TestCreateTaskClampsAndDedupesQueries(t *testing.T) {
	cfg := defaultTestConfig()
	cfg.MaxQueryCount = 3
	cfg.DefaultQueryCount = 3
	f := newServiceFixture(t, cfg)
	f.generator.content = `["one", "One", " two ", "", "three", "four"]`

	handle, err := f.svc.CreateTask(context.Background(), "", "https://example.com", 50)
	require.NoError(t, err)

	// The generation prompt asks for the clamped count.
	f.generator.mu.Lock()
	prompt := f.generator.lastUser
	f.generator.mu.Unlock()
	assert.Contains(t, prompt, "Generate 3 queries")

	task, err := f.store.Get(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, task.Queries)
}

func TestProcessChunkToleratesProviderFailure(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	f.generator.content = `["q-alpha", "q-beta"]`
	f.gpt.err = fmt.Errorf("rate limited")
	f.gemini.found = map[string]bool{"q-alpha": true, "q-beta": true}

	ctx := context.Background()
	handle, err := f.svc.CreateTask(ctx, "", "https://example.com", 2)
	require.NoError(t, err)

	for _, chunk := range f.dispatcher.chunks() {
		require.NoError(t, f.svc.ProcessChunk(ctx, chunk.TaskID, chunk.Chunk))
	}

	task, err := f.store.Get(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)

	qr := task.Results.ByQuery["0"]
	require.NotNil(t, qr.GPT)
	assert.False(t, qr.GPT.CitationFound)
	assert.NotEmpty(t, qr.GPT.Error)
	require.NotNil(t, qr.Gemini)
	assert.True(t, qr.Gemini.CitationFound)

	require.NotNil(t, task.Meta.GPTScore)
	assert.InDelta(t, 0.0, *task.Meta.GPTScore, 0.001)
	require.NotNil(t, task.Meta.GeminiScore)
	assert.InDelta(t, 100.0, *task.Meta.GeminiScore, 0.001)
}

func TestRetryDispatchesOnlyMissingQueries(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	ctx := context.Background()

	task := &Task{
		ID:        uuid.New().String(),
		TargetURL: "example.com",
		Status:    StatusProcessing,
		Queries:   []string{"a", "b", "c", "d"},
		Results: Results{
			ByQuery: map[string]QueryResult{
				"0": {Query: "a"},
				"2": {Query: "c"},
			},
			Progress: Progress{Total: 4, Processed: 2},
		},
	}
	require.NoError(t, f.store.Create(ctx, task))

	n, err := f.svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	chunks := f.dispatcher.chunks()
	require.Len(t, chunks, 1)
	assert.Equal(t, map[string]string{"1": "b", "3": "d"}, chunks[0].Chunk)
}

func TestRetryWithNothingMissing(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	ctx := context.Background()

	task := &Task{
		ID:        uuid.New().String(),
		TargetURL: "example.com",
		Status:    StatusCompleted,
		Queries:   []string{"a"},
		Results: Results{
			ByQuery:  map[string]QueryResult{"0": {Query: "a"}},
			Progress: Progress{Total: 1, Processed: 1},
		},
	}
	require.NoError(t, f.store.Create(ctx, task))

	n, err := f.svc.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.dispatcher.chunks())
}

func TestCreateTaskRejectsInvalidURL(t *testing.T) {
	f := newServiceFixture(t, defaultTestConfig())
	_, err := f.svc.CreateTask(context.Background(), "", "   ", 4)
	assert.Error(t, err)
}
