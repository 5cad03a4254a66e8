// Package store implements Postgres persistence for citation tasks and
// backlinks. Concurrent chunk merges are serialized per task row with
// SELECT ... FOR UPDATE; everything else is plain guarded updates.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/citewatch/orchestrator/internal/citation"
)

// Tasks is the Postgres-backed citation.TaskStore.
type Tasks struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewTasks builds the task store.
func NewTasks(db *sqlx.DB, logger *zap.Logger) *Tasks {
	return &Tasks{db: db, logger: logger}
}

const taskColumns = `id, user_id, target_url, status, queries, results, competitors, meta, created_at, updated_at`

type taskRow struct {
	ID          string         `db:"id"`
	UserID      sql.NullString `db:"user_id"`
	TargetURL   string         `db:"target_url"`
	Status      string         `db:"status"`
	Queries     []byte         `db:"queries"`
	Results     []byte         `db:"results"`
	Competitors []byte         `db:"competitors"`
	Meta        []byte         `db:"meta"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r taskRow) toTask() (*citation.Task, error) {
	t := &citation.Task{
		ID:        r.ID,
		UserID:    r.UserID.String,
		TargetURL: r.TargetURL,
		Status:    citation.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Queries) > 0 {
		if err := json.Unmarshal(r.Queries, &t.Queries); err != nil {
			return nil, fmt.Errorf("decode queries for task %s: %w", r.ID, err)
		}
	}
	if len(r.Results) > 0 {
		if err := json.Unmarshal(r.Results, &t.Results); err != nil {
			return nil, fmt.Errorf("decode results for task %s: %w", r.ID, err)
		}
	}
	if t.Results.ByQuery == nil {
		t.Results.ByQuery = make(map[string]citation.QueryResult)
	}
	if len(r.Competitors) > 0 {
		if err := json.Unmarshal(r.Competitors, &t.Competitors); err != nil {
			return nil, fmt.Errorf("decode competitors for task %s: %w", r.ID, err)
		}
	}
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &t.Meta); err != nil {
			return nil, fmt.Errorf("decode meta for task %s: %w", r.ID, err)
		}
	}
	return t, nil
}

// Create inserts a new task row.
func (s *Tasks) Create(ctx context.Context, task *citation.Task) error {
	queries, err := json.Marshal(task.Queries)
	if err != nil {
		return fmt.Errorf("encode queries: %w", err)
	}
	results, err := json.Marshal(task.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	meta, err := json.Marshal(task.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	var userID interface{}
	if task.UserID != "" {
		userID = task.UserID
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO citation_tasks (id, user_id, target_url, status, queries, results, competitors, meta, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7, NOW(), NOW())`,
		task.ID, userID, task.TargetURL, string(task.Status), queries, results, meta,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get loads one task by id.
func (s *Tasks) Get(ctx context.Context, id string) (*citation.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM citation_tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, citation.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	return row.toTask()
}

// FindRecentCompleted returns the most recently completed task for the
// normalized URL inside the freshness window, or (nil, nil) when none exists.
func (s *Tasks) FindRecentCompleted(ctx context.Context, normalizedURL string, since time.Time) (*citation.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+taskColumns+` FROM citation_tasks
		WHERE target_url = $1 AND status = 'completed' AND updated_at >= $2
		ORDER BY updated_at DESC
		LIMIT 1`,
		normalizedURL, since,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select recent task: %w", err)
	}
	return row.toTask()
}

// SetQueries stores the generated query list and sets progress.total in the
// same statement.
func (s *Tasks) SetQueries(ctx context.Context, id string, queries []string) error {
	data, err := json.Marshal(queries)
	if err != nil {
		return fmt.Errorf("encode queries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE citation_tasks
		SET queries = $2,
		    results = jsonb_set(results, '{progress,total}', to_jsonb($3::int), true),
		    updated_at = NOW()
		WHERE id = $1`,
		id, data, len(queries),
	)
	if err != nil {
		return fmt.Errorf("update queries: %w", err)
	}
	return nil
}

// allStatuses enumerates the lifecycle for transition-guard queries.
var allStatuses = []citation.Status{
	citation.StatusPending,
	citation.StatusGenerating,
	citation.StatusQueued,
	citation.StatusProcessing,
	citation.StatusCompleted,
	citation.StatusFailed,
}

func allowedFrom(to citation.Status) []string {
	var from []string
	for _, s := range allStatuses {
		if citation.CanTransition(s, to) {
			from = append(from, string(s))
		}
	}
	return from
}

// UpdateStatus moves the task forward in its lifecycle. The transition guard
// lives in the WHERE clause, so a stale or backward transition touches zero
// rows and is silently dropped.
func (s *Tasks) UpdateStatus(ctx context.Context, id string, status citation.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE citation_tasks
		SET status = $2,
		    meta = CASE WHEN $3 <> '' THEN jsonb_set(meta, '{error}', to_jsonb($3::text), true) ELSE meta END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, string(status), errMsg, pq.Array(allowedFrom(status)),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("status transition dropped by guard",
			zap.String("task_id", id),
			zap.String("to", string(status)),
		)
	}
	return nil
}

// AppendResults merges a chunk's results into the task under a row lock and
// returns the merged task. Processed is recomputed from the merged by_query
// size unless the patch carries an explicit increment.
func (s *Tasks) AppendResults(ctx context.Context, id string, patch citation.ResultsPatch) (*citation.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row taskRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM citation_tasks WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, fmt.Errorf("lock task %s: %w", id, err)
	}
	task, err := row.toTask()
	if err != nil {
		return nil, err
	}

	task.Results.ByQuery = citation.MergeByQuery(task.Results.ByQuery, patch.ByQuery)
	if patch.ProcessedIncrement != nil {
		task.Results.Progress.Processed += *patch.ProcessedIncrement
	} else {
		task.Results.Progress.Processed = len(task.Results.ByQuery)
	}
	if patch.LastQueryIndex > task.Results.Progress.LastQueryIndex {
		task.Results.Progress.LastQueryIndex = patch.LastQueryIndex
	}
	task.Results.Progress.UpdatedAt = time.Now().UTC()

	results, err := json.Marshal(task.Results)
	if err != nil {
		return nil, fmt.Errorf("encode merged results: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE citation_tasks SET results = $2, updated_at = NOW() WHERE id = $1`,
		id, results,
	)
	if err != nil {
		return nil, fmt.Errorf("write merged results: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit merge: %w", err)
	}
	return task, nil
}

// UpdateCompetitorsAndMeta writes the final scores under the same row lock as
// result merges, preserving a previously recorded error message.
func (s *Tasks) UpdateCompetitorsAndMeta(ctx context.Context, id string, competitors []citation.Competitor, meta citation.Meta) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meta tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row taskRow
	err = tx.GetContext(ctx, &row,
		`SELECT `+taskColumns+` FROM citation_tasks WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return fmt.Errorf("lock task %s: %w", id, err)
	}
	task, err := row.toTask()
	if err != nil {
		return err
	}
	if meta.Error == "" {
		meta.Error = task.Meta.Error
	}

	if competitors == nil {
		competitors = []citation.Competitor{}
	}
	compData, err := json.Marshal(competitors)
	if err != nil {
		return fmt.Errorf("encode competitors: %w", err)
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE citation_tasks SET competitors = $2, meta = $3, updated_at = NOW() WHERE id = $1`,
		id, compData, metaData,
	)
	if err != nil {
		return fmt.Errorf("write competitors and meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit meta: %w", err)
	}
	return nil
}
