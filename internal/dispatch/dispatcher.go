// Package dispatch defines the background-work boundary of the orchestrator:
// one job is one chunk of queries for one task, or one backlink's enrichment.
// The Dispatcher contract is fire-and-forget; a durable queue can stand in
// for the in-process pool without touching the callers.
package dispatch

import (
	"context"
	"time"
)

// Kind identifies a unit-of-work type.
type Kind string

const (
	// KindChunk processes one chunk of queries for one citation task.
	KindChunk Kind = "citation_chunk"
	// KindEnrichBacklink runs the enrichment pipeline for one backlink.
	KindEnrichBacklink Kind = "backlink_enrichment"
)

// ChunkPayload carries one chunk job. Chunk maps stable query indices to
// query strings.
type ChunkPayload struct {
	TaskID string            `json:"task_id"`
	Chunk  map[string]string `json:"chunk"`
}

// EnrichPayload carries one backlink enrichment job.
type EnrichPayload struct {
	BacklinkID string `json:"backlink_id"`
}

// Job is one schedulable unit of work.
type Job struct {
	Kind    Kind
	Payload interface{}
}

// Dispatcher schedules jobs for background execution.
type Dispatcher interface {
	// Dispatch schedules a job, optionally delayed. It returns once the job
	// is accepted, not once it runs.
	Dispatch(ctx context.Context, job Job, delay time.Duration) error
}

// Handler executes one job. Handlers own their error handling; a returned
// error is logged by the pool, never retried (retry policy belongs to the
// task engine, which re-dispatches missing work explicitly).
type Handler func(ctx context.Context, job Job) error
