// Package registry is the process-global lookup of pipeline id to worker.
// Registration happens once at startup; after that the registry is read-only
// except for run-stat accounting.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sidequest/sidequest/internal/job"
)

// GitStrategy selects how the git overlay wraps a pipeline's work.
type GitStrategy string

const (
	GitNone         GitStrategy = "none"
	GitSingleCommit GitStrategy = "single-commit"
	GitMultiCommit  GitStrategy = "multi-commit"
)

func (g GitStrategy) Valid() bool {
	switch g {
	case GitNone, GitSingleCommit, GitMultiCommit:
		return true
	}
	return false
}

// RunContext is what a handler gets beyond its context: the job under
// execution, a job-scoped logger, and callbacks wired by the executor.
type RunContext struct {
	Job *job.Job
	Log zerolog.Logger

	// Commit stages and commits current work. Only meaningful for
	// multi-commit workers; a no-op otherwise.
	Commit func(message string) error

	// SetProgress reports handler progress (0-100) with a short note.
	SetProgress func(percent int, message string)
}

// Handler runs one job. It must honor ctx cancellation and return only when
// its work is complete or abandoned.
type Handler func(ctx context.Context, rc *RunContext) (job.Payload, error)

// Worker is one registered pipeline: its handler plus metadata the scheduler
// and git overlay consume.
type Worker struct {
	ID   string
	Name string
	Cron string
	Git  GitStrategy

	// MaxConcurrent caps simultaneous runs of this pipeline on top of the
	// executor's global capacity. 0 means no per-pipeline cap.
	MaxConcurrent int

	DefaultPayload job.Payload

	// ParamsSchema, when non-empty, is a JSON schema applied to the
	// `parameters` object of manual trigger requests.
	ParamsSchema string

	Handler Handler
}

// Stats accumulates per-worker run accounting.
type Stats struct {
	Runs        int64         `json:"runs"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	LastStatus  job.Status    `json:"lastStatus,omitempty"`
	LastRunAt   *time.Time    `json:"lastRunAt,omitempty"`
	LastErr     string        `json:"lastError,omitempty"`
	TotalRunFor time.Duration `json:"-"`
}

// AvgDuration is the mean wall-clock time of completed runs.
func (s Stats) AvgDuration() time.Duration {
	if s.Runs == 0 {
		return 0
	}
	return s.TotalRunFor / time.Duration(s.Runs)
}

type entry struct {
	worker *Worker
	schema *jsonschema.Schema
	stats  Stats
}

// Registry maps pipeline ids to workers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a worker. A pipeline id may be registered at most once per
// process.
func (r *Registry) Register(w Worker) error {
	if err := job.ValidateID(w.ID); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}
	if w.Handler == nil {
		return fmt.Errorf("register pipeline %q: handler is required", w.ID)
	}
	if w.Git == "" {
		w.Git = GitNone
	}
	if !w.Git.Valid() {
		return fmt.Errorf("register pipeline %q: git strategy %q (want none|single-commit|multi-commit)", w.ID, w.Git)
	}
	if w.Name == "" {
		w.Name = w.ID
	}

	var schema *jsonschema.Schema
	if w.ParamsSchema != "" {
		var err error
		schema, err = jsonschema.CompileString(w.ID+"/params.json", w.ParamsSchema)
		if err != nil {
			return fmt.Errorf("register pipeline %q: bad params schema: %w", w.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[w.ID]; dup {
		return fmt.Errorf("pipeline %q already registered", w.ID)
	}
	r.entries[w.ID] = &entry{worker: &w, schema: schema}
	return nil
}

// Get looks up a worker by pipeline id.
func (r *Registry) Get(pipelineID string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pipelineID]
	if !ok {
		return nil, false
	}
	return e.worker, true
}

// List returns all workers, sorted by id for stable API output.
func (r *Registry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Worker, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.worker)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateParams applies the worker's params schema, if any, to the
// parameters of a manual trigger. nil params validate against an absent
// schema and against schemas that allow empty objects.
func (r *Registry) ValidateParams(pipelineID string, params map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[pipelineID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pipeline %q is not registered", pipelineID)
	}
	if e.schema == nil {
		return nil
	}
	v := any(params)
	if params == nil {
		v = map[string]any{}
	}
	if err := e.schema.Validate(v); err != nil {
		return fmt.Errorf("parameters for %q: %w", pipelineID, err)
	}
	return nil
}

// RecordRun folds one finished run into the worker's stats.
func (r *Registry) RecordRun(pipelineID string, status job.Status, dur time.Duration, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[pipelineID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	e.stats.Runs++
	e.stats.LastStatus = status
	e.stats.LastRunAt = &now
	e.stats.TotalRunFor += dur
	switch status {
	case job.StatusCompleted:
		e.stats.Successes++
		e.stats.LastErr = ""
	case job.StatusFailed:
		e.stats.Failures++
		if runErr != nil {
			e.stats.LastErr = runErr.Error()
		}
	}
}

// AllStats aggregates per-worker stats keyed by pipeline id.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.stats
	}
	return out
}

// ScanMetrics returns the stats for one pipeline.
func (r *Registry) ScanMetrics(pipelineID string) (Stats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[pipelineID]
	if !ok {
		return Stats{}, false
	}
	return e.stats, true
}
