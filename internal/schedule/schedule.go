// Package schedule attaches cron triggers to pipelines. Each fire enqueues
// one job with the pipeline's default payload; fires whose payload matches a
// job already sitting in the queue are skipped.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/job"
)

// Enqueuer is the slice of the executor the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, pipelineID string, payload job.Payload) (*job.Job, error)
}

// Deduper answers whether an identical payload is already queued.
type Deduper interface {
	HasQueuedFingerprint(ctx context.Context, pipelineID, fingerprint string) (bool, error)
}

// Scheduler wraps a cron runner. Missed fires during downtime are not
// replayed.
type Scheduler struct {
	cron  *cron.Cron
	exec  Enqueuer
	dedup Deduper
	log   zerolog.Logger
}

func New(loc *time.Location, exec Enqueuer, dedup Deduper, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(loc)),
		exec:  exec,
		dedup: dedup,
		log:   log,
	}
}

// Add attaches a five-field cron trigger for one pipeline. The expression is
// validated here; a bad expression fails startup rather than being silently
// ignored.
func (s *Scheduler) Add(pipelineID, expr string, payload job.Payload) error {
	if err := job.ValidateID(pipelineID); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(expr, func() { s.fire(pipelineID, payload) })
	if err != nil {
		return fmt.Errorf("cron for %s: %w", pipelineID, err)
	}
	s.log.Info().Str("pipeline_id", pipelineID).Str("cron", expr).Msg("trigger scheduled")
	return nil
}

func (s *Scheduler) fire(pipelineID string, payload job.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fp := payload.Fingerprint(pipelineID)
	if s.dedup != nil {
		queued, err := s.dedup.HasQueuedFingerprint(ctx, pipelineID, fp)
		if err != nil {
			s.log.Error().Err(err).Str("pipeline_id", pipelineID).Msg("dedupe check failed")
		} else if queued {
			s.log.Info().Str("pipeline_id", pipelineID).
				Msg("cron fire skipped: identical job already queued")
			return
		}
	}

	j, err := s.exec.Enqueue(ctx, pipelineID, payload)
	if err != nil {
		s.log.Error().Err(err).Str("pipeline_id", pipelineID).Msg("cron enqueue failed")
		return
	}
	s.log.Info().Str("pipeline_id", pipelineID).Str("job_id", j.ID).Msg("cron fired")
}

// Start begins firing triggers on their schedule.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron runner and waits for in-flight fire callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Entries reports the next fire time per trigger, for the status endpoint.
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}
