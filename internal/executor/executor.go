// Package executor is the lifecycle engine: it accepts jobs, enforces the
// concurrency cap, runs handlers, persists every transition, and emits
// lifecycle events.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	sretry "github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/sidequest/sidequest/internal/classify"
	"github.com/sidequest/sidequest/internal/events"
	"github.com/sidequest/sidequest/internal/gitflow"
	"github.com/sidequest/sidequest/internal/job"
	"github.com/sidequest/sidequest/internal/registry"
	"github.com/sidequest/sidequest/internal/retry"
	"github.com/sidequest/sidequest/internal/store"
)

var (
	// ErrUnknownPipeline rejects enqueues for unregistered pipeline ids.
	ErrUnknownPipeline = errors.New("pipeline is not registered")

	// ErrConflict marks a state-machine violation, e.g. cancelling a
	// job that already reached a terminal status.
	ErrConflict = errors.New("operation conflicts with current job status")

	// ErrStopped rejects enqueues after shutdown began.
	ErrStopped = errors.New("executor is stopped")
)

// Options wires the executor's collaborators.
type Options struct {
	Registry *registry.Registry
	Store    *store.Store
	Retries  *retry.Engine
	Git      *gitflow.Manager
	Bus      *events.Bus
	Log      zerolog.Logger

	MaxConcurrent     int
	DefaultMaxRetries int
	PipelineTimeout   time.Duration
	StatsInterval     time.Duration

	Metrics prometheus.Registerer
}

// Stats is the aggregate view returned by Stats and pushed on the bus as
// stats:update.
type Stats struct {
	store.StatusCounts
	Capacity     int            `json:"capacity"`
	Running      int            `json:"runningNow"`
	RetryMetrics retry.Snapshot `json:"retryMetrics"`
}

// Executor owns all job state transitions.
type Executor struct {
	reg     *registry.Registry
	store   *store.Store
	retries *retry.Engine
	git     *gitflow.Manager
	bus     *events.Bus
	log     zerolog.Logger

	capacity          int
	defaultMaxRetries int
	timeout           time.Duration
	statsInterval     time.Duration

	sem *semaphore.Weighted

	mu          sync.Mutex
	pending     []string
	parked      map[string][]string
	perPipeline map[string]int
	cancels     map[string]context.CancelFunc
	requested   map[string]bool
	running     int
	accepting   bool
	stopping    bool
	wake        chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	startedTotal  prometheus.Counter
	finishedTotal *prometheus.CounterVec
	runningGauge  prometheus.Gauge

	now func() time.Time
}

// New builds an executor. Call Start before Enqueue.
func New(opts Options) *Executor {
	if opts.MaxConcurrent < 0 {
		opts.MaxConcurrent = 0
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = 3
	}
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = 10 * time.Minute
	}
	e := &Executor{
		reg:               opts.Registry,
		store:             opts.Store,
		retries:           opts.Retries,
		git:               opts.Git,
		bus:               opts.Bus,
		log:               opts.Log,
		capacity:          opts.MaxConcurrent,
		defaultMaxRetries: opts.DefaultMaxRetries,
		timeout:           opts.PipelineTimeout,
		statsInterval:     opts.StatsInterval,
		sem:               semaphore.NewWeighted(int64(max(opts.MaxConcurrent, 1))),
		parked:            make(map[string][]string),
		perPipeline:       make(map[string]int),
		cancels:           make(map[string]context.CancelFunc),
		requested:         make(map[string]bool),
		wake:              make(chan struct{}, 1),
		now:               func() time.Time { return time.Now().UTC() },
		startedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidequest_jobs_started_total",
			Help: "Job attempts started.",
		}),
		finishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sidequest_jobs_finished_total",
			Help: "Job attempts finished, by outcome.",
		}, []string{"outcome"}),
		runningGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidequest_jobs_running",
			Help: "Jobs currently running.",
		}),
	}
	if opts.Metrics != nil {
		opts.Metrics.MustRegister(e.startedTotal, e.finishedTotal, e.runningGauge)
	}
	return e
}

// Start recovers persisted state and begins dispatching. Jobs found in
// running status are from a previous process and go back to queued.
func (e *Executor) Start(ctx context.Context) error {
	if n, err := e.store.ResetRunning(ctx); err != nil {
		return fmt.Errorf("recover running jobs: %w", err)
	} else if n > 0 {
		e.log.Warn().Int("jobs", n).Msg("requeued jobs left running by a previous process")
	}
	queued, err := e.store.QueuedJobs(ctx)
	if err != nil {
		return fmt.Errorf("load queued jobs: %w", err)
	}

	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	e.mu.Lock()
	for _, j := range queued {
		e.pending = append(e.pending, j.ID)
	}
	e.accepting = true
	e.mu.Unlock()

	e.retries.SetRequeue(e.requeueFromTimer)

	e.wg.Add(1)
	go e.dispatch()
	if e.statsInterval > 0 {
		e.wg.Add(1)
		go e.statsLoop()
	}
	e.log.Info().Int("capacity", e.capacity).Int("recovered", len(queued)).Msg("executor started")
	return nil
}

// Enqueue validates, persists, and queues a new job. It returns immediately;
// the dispatcher picks the job up when a slot frees.
func (e *Executor) Enqueue(ctx context.Context, pipelineID string, payload job.Payload) (*job.Job, error) {
	if err := job.ValidateID(pipelineID); err != nil {
		return nil, err
	}
	w, ok := e.reg.Get(pipelineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, pipelineID)
	}
	if payload == nil {
		payload = w.DefaultPayload
	}

	j := &job.Job{
		ID:          job.NewID(),
		PipelineID:  pipelineID,
		Status:      job.StatusQueued,
		Attempt:     1,
		MaxRetries:  e.defaultMaxRetries,
		Payload:     payload,
		Fingerprint: payload.Fingerprint(pipelineID),
		CreatedAt:   e.now(),
	}

	e.mu.Lock()
	if !e.accepting {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	e.mu.Unlock()

	if err := e.store.SaveJob(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	e.mu.Lock()
	e.pending = append(e.pending, j.ID)
	e.mu.Unlock()
	e.kick()

	e.publish(events.JobCreated, j, map[string]any{"payload": payload}, "")
	e.log.Info().Str("job_id", j.ID).Str("pipeline_id", pipelineID).Msg("job enqueued")
	return j.Clone(), nil
}

// Cancel requests cancellation. Queued and paused jobs transition at once;
// running jobs get their context cancelled and transition when the handler
// returns.
func (e *Executor) Cancel(ctx context.Context, jobID string) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch j.Status {
	case job.StatusQueued, job.StatusPaused:
		e.mu.Lock()
		e.removePending(jobID)
		e.mu.Unlock()
		e.retries.CancelPending(jobID)
		e.retries.Forget(jobID)

		j.Status = job.StatusCancelled
		now := e.now()
		j.CompletedAt = &now
		j.NextAttemptAt = nil
		e.saveDurably(ctx, j)
		e.publish(events.JobCancelled, j, nil, "")
		e.log.Info().Str("job_id", jobID).Msg("job cancelled before start")
		return nil
	case job.StatusRunning:
		e.mu.Lock()
		cancel := e.cancels[jobID]
		e.requested[jobID] = true
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.log.Info().Str("job_id", jobID).Msg("cancellation requested for running job")
		return nil
	default:
		return fmt.Errorf("%w: cannot cancel %s job", ErrConflict, j.Status)
	}
}

// Pause parks a queued job. Running jobs cannot be paused.
func (e *Executor) Pause(ctx context.Context, jobID string) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusQueued {
		return fmt.Errorf("%w: cannot pause %s job", ErrConflict, j.Status)
	}
	e.mu.Lock()
	e.removePending(jobID)
	e.mu.Unlock()
	e.retries.CancelPending(jobID)

	j.Status = job.StatusPaused
	j.NextAttemptAt = nil
	if err := e.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("persist pause: %w", err)
	}
	e.publish(events.PipelineStatus, j, map[string]any{"status": string(job.StatusPaused)}, "")
	return nil
}

// Resume returns a paused job to the queue.
func (e *Executor) Resume(ctx context.Context, jobID string) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusPaused {
		return fmt.Errorf("%w: cannot resume %s job", ErrConflict, j.Status)
	}
	j.Status = job.StatusQueued
	if err := e.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("persist resume: %w", err)
	}
	e.mu.Lock()
	e.pending = append(e.pending, jobID)
	e.mu.Unlock()
	e.kick()
	e.publish(events.PipelineStatus, j, map[string]any{"status": string(job.StatusQueued)}, "")
	return nil
}

// Retry re-enqueues a failed job with the attempt counter reset to 1.
func (e *Executor) Retry(ctx context.Context, jobID string) error {
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != job.StatusFailed {
		return fmt.Errorf("%w: cannot retry %s job", ErrConflict, j.Status)
	}
	e.retries.Forget(jobID)

	j.Status = job.StatusQueued
	j.Attempt = 1
	j.ErrorInfo = nil
	j.Result = nil
	j.CompletedAt = nil
	j.NextAttemptAt = nil
	if err := e.store.SaveJob(ctx, j); err != nil {
		return fmt.Errorf("persist retry: %w", err)
	}
	e.mu.Lock()
	e.pending = append(e.pending, jobID)
	e.mu.Unlock()
	e.kick()
	e.log.Info().Str("job_id", jobID).Msg("failed job re-enqueued")
	return nil
}

// Stats aggregates queue counts, capacity, and retry metrics.
func (e *Executor) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.store.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	return Stats{
		StatusCounts: counts,
		Capacity:     e.capacity,
		Running:      running,
		RetryMetrics: e.retries.Stats(),
	}, nil
}

// Stop shuts down gracefully: no new enqueues, running jobs are asked to
// cancel, and the call returns when everything drained or ctx expires.
// Queued jobs stay queued for the next process.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return nil
	}
	e.accepting = false
	e.stopping = true
	e.mu.Unlock()

	e.baseCancel()
	e.kick()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.log.Info().Msg("executor stopped")
		return nil
	case <-ctx.Done():
		e.log.Warn().Msg("executor stop timed out; some jobs may not have honored cancellation")
		return ctx.Err()
	}
}

// requeueFromTimer is the retry engine's callback: a backoff timer expired
// and the job should run again carrying the given attempt number.
func (e *Executor) requeueFromTimer(jobID string, attempt int, _ time.Time) {
	ctx := context.Background()
	// The attempt that armed this timer persists its queued transition
	// right after scheduling; under a slow disk the row can still read
	// running when the timer fires. Poll until the write lands.
	var j *job.Job
	b := sretry.WithMaxDuration(15*time.Second, sretry.NewConstant(200*time.Millisecond))
	err := sretry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		j, err = e.store.GetJob(ctx, jobID)
		if err != nil {
			return sretry.RetryableError(err)
		}
		if j.Status == job.StatusRunning {
			return sretry.RetryableError(errors.New("queued transition not yet persisted"))
		}
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Msg("retry requeue: load failed")
		return
	}
	if j.Status != job.StatusQueued {
		// Cancelled or paused while the timer was pending.
		return
	}
	j.Attempt = attempt
	j.NextAttemptAt = nil
	if err := e.store.SaveJob(ctx, j); err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Msg("retry requeue: persist failed")
	}
	e.mu.Lock()
	e.pending = append(e.pending, jobID)
	e.mu.Unlock()
	e.kick()
}

func (e *Executor) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) removePending(jobID string) {
	for i, id := range e.pending {
		if id == jobID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
	for pid, q := range e.parked {
		for i, id := range q {
			if id == jobID {
				q = append(q[:i], q[i+1:]...)
				if len(q) == 0 {
					delete(e.parked, pid)
				} else {
					e.parked[pid] = q
				}
				return
			}
		}
	}
}

// acquirePipeline reserves one of the pipeline's own slots. limit <= 0 means
// the pipeline only competes for global capacity. When the pipeline is at
// its limit the job is parked; releasePipeline hands it back to the front of
// the queue, so FIFO order within the pipeline holds.
func (e *Executor) acquirePipeline(pipelineID string, limit int, jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit > 0 && e.perPipeline[pipelineID] >= limit {
		e.parked[pipelineID] = append(e.parked[pipelineID], jobID)
		return false
	}
	e.perPipeline[pipelineID]++
	return true
}

func (e *Executor) releasePipeline(pipelineID string) {
	e.mu.Lock()
	if e.perPipeline[pipelineID]--; e.perPipeline[pipelineID] <= 0 {
		delete(e.perPipeline, pipelineID)
	}
	if q := e.parked[pipelineID]; len(q) > 0 {
		e.pending = append([]string{q[0]}, e.pending...)
		if len(q) == 1 {
			delete(e.parked, pipelineID)
		} else {
			e.parked[pipelineID] = q[1:]
		}
	}
	e.mu.Unlock()
	e.kick()
}

// dispatch pops queued jobs in FIFO order, acquiring a slot for each.
func (e *Executor) dispatch() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			return
		}
		var next string
		if e.capacity > 0 && len(e.pending) > 0 {
			next = e.pending[0]
			e.pending = e.pending[1:]
		}
		e.mu.Unlock()

		if next == "" {
			select {
			case <-e.wake:
			case <-e.baseCtx.Done():
				return
			}
			continue
		}

		if err := e.sem.Acquire(e.baseCtx, 1); err != nil {
			return
		}
		e.wg.Add(1)
		go func(jobID string) {
			defer e.wg.Done()
			defer e.sem.Release(1)
			e.run(jobID)
		}(next)
	}
}

// run executes one attempt of one job.
func (e *Executor) run(jobID string) {
	ctx := context.Background()
	j, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Msg("dispatch: load failed")
		return
	}
	if j.Status != job.StatusQueued {
		return
	}
	w, ok := e.reg.Get(j.PipelineID)
	if !ok {
		e.log.Error().Str("job_id", jobID).Str("pipeline_id", j.PipelineID).
			Msg("dispatch: pipeline vanished from registry")
		return
	}
	if !e.acquirePipeline(j.PipelineID, w.MaxConcurrent, jobID) {
		return
	}
	defer e.releasePipeline(j.PipelineID)

	started := e.now()
	j.Status = job.StatusRunning
	j.StartedAt = &started
	j.ErrorInfo = nil
	j.NextAttemptAt = nil
	if err := e.store.SaveJob(ctx, j); err != nil {
		e.log.Error().Err(err).Str("job_id", jobID).Msg("persist running state failed")
	}
	e.publish(events.JobStarted, j, map[string]any{"attempt": j.Attempt}, "")
	e.startedTotal.Inc()
	e.setRunning(jobID, +1)

	jobCtx, cancel := context.WithTimeout(e.baseCtx, e.timeout)
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.cancels, jobID)
		// A cancel request the handler outran must not linger.
		delete(e.requested, jobID)
		e.mu.Unlock()
		e.setRunning(jobID, -1)
	}()

	gitActive := w.Git != registry.GitNone && e.git != nil && e.git.Enabled()
	if gitActive {
		branch, err := e.git.CreateJobBranch(jobCtx, j)
		if err != nil {
			e.failTerminal(ctx, j, &job.ErrorInfo{
				Message:   err.Error(),
				Kind:      job.KindInfrastructure,
				Retryable: false,
			}, time.Since(started))
			return
		}
		j.BranchName = branch
	}

	result, runErr := e.invoke(jobCtx, w, j, gitActive)
	elapsed := time.Since(started)

	if runErr != nil && jobCtx.Err() == context.Canceled && e.cancelRequested(jobID) {
		j.Status = job.StatusCancelled
		now := e.now()
		j.CompletedAt = &now
		e.saveDurably(ctx, j)
		e.publish(events.JobCancelled, j, nil, "")
		e.finishedTotal.WithLabelValues("cancelled").Inc()
		if gitActive {
			e.git.CleanupOnFailure(context.Background(), j)
		}
		e.retries.Forget(jobID)
		e.reg.RecordRun(j.PipelineID, job.StatusCancelled, elapsed, nil)
		e.log.Info().Str("job_id", jobID).Msg("job cancelled")
		return
	}

	if runErr != nil && jobCtx.Err() == context.Canceled && e.isStopping() {
		// Shutdown, not a user cancel: hand the job back to the queue
		// for the next process.
		j.Status = job.StatusQueued
		j.StartedAt = nil
		e.saveDurably(context.Background(), j)
		return
	}

	if runErr == nil {
		e.complete(ctx, j, w, result, gitActive, elapsed)
		return
	}
	e.fail(ctx, j, w, runErr, gitActive, elapsed)
}

// invoke runs the handler with panic recovery.
func (e *Executor) invoke(ctx context.Context, w *registry.Worker, j *job.Job, gitActive bool) (result job.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			e.log.Error().Str("job_id", j.ID).Interface("panic", r).Msg("handler panicked")
		}
	}()

	jobLog := e.log.With().Str("job_id", j.ID).Str("pipeline_id", j.PipelineID).Logger()
	rc := &registry.RunContext{
		Job: j,
		Log: jobLog,
		Commit: func(message string) error {
			if !gitActive || w.Git != registry.GitMultiCommit {
				return nil
			}
			return e.git.Commit(ctx, j, message)
		},
		SetProgress: func(percent int, message string) {
			if percent < 0 {
				percent = 0
			}
			if percent > 100 {
				percent = 100
			}
			e.publish(events.JobProgress, j, map[string]any{
				"percent": percent,
				"message": message,
			}, "")
		},
	}
	return w.Handler(ctx, rc)
}

func (e *Executor) complete(ctx context.Context, j *job.Job, w *registry.Worker, result job.Payload, gitActive bool, elapsed time.Duration) {
	if gitActive {
		if w.Git == registry.GitSingleCommit {
			if err := e.git.Commit(context.Background(), j, fmt.Sprintf("%s: job %s", j.PipelineID, j.ID)); err != nil {
				e.fail(ctx, j, w, err, gitActive, elapsed)
				return
			}
		}
		// Push and PR failures are logged, never propagated: the work
		// itself succeeded and the branch stays local.
		url, err := e.git.PushAndCreatePR(context.Background(), j, gitflow.PRRequest{
			Title: fmt.Sprintf("%s: automated run %s", w.Name, j.ID),
			Body:  fmt.Sprintf("Automated %s run for job `%s`.", w.Name, j.ID),
		})
		if err != nil {
			e.log.Error().Err(err).Str("job_id", j.ID).Msg("push/PR failed; branch preserved locally")
		}
		j.PRURL = url
	}

	j.Status = job.StatusCompleted
	j.Result = result
	now := e.now()
	j.CompletedAt = &now
	e.saveDurably(ctx, j)
	e.publish(events.JobCompleted, j, map[string]any{"result": result, "prUrl": j.PRURL}, "")
	e.finishedTotal.WithLabelValues("completed").Inc()
	e.retries.Forget(j.ID)
	e.reg.RecordRun(j.PipelineID, job.StatusCompleted, elapsed, nil)
	e.log.Info().Str("job_id", j.ID).Dur("elapsed", elapsed).Msg("job completed")
}

func (e *Executor) fail(ctx context.Context, j *job.Job, w *registry.Worker, runErr error, gitActive bool, elapsed time.Duration) {
	cls := classify.Classify(runErr)
	outcome := e.retries.Schedule(j, cls)

	if outcome == retry.OutcomeScheduled {
		j.Status = job.StatusQueued
		j.StartedAt = nil
		j.ErrorInfo = nil
		e.saveDurably(ctx, j)
		e.publish(events.RetryScheduled, j, map[string]any{
			"reason":        cls.Reason,
			"nextAttemptAt": j.NextAttemptAt,
		}, "warning")
		e.finishedTotal.WithLabelValues("retried").Inc()
		e.log.Warn().Err(runErr).Str("job_id", j.ID).Str("reason", cls.Reason).
			Msg("attempt failed; retry scheduled")
		return
	}

	info := &job.ErrorInfo{
		Message:   runErr.Error(),
		Kind:      classify.Kind(cls),
		Retryable: false,
	}
	var cerr *classify.Error
	if errors.As(runErr, &cerr) {
		info.Code = cerr.Code
		if cerr.Cause != nil {
			info.Cause = cerr.Cause.Error()
		}
	}
	if outcome == retry.OutcomeCircuitBroken {
		info.Kind = job.KindCircuitBroken
	}
	e.failTerminal(ctx, j, info, elapsed)
}

func (e *Executor) failTerminal(ctx context.Context, j *job.Job, info *job.ErrorInfo, elapsed time.Duration) {
	j.Status = job.StatusFailed
	j.ErrorInfo = info
	now := e.now()
	j.CompletedAt = &now
	e.saveDurably(ctx, j)
	e.publish(events.JobFailed, j, map[string]any{
		"error": info.Message,
		"kind":  info.Kind,
	}, "error")
	e.finishedTotal.WithLabelValues("failed").Inc()
	if j.BranchName != "" {
		e.git.CleanupOnFailure(context.Background(), j)
	}
	e.retries.Forget(j.ID)
	e.reg.RecordRun(j.PipelineID, job.StatusFailed, elapsed, errors.New(info.Message))
	e.log.Error().Str("job_id", j.ID).Str("kind", info.Kind).Str("error", info.Message).
		Msg("job failed")
}

// saveDurably persists a terminal or retry transition, retrying the write
// with backoff so in-memory and persisted state cannot diverge for long.
func (e *Executor) saveDurably(ctx context.Context, j *job.Job) {
	b := sretry.WithCappedDuration(10*time.Second, sretry.NewFibonacci(500*time.Millisecond))
	err := sretry.Do(ctx, b, func(ctx context.Context) error {
		if err := e.store.SaveJob(ctx, j); err != nil {
			e.log.Error().Err(err).Str("job_id", j.ID).Msg("persist failed; retrying")
			return sretry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Str("job_id", j.ID).Msg("giving up on persist")
	}
}

func (e *Executor) cancelRequested(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.requested[jobID] {
		delete(e.requested, jobID)
		return true
	}
	return false
}

func (e *Executor) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}

func (e *Executor) setRunning(jobID string, delta int) {
	e.mu.Lock()
	e.running += delta
	e.mu.Unlock()
	if delta > 0 {
		e.runningGauge.Inc()
	} else {
		e.runningGauge.Dec()
	}
}

func (e *Executor) statsLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.statsInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			stats, err := e.Stats(context.Background())
			if err != nil {
				continue
			}
			e.bus.Publish(events.Event{
				Type: events.StatsUpdate,
				Payload: map[string]any{
					"queued":    stats.Queued,
					"running":   stats.Running,
					"completed": stats.Completed,
					"failed":    stats.Failed,
					"cancelled": stats.Cancelled,
					"paused":    stats.Paused,
					"capacity":  stats.Capacity,
				},
			})
		case <-e.baseCtx.Done():
			return
		}
	}
}

func (e *Executor) publish(kind events.Kind, j *job.Job, payload map[string]any, severity string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:       kind,
		JobID:      j.ID,
		PipelineID: j.PipelineID,
		Severity:   severity,
		Payload:    payload,
	})
}
