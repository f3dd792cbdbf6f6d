// Package retry tracks per-job retry state, schedules backoff timers, and
// enforces the absolute-attempt circuit breaker.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/classify"
	"github.com/sidequest/sidequest/internal/events"
	"github.com/sidequest/sidequest/internal/job"
)

// Outcome is the verdict of Schedule.
type Outcome string

const (
	OutcomeScheduled     Outcome = "scheduled"
	OutcomeCircuitBroken Outcome = "circuit_broken"
	OutcomeFatal         Outcome = "fatal"
)

// Backoff bounds. The base delay comes from the classifier but never drops
// below minBaseDelay; the doubled delay is capped at maxDelay.
const (
	minBaseDelay = 5 * time.Second
	maxDelay     = 5 * time.Minute

	// warnAfter is the attempt count at which operators get a heads-up
	// that the circuit breaker is approaching.
	warnAfter = 3

	// DefaultMaxAbsoluteAttempts is the circuit-breaker cap, independent
	// of any per-job maxRetries budget.
	DefaultMaxAbsoluteAttempts = 5
)

// RequeueFunc re-enqueues a job when its backoff timer fires. attempt is
// the attempt number the next run should carry.
type RequeueFunc func(jobID string, attempt int, at time.Time)

type record struct {
	attempts      int
	lastAttemptAt time.Time
	nextDelay     time.Duration
	timer         *time.Timer
}

// Engine holds all in-memory retry records, keyed by job id.
type Engine struct {
	maxAbsolute int
	bus         *events.Bus
	log         zerolog.Logger

	mu      sync.Mutex
	records map[string]*record
	requeue RequeueFunc

	totalAttempts int64
	perAttempt    map[int]int64

	scheduledTotal prometheus.Counter
	circuitTotal   prometheus.Counter
	activeGauge    prometheus.Gauge

	// now and jitter are swapped out by tests.
	now    func() time.Time
	jitter func() float64
}

// New creates an engine. maxAbsolute <= 0 falls back to the default cap.
func New(maxAbsolute int, bus *events.Bus, log zerolog.Logger, reg prometheus.Registerer) *Engine {
	if maxAbsolute <= 0 {
		maxAbsolute = DefaultMaxAbsoluteAttempts
	}
	e := &Engine{
		maxAbsolute: maxAbsolute,
		bus:         bus,
		log:         log,
		records:     make(map[string]*record),
		perAttempt:  make(map[int]int64),
		now:         time.Now,
		jitter:      rand.Float64,
		scheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidequest_retries_scheduled_total",
			Help: "Retries scheduled by the retry engine.",
		}),
		circuitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidequest_retry_circuit_open_total",
			Help: "Jobs refused further retries by the circuit breaker.",
		}),
		activeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidequest_retries_pending",
			Help: "Retry timers currently pending.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.scheduledTotal, e.circuitTotal, e.activeGauge)
	}
	return e
}

// SetRequeue wires the executor's re-enqueue callback. Must be called
// before the first Schedule.
func (e *Engine) SetRequeue(fn RequeueFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requeue = fn
}

// Schedule decides the fate of a failed attempt. On OutcomeScheduled a
// timer re-enqueues the job after an exponential backoff with jitter.
func (e *Engine) Schedule(j *job.Job, cls classify.Classification) Outcome {
	if cls.Category == classify.NonRetryable {
		return OutcomeFatal
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec := e.records[j.ID]
	if rec == nil {
		rec = &record{}
		e.records[j.ID] = rec
	}
	rec.attempts++
	rec.lastAttemptAt = e.now()
	e.totalAttempts++
	e.perAttempt[rec.attempts]++

	if rec.attempts >= e.maxAbsolute {
		e.circuitTotal.Inc()
		e.log.Warn().Str("job_id", j.ID).Int("attempts", rec.attempts).
			Msg("circuit breaker open: refusing further retries")
		e.publish(events.RetryCircuit, j, map[string]any{
			"attempts":            rec.attempts,
			"maxAbsoluteAttempts": e.maxAbsolute,
		}, "error")
		return OutcomeCircuitBroken
	}

	if rec.attempts >= warnAfter {
		e.publish(events.RetryWarning, j, map[string]any{
			"attempts":            rec.attempts,
			"maxAbsoluteAttempts": e.maxAbsolute,
		}, "warning")
	}

	delay := e.computeDelay(rec.attempts, cls.SuggestedDelay)
	rec.nextDelay = delay
	nextAttempt := rec.attempts + 1
	next := e.now().Add(delay)
	j.NextAttemptAt = &next

	jobID := j.ID
	rec.timer = time.AfterFunc(delay, func() { e.fire(jobID, nextAttempt) })
	e.scheduledTotal.Inc()
	e.activeGauge.Inc()

	e.log.Info().Str("job_id", jobID).Int("attempt", rec.attempts).
		Dur("delay", delay).Msg("retry scheduled")
	return OutcomeScheduled
}

func (e *Engine) fire(jobID string, attempt int) {
	e.mu.Lock()
	rec := e.records[jobID]
	if rec == nil || rec.timer == nil {
		// Cancelled between fire and lock acquisition.
		e.mu.Unlock()
		return
	}
	rec.timer = nil
	fn := e.requeue
	e.activeGauge.Dec()
	e.mu.Unlock()

	if fn != nil {
		fn(jobID, attempt, e.now())
	}
}

// CancelPending stops a pending retry timer, if any. Returns true when a
// timer was actually pending; the caller then owns the job's next status.
func (e *Engine) CancelPending(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := e.records[jobID]
	if rec == nil || rec.timer == nil {
		return false
	}
	rec.timer.Stop()
	rec.timer = nil
	e.activeGauge.Dec()
	return true
}

// Forget drops the retry record for a job that reached a terminal state or
// was explicitly reset by a retry request.
func (e *Engine) Forget(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec := e.records[jobID]; rec != nil {
		if rec.timer != nil {
			rec.timer.Stop()
			e.activeGauge.Dec()
		}
		delete(e.records, jobID)
	}
}

// computeDelay doubles the base per attempt, caps at maxDelay, then applies
// +-20% jitter. Caller holds e.mu (for the jitter source).
func (e *Engine) computeDelay(attempts int, suggested time.Duration) time.Duration {
	base := suggested
	if base < minBaseDelay {
		base = minBaseDelay
	}
	delay := base
	for i := 1; i < attempts && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	// jitter in [0.8, 1.2]
	factor := 0.8 + 0.4*e.jitter()
	return time.Duration(float64(delay) * factor)
}

func (e *Engine) publish(kind events.Kind, j *job.Job, payload map[string]any, severity string) {
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

// Snapshot is the aggregate view exposed through stats().
type Snapshot struct {
	ActiveRetries       int           `json:"activeRetries"`
	TotalAttempts       int64         `json:"totalAttempts"`
	NearingLimit        int           `json:"nearingLimit"`
	PerAttempt          map[int]int64 `json:"perAttempt"`
	MaxAbsoluteAttempts int           `json:"maxAbsoluteAttempts"`
}

// Stats returns current aggregate retry metrics.
func (e *Engine) Stats() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		TotalAttempts:       e.totalAttempts,
		PerAttempt:          make(map[int]int64, len(e.perAttempt)),
		MaxAbsoluteAttempts: e.maxAbsolute,
	}
	for k, v := range e.perAttempt {
		snap.PerAttempt[k] = v
	}
	for _, rec := range e.records {
		if rec.timer != nil {
			snap.ActiveRetries++
		}
		if rec.attempts >= warnAfter {
			snap.NearingLimit++
		}
	}
	return snap
}
