package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/sidequest/sidequest/internal/classify"
	"github.com/sidequest/sidequest/internal/events"
	"github.com/sidequest/sidequest/internal/gitflow"
	"github.com/sidequest/sidequest/internal/job"
	"github.com/sidequest/sidequest/internal/registry"
	"github.com/sidequest/sidequest/internal/retry"
	"github.com/sidequest/sidequest/internal/store"
)

type harness struct {
	exec *Executor
	reg  *registry.Registry
	st   *store.Store
	bus  *events.Bus
	ret  *retry.Engine
	ch   <-chan events.Event
	seen []events.Event
}

func newHarness(t *testing.T, maxConcurrent int) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)

	reg := registry.New()
	ret := retry.New(5, bus, zerolog.Nop(), prometheus.NewRegistry())

	e := New(Options{
		Registry:        reg,
		Store:           st,
		Retries:         ret,
		Git:             gitflow.New(gitflow.Options{}, zerolog.Nop()),
		Bus:             bus,
		Log:             zerolog.Nop(),
		MaxConcurrent:   maxConcurrent,
		PipelineTimeout: 30 * time.Second,
		Metrics:         prometheus.NewRegistry(),
	})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	return &harness{exec: e, reg: reg, st: st, bus: bus, ret: ret, ch: ch}
}

// waitEvent blocks until an event of the wanted kind for the wanted job
// arrives, failing the test on timeout. Other events are recorded so callers
// can assert ordering.
func (h *harness) waitEvent(t *testing.T, jobID string, kind events.Kind) events.Event {
	t.Helper()
	for i, ev := range h.seen {
		if ev.JobID == jobID && ev.Type == kind {
			h.seen = append(h.seen[:i], h.seen[i+1:]...)
			return ev
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.ch:
			if ev.JobID == jobID && ev.Type == kind {
				return ev
			}
			h.seen = append(h.seen, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %s on job %s", kind, jobID)
		}
	}
}

func (h *harness) getJob(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.reg.Register(registry.Worker{
		ID: "p1",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			return job.Payload{"ok": true}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "p1", job.Payload{"x": 1})
	if err != nil {
		t.Fatal(err)
	}

	h.waitEvent(t, j.ID, events.JobCreated)
	h.waitEvent(t, j.ID, events.JobStarted)
	h.waitEvent(t, j.ID, events.JobCompleted)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Result["ok"] != true {
		t.Errorf("result = %v", got.Result)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.ErrorInfo != nil {
		t.Errorf("errorInfo on completed job: %+v", got.ErrorInfo)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Error("timestamps missing on completed job")
	}
}

func TestRetryThenSuccess(t *testing.T) {
	h := newHarness(t, 2)
	var calls atomic.Int64
	if err := h.reg.Register(registry.Worker{
		ID: "flaky",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			if calls.Add(1) == 1 {
				return nil, &classify.Error{Code: "ETIMEDOUT", Message: "read timed out"}
			}
			return job.Payload{"done": true}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatal(err)
	}

	h.waitEvent(t, j.ID, events.RetryScheduled)
	// Skip the real backoff: stop the timer and deliver its callback now.
	if !h.ret.CancelPending(j.ID) {
		t.Fatal("no pending retry timer")
	}
	h.exec.requeueFromTimer(j.ID, 2, time.Now())

	h.waitEvent(t, j.ID, events.JobCompleted)
	got := h.getJob(t, j.ID)
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", got.Attempt)
	}
	if got.NextAttemptAt != nil {
		t.Errorf("nextAttemptAt survived completion: %v", got.NextAttemptAt)
	}
}

func TestNonRetryableFailure(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.reg.Register(registry.Worker{
		ID: "denied",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			return nil, &classify.Error{Code: "EACCES", Message: "permission denied"}
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "denied", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.waitEvent(t, j.ID, events.JobFailed)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorInfo == nil || got.ErrorInfo.Kind != job.KindHandlerPermanent {
		t.Errorf("errorInfo = %+v, want handler_permanent", got.ErrorInfo)
	}
	if got.ErrorInfo.Code != "EACCES" {
		t.Errorf("error code = %q", got.ErrorInfo.Code)
	}
}

func TestCircuitBreaker(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.reg.Register(registry.Worker{
		ID: "doomed",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			return nil, &classify.Error{Code: "ETIMEDOUT", Message: "read timed out"}
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "doomed", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Four retryable failures, each fast-forwarded past its backoff; the
	// fifth attempt trips the breaker.
	for attempt := 2; attempt <= 5; attempt++ {
		h.waitEvent(t, j.ID, events.RetryScheduled)
		if !h.ret.CancelPending(j.ID) {
			t.Fatalf("no pending timer before attempt %d", attempt)
		}
		h.exec.requeueFromTimer(j.ID, attempt, time.Now())
	}
	h.waitEvent(t, j.ID, events.RetryCircuit)
	h.waitEvent(t, j.ID, events.JobFailed)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Attempt != 5 {
		t.Errorf("attempt = %d, want 5", got.Attempt)
	}
	if got.ErrorInfo == nil || got.ErrorInfo.Kind != job.KindCircuitBroken {
		t.Errorf("errorInfo = %+v, want circuit_broken", got.ErrorInfo)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	h := newHarness(t, 0) // capacity zero: nothing ever starts
	if err := h.reg.Register(registry.Worker{
		ID: "parked",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			t.Error("handler ran despite zero capacity")
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "parked", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.waitEvent(t, j.ID, events.JobCreated)
	if err := h.exec.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	h.waitEvent(t, j.ID, events.JobCancelled)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("cancelled-while-queued job has startedAt")
	}

	// Terminal jobs reject further cancels.
	if err := h.exec.Cancel(context.Background(), j.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("cancel of cancelled job = %v, want ErrConflict", err)
	}
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, 1)
	started := make(chan struct{})
	if err := h.reg.Register(registry.Worker{
		ID: "slow",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "slow", nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	if err := h.exec.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	h.waitEvent(t, j.ID, events.JobCancelled)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCapacityBound(t *testing.T) {
	const slots = 2
	h := newHarness(t, slots)

	var inFlight, maxSeen atomic.Int64
	if err := h.reg.Register(registry.Worker{
		ID: "busy",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			inFlight.Add(-1)
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 6; i++ {
		j, err := h.exec.Enqueue(context.Background(), "busy", job.Payload{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		h.waitEvent(t, id, events.JobCompleted)
	}
	if maxSeen.Load() > slots {
		t.Errorf("observed %d concurrent jobs, cap is %d", maxSeen.Load(), slots)
	}
}

func TestPerPipelineCap(t *testing.T) {
	h := newHarness(t, 4) // plenty of global capacity; the pipeline cap binds
	release := make(chan struct{})
	var inFlight, maxSeen atomic.Int64
	if err := h.reg.Register(registry.Worker{
		ID:            "serial",
		MaxConcurrent: 1,
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			n := inFlight.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	j1, err := h.exec.Enqueue(context.Background(), "serial", job.Payload{"i": 1})
	if err != nil {
		t.Fatal(err)
	}
	j2, err := h.exec.Enqueue(context.Background(), "serial", job.Payload{"i": 2})
	if err != nil {
		t.Fatal(err)
	}

	h.waitEvent(t, j1.ID, events.JobStarted)
	// Give the dispatcher every chance to (wrongly) start the second job.
	time.Sleep(100 * time.Millisecond)
	if got := h.getJob(t, j2.ID); got.Status != job.StatusQueued {
		t.Errorf("second job status = %s, want queued while first holds the slot", got.Status)
	}
	close(release)

	h.waitEvent(t, j1.ID, events.JobCompleted)
	h.waitEvent(t, j2.ID, events.JobCompleted)
	if maxSeen.Load() != 1 {
		t.Errorf("observed %d concurrent runs, pipeline cap is 1", maxSeen.Load())
	}
}

func TestFIFOWithinPipeline(t *testing.T) {
	h := newHarness(t, 1)

	var mu sync.Mutex
	var order []string
	if err := h.reg.Register(registry.Worker{
		ID: "ordered",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			mu.Lock()
			order = append(order, rc.Job.ID)
			mu.Unlock()
			return nil, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		j, err := h.exec.Enqueue(context.Background(), "ordered", job.Payload{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		h.waitEvent(t, id, events.JobCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("start order %v, enqueue order %v", order, ids)
		}
	}
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.reg.Register(registry.Worker{ID: "p", Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
		return nil, nil
	}}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "p", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.exec.Pause(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.getJob(t, j.ID); got.Status != job.StatusPaused {
		t.Errorf("status = %s, want paused", got.Status)
	}
	if err := h.exec.Pause(context.Background(), j.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("double pause = %v, want ErrConflict", err)
	}
	if err := h.exec.Resume(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if got := h.getJob(t, j.ID); got.Status != job.StatusQueued {
		t.Errorf("status = %s, want queued", got.Status)
	}
	if err := h.exec.Resume(context.Background(), j.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("resume of queued job = %v, want ErrConflict", err)
	}
}

func TestRetryEndpointResetsAttempt(t *testing.T) {
	h := newHarness(t, 2)
	var pass atomic.Bool
	if err := h.reg.Register(registry.Worker{
		ID: "flip",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			if pass.Load() {
				return job.Payload{"ok": true}, nil
			}
			return nil, &classify.Error{Code: "EACCES", Message: "denied"}
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "flip", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.waitEvent(t, j.ID, events.JobFailed)

	// Retry is only valid from failed.
	if err := h.exec.Retry(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	pass.Store(true)
	h.waitEvent(t, j.ID, events.JobCompleted)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusCompleted || got.Attempt != 1 {
		t.Errorf("after retry: status=%s attempt=%d, want completed/1", got.Status, got.Attempt)
	}
	if got.ErrorInfo != nil {
		t.Errorf("errorInfo survived retry: %+v", got.ErrorInfo)
	}

	if err := h.exec.Retry(context.Background(), j.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("retry of completed job = %v, want ErrConflict", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t, 1)
	if _, err := h.exec.Enqueue(context.Background(), "not-registered", nil); !errors.Is(err, ErrUnknownPipeline) {
		t.Errorf("unknown pipeline = %v, want ErrUnknownPipeline", err)
	}
	if _, err := h.exec.Enqueue(context.Background(), "../etc/passwd", nil); !errors.Is(err, job.ErrInvalidID) {
		t.Errorf("bad id = %v, want ErrInvalidID", err)
	}
}

func TestHandlerPanicIsFailure(t *testing.T) {
	h := newHarness(t, 1)
	if err := h.reg.Register(registry.Worker{
		ID: "bomb",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			panic("kaboom")
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "bomb", nil)
	if err != nil {
		t.Fatal(err)
	}
	// A panic classifies as unknown, hence retryable; fast-forward every
	// backoff until the breaker trips.
	for attempt := 2; attempt <= 5; attempt++ {
		h.waitEvent(t, j.ID, events.RetryScheduled)
		h.ret.CancelPending(j.ID)
		h.exec.requeueFromTimer(j.ID, attempt, time.Now())
	}
	h.waitEvent(t, j.ID, events.JobFailed)

	got := h.getJob(t, j.ID)
	if got.Status != job.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestRequeueTimerWaitsForQueuedWrite(t *testing.T) {
	h := newHarness(t, 2)
	if err := h.reg.Register(registry.Worker{
		ID: "late",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			return job.Payload{"ok": true}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	// The row still reads running when the timer callback fires, as it does
	// when the queued write is slower than the backoff.
	j := &job.Job{
		ID:         job.NewID(),
		PipelineID: "late",
		Status:     job.StatusRunning,
		Attempt:    1,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.st.SaveJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		h.exec.requeueFromTimer(j.ID, 2, time.Now())
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	j.Status = job.StatusQueued
	if err := h.st.SaveJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("requeue callback never returned")
	}

	h.waitEvent(t, j.ID, events.JobCompleted)
	got := h.getJob(t, j.ID)
	if got.Status != job.StatusCompleted || got.Attempt != 2 {
		t.Errorf("status=%s attempt=%d, want completed/2", got.Status, got.Attempt)
	}
}

func TestCancelRequestOutranByHandler(t *testing.T) {
	h := newHarness(t, 1)
	started := make(chan struct{})
	release := make(chan struct{})
	if err := h.reg.Register(registry.Worker{
		ID: "stubborn",
		Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
			close(started)
			<-release
			// Ignores ctx and finishes its work anyway.
			return job.Payload{"ok": true}, nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "stubborn", nil)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	if err := h.exec.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	close(release)
	h.waitEvent(t, j.ID, events.JobCompleted)

	if got := h.getJob(t, j.ID); got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	// The run cleanup fires just after the completed event; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.exec.mu.Lock()
		leaked := len(h.exec.requested)
		h.exec.mu.Unlock()
		if leaked == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d stale cancel requests retained after the job finished", leaked)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopRejectsEnqueue(t *testing.T) {
	h := newHarness(t, 1)
	if err := h.reg.Register(registry.Worker{ID: "p", Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
		return nil, nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.exec.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := h.exec.Enqueue(context.Background(), "p", nil); !errors.Is(err, ErrStopped) {
		t.Errorf("enqueue after stop = %v, want ErrStopped", err)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, 3)
	if err := h.reg.Register(registry.Worker{ID: "p", Handler: func(ctx context.Context, rc *registry.RunContext) (job.Payload, error) {
		return nil, nil
	}}); err != nil {
		t.Fatal(err)
	}

	j, err := h.exec.Enqueue(context.Background(), "p", nil)
	if err != nil {
		t.Fatal(err)
	}
	h.waitEvent(t, j.ID, events.JobCompleted)

	stats, err := h.exec.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Capacity != 3 {
		t.Errorf("capacity = %d, want 3", stats.Capacity)
	}
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.RetryMetrics.MaxAbsoluteAttempts != 5 {
		t.Errorf("retry metrics missing: %+v", stats.RetryMetrics)
	}
}
