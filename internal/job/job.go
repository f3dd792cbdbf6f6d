// Package job defines the central Job entity, its status state machine,
// and the validation rules applied to externally supplied identifiers.
package job

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Statuses lists every valid status, in display order.
var Statuses = []Status{
	StatusQueued, StatusRunning, StatusCompleted,
	StatusFailed, StatusCancelled, StatusPaused,
}

// Terminal reports whether no further transitions are allowed from s,
// other than an explicit retry request on a failed job.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// transitions is the closed set of legal status edges. A failed job may
// additionally return to queued through an explicit retry request, which
// resets the attempt counter; that edge is listed here because the store
// cannot distinguish it from any other write.
var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning, StatusCancelled, StatusPaused},
	StatusRunning: {StatusCompleted, StatusFailed, StatusQueued, StatusCancelled},
	StatusPaused:  {StatusQueued, StatusCancelled},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether moving a job from one status to another
// is a legal edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Error kinds, matching the error taxonomy surfaced through the API and
// recorded on failed jobs.
const (
	KindValidation       = "validation"
	KindNotFound         = "not_found"
	KindConflict         = "conflict"
	KindHandlerTransient = "handler_transient"
	KindHandlerPermanent = "handler_permanent"
	KindInfrastructure   = "infrastructure"
	KindCircuitBroken    = "circuit_broken"
)

// ErrorInfo captures a failed attempt. Present on a job iff its status is failed.
type ErrorInfo struct {
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Code      string `json:"code,omitempty"`
	Stack     string `json:"stack,omitempty"`
	Retryable bool   `json:"retryable"`
	Cause     string `json:"cause,omitempty"`
}

// Payload is the opaque pipeline-specific input or output of a job.
type Payload map[string]any

// Fingerprint returns a stable hex digest of the payload for a pipeline.
// encoding/json sorts map keys, so equal payloads always hash equally.
// Used to skip cron fires whose payload is already queued.
func (p Payload) Fingerprint(pipelineID string) string {
	h := blake3.New()
	h.Write([]byte(pipelineID))
	h.Write([]byte{0})
	if len(p) > 0 {
		b, err := json.Marshal(p)
		if err == nil {
			h.Write(b)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// Job is one execution of a pipeline with a specific payload.
type Job struct {
	ID            string     `json:"id"`
	PipelineID    string     `json:"pipelineId"`
	Status        Status     `json:"status"`
	Attempt       int        `json:"attempt"`
	MaxRetries    int        `json:"maxRetries"`
	Payload       Payload    `json:"payload,omitempty"`
	Result        Payload    `json:"result,omitempty"`
	ErrorInfo     *ErrorInfo `json:"errorInfo,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	BranchName    string     `json:"branchName,omitempty"`
	PRURL         string     `json:"prUrl,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Payload != nil {
		out.Payload = make(Payload, len(j.Payload))
		for k, v := range j.Payload {
			out.Payload[k] = v
		}
	}
	if j.Result != nil {
		out.Result = make(Payload, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	if j.ErrorInfo != nil {
		ei := *j.ErrorInfo
		out.ErrorInfo = &ei
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		c := *t
		return &c
	}
	out.StartedAt = copyTime(j.StartedAt)
	out.CompletedAt = copyTime(j.CompletedAt)
	out.NextAttemptAt = copyTime(j.NextAttemptAt)
	return &out
}

// validID matches job and pipeline identifiers: URL-safe, 1-100 chars.
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// ErrInvalidID is returned for identifiers that fail validation. External
// input never reaches the store when this is returned.
var ErrInvalidID = fmt.Errorf("id must match [A-Za-z0-9_-]{1,100}")

// ValidateID checks an externally supplied job or pipeline identifier.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%q: %w", id, ErrInvalidID)
	}
	return nil
}

// NewID returns a fresh ULID for a job.
func NewID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
