// Package classify decides whether a pipeline failure is worth retrying.
//
// Classification is a pure function of the error's code, HTTP status, and
// message text. Handlers that want precise treatment wrap their failures in
// *Error; everything else falls back to message heuristics with a
// conservative retryable default.
package classify

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Category is the retry verdict for a classified error.
type Category string

const (
	Retryable    Category = "retryable"
	NonRetryable Category = "non_retryable"
)

// Classification is the verdict for one error.
type Classification struct {
	Category       Category
	Reason         string
	SuggestedDelay time.Duration
}

// Error is a rich error value surfaced by pipeline handlers. Code carries a
// symbolic error code (ENOENT, ETIMEDOUT, ...), StatusCode an HTTP status
// when the failure came from an upstream API.
type Error struct {
	Code       string
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "pipeline error"
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Suggested delays per failure family.
const (
	delayRateLimit = 60 * time.Second
	delayServer    = 10 * time.Second
	delayDefault   = 5 * time.Second
)

// Filesystem and client-side codes that no amount of retrying will fix.
var nonRetryableCodes = map[string]bool{
	"ENOENT":       true,
	"ENOTDIR":      true,
	"EISDIR":       true,
	"EACCES":       true,
	"EPERM":        true,
	"EINVAL":       true,
	"EEXIST":       true,
	"ENOTFOUND":    true,
	"ECONNREFUSED": true,
}

// Transient network codes.
var retryableCodes = map[string]bool{
	"ETIMEDOUT":    true,
	"ECONNRESET":   true,
	"EHOSTUNREACH": true,
	"ENETUNREACH":  true,
	"EPIPE":        true,
	"EAGAIN":       true,
	"EBUSY":        true,
}

// Codes that indicate a timeout; they get the longer server-family delay.
var timeoutCodes = map[string]bool{
	"ETIMEDOUT": true,
}

var retryableHints = []string{
	"timeout",
	"timed out",
	"connection reset",
	"temporarily unavailable",
	"try again",
	"rate limit",
}

var nonRetryableHints = []string{
	"invalid repository path",
	"not a git repository",
	"permission denied",
	"authentication failed",
	"validation error",
}

// Classify returns the retry verdict for err. It is deterministic given the
// error's code, HTTP status, and message, and performs no I/O.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: NonRetryable, Reason: "no error"}
	}

	// Context deadline hits are timeouts. Plain cancellation is not a
	// failure the retry engine should act on.
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: Retryable, Reason: "deadline exceeded", SuggestedDelay: delayServer}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: NonRetryable, Reason: "cancelled"}
	}

	var ce *Error
	if errors.As(err, &ce) {
		if ce.Code != "" {
			if nonRetryableCodes[ce.Code] {
				return Classification{Category: NonRetryable, Reason: "code " + ce.Code}
			}
			if retryableCodes[ce.Code] {
				delay := delayDefault
				if timeoutCodes[ce.Code] {
					delay = delayServer
				}
				return Classification{Category: Retryable, Reason: "code " + ce.Code, SuggestedDelay: delay}
			}
		}
		if ce.StatusCode != 0 {
			return classifyStatus(ce.StatusCode)
		}
	}

	return classifyMessage(err.Error())
}

func classifyStatus(status int) Classification {
	switch {
	case status == 429:
		return Classification{Category: Retryable, Reason: "http 429", SuggestedDelay: delayRateLimit}
	case status >= 500 && status <= 599:
		return Classification{Category: Retryable, Reason: "http server error", SuggestedDelay: delayServer}
	case status >= 400 && status <= 499:
		return Classification{Category: NonRetryable, Reason: "http client error"}
	}
	return Classification{Category: Retryable, Reason: "unknown http status", SuggestedDelay: delayDefault}
}

func classifyMessage(msg string) Classification {
	lower := strings.ToLower(msg)
	for _, hint := range nonRetryableHints {
		if strings.Contains(lower, hint) {
			return Classification{Category: NonRetryable, Reason: "message: " + hint}
		}
	}
	for _, hint := range retryableHints {
		if strings.Contains(lower, hint) {
			delay := delayDefault
			switch hint {
			case "rate limit":
				delay = delayRateLimit
			case "timeout", "timed out":
				delay = delayServer
			}
			return Classification{Category: Retryable, Reason: "message: " + hint, SuggestedDelay: delay}
		}
	}
	// Unknown errors retry once on a short delay rather than losing work.
	return Classification{Category: Retryable, Reason: "unknown error", SuggestedDelay: delayDefault}
}

// Kind maps a classification onto the job error taxonomy.
func Kind(c Classification) string {
	if c.Category == Retryable {
		return "handler_transient"
	}
	return "handler_permanent"
}
