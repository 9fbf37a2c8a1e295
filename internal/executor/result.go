package executor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/resilience"
)

// Status is the terminal state of one executor call.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusTimedOut
	StatusCancelled
	StatusDeferred
	StatusSkipped
)

var statusNames = [...]string{
	StatusSucceeded: "succeeded",
	StatusFailed:    "failed",
	StatusTimedOut:  "timed_out",
	StatusCancelled: "cancelled",
	StatusDeferred:  "deferred",
	StatusSkipped:   "skipped",
}

func (s Status) String() string {
	if s < StatusSucceeded || s > StatusSkipped {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Result is everything the executor learned about one call. It is returned
// for audit and UI reporting whatever the outcome.
type Result struct {
	Tool            string
	Status          Status
	Data            json.RawMessage
	Err             error                    // original failure, kept when a fallback produced the outcome
	Category        resilience.ErrorCategory // meaningful only when Err != nil
	Attempts        int
	Retries         int
	CircuitState    string // empty for internal tools
	Fallback        resilience.FallbackStrategy
	FromCache       bool
	Escalated       bool
	AlternativeTool string // alternative tool tried by the fallback
	DeferredJobID   string
	IdempotencyKey  string
	Replayed        bool
	StartedAt       time.Time
	Duration        time.Duration
}

// OK reports whether the caller may treat the call as done: it succeeded
// (possibly through a fallback) or was deliberately skipped.
func (r *Result) OK() bool {
	return r.Status == StatusSucceeded || r.Status == StatusSkipped
}

// Failed reports whether the call ended with an error.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusTimedOut
}

// ErrorMessage returns the error text, or "".
func (r *Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// clone copies a result shared between singleflight callers.
func (r *Result) clone() *Result {
	c := *r
	return &c
}
