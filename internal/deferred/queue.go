// Package deferred queues tool calls for a later retry when a policy's
// fallback strategy is "queue".
package deferred

import (
	"context"
	"encoding/json"
	"time"
)

// MaxRedeliveries bounds how often a failing job is put back on the queue.
const MaxRedeliveries = 5

// Job is one deferred tool call.
type Job struct {
	ID         string         `json:"id"`
	OwnerID    string         `json:"owner_id"`
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input"`
	Reason     string         `json:"reason"`
	Attempt    int            `json:"attempt"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Handler processes a deferred job. A non-nil error redelivers the job until
// MaxRedeliveries is reached.
type Handler func(ctx context.Context, job *Job) error

// Producer puts jobs on the queue.
type Producer interface {
	Enqueue(ctx context.Context, job *Job) error
	Close() error
}

// Consumer takes jobs off the queue.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both.
type Queue interface {
	Producer
	Consumer
}

func encodeJob(job *Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(b []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// nextAttempt returns the job to redeliver, or nil once it is exhausted.
func nextAttempt(job *Job) *Job {
	if job.Attempt+1 >= MaxRedeliveries {
		return nil
	}
	next := *job
	next.Attempt++
	return &next
}
