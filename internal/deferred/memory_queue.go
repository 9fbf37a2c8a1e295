package deferred

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrClosed = errors.New("deferred queue closed")
	ErrFull   = errors.New("deferred queue full")
)

// MemoryQueue is a channel-backed queue for single-process deployments and tests.
type MemoryQueue struct {
	ch     chan *Job
	mu     sync.Mutex
	closed bool
	logger *zap.Logger
}

func NewMemoryQueue(size int, logger *zap.Logger) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{ch: make(chan *Job, size), logger: logger}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- job:
		return nil
	default:
		return ErrFull
	}
}

// Consume runs workerCount workers until ctx is cancelled or the queue is closed.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil {
						q.redeliver(ctx, job, err)
					}
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (q *MemoryQueue) redeliver(ctx context.Context, job *Job, cause error) {
	next := nextAttempt(job)
	if next == nil {
		q.logger.Error("deferred job exhausted",
			zap.String("job_id", job.ID),
			zap.String("tool_name", job.Tool),
			zap.Error(cause),
		)
		return
	}
	if err := q.Enqueue(ctx, next); err != nil {
		q.logger.Warn("deferred job redelivery failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Close stops accepting jobs; workers drain what is buffered and exit.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}

// Len returns the number of buffered jobs.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}
