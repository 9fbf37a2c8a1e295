package deferred

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueueConfig describes the Redis connection.
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
	Logger    *zap.Logger
}

// RedisQueue is a Redis list used as a FIFO (LPUSH / BRPOP).
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	logger *zap.Logger
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agent_engine:deferred"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisQueue{client: client, queue: queue, wait: wait, logger: logger}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode deferred job: %w", err)
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

// Consume pops jobs with BRPOP from workerCount workers.
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if errors.Is(err, redis.Nil) {
						continue
					}
					errCh <- fmt.Errorf("redis dequeue: %w", err)
					return
				}
				if len(values) != 2 {
					continue
				}
				job, err := decodeJob([]byte(values[1]))
				if err != nil {
					q.logger.Error("dropping undecodable deferred job", zap.Error(err))
					continue
				}
				if handlerErr := handler(ctx, job); handlerErr != nil {
					q.redeliver(ctx, job, handlerErr)
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) redeliver(ctx context.Context, job *Job, cause error) {
	next := nextAttempt(job)
	if next == nil {
		q.logger.Error("deferred job exhausted",
			zap.String("job_id", job.ID),
			zap.String("tool_name", job.Tool),
			zap.Error(cause),
		)
		return
	}
	payload, err := encodeJob(next)
	if err != nil {
		return
	}
	// RPUSH puts it at the consuming end so it is retried next.
	if err := q.client.RPush(ctx, q.queue, payload).Err(); err != nil {
		q.logger.Warn("deferred job redelivery failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
