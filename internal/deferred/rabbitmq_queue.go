package deferred

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQConfig describes the RabbitMQ connection.
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Logger   *zap.Logger
}

// RabbitMQQueue is a durable RabbitMQ queue consumed with manual acks.
type RabbitMQQueue struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

// NewRabbitMQQueue dials RabbitMQ and declares the queue.
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "agent_engine.deferred"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set rabbitmq qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, job *Job) error {
	if q == nil || q.ch == nil {
		return errors.New("rabbitmq queue not initialised")
	}
	payload, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode deferred job: %w", err)
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Body:         payload,
	})
}

// Consume delivers jobs to workerCount workers. Every message is acked once
// handled; failing jobs are republished with a bumped attempt counter.
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("rabbitmq queue not initialised")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("subscribe rabbitmq queue: %w", err)
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					job, err := decodeJob(msg.Body)
					if err != nil {
						q.logger.Error("dropping undecodable deferred job", zap.Error(err))
						_ = msg.Ack(false)
						continue
					}
					if err := handler(ctx, job); err != nil {
						q.redeliver(ctx, job, err)
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) redeliver(ctx context.Context, job *Job, cause error) {
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

// Close closes the channel and connection.
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
