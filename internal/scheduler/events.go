package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// EventMessage is the wire form of a named event on the trigger queue.
type EventMessage struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// EventHandler receives decoded event triggers.
type EventHandler func(ctx context.Context, trig Trigger) error

// EventConsumer reads named events from a RabbitMQ queue.
type EventConsumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

// NewEventConsumer dials RabbitMQ and declares the event queue.
func NewEventConsumer(url, queue string, logger *zap.Logger) (*EventConsumer, error) {
	if url == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	if queue == "" {
		queue = "agent_engine.events"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	return &EventConsumer{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// Run delivers events to handler until ctx is done. Events are acked after
// handling; a failed handler is logged, not retried.
func (c *EventConsumer) Run(ctx context.Context, handler EventHandler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("subscribe rabbitmq queue: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq event channel closed")
			}
			trig, err := decodeEvent(msg.Body)
			if err != nil {
				c.logger.Error("dropping undecodable event", zap.Error(err))
				_ = msg.Ack(false)
				continue
			}
			if err := handler(ctx, trig); err != nil {
				c.logger.Warn("event handling failed", zap.String("event", trig.Name), zap.Error(err))
			}
			_ = msg.Ack(false)
		}
	}
}

func decodeEvent(body []byte) (Trigger, error) {
	var m EventMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return Trigger{}, err
	}
	if m.Event == "" {
		return Trigger{}, errors.New("event name is required")
	}
	return Trigger{Kind: TriggerEvent, Name: m.Event, Payload: m.Payload}, nil
}

// Close closes the channel and connection.
func (c *EventConsumer) Close() error {
	if c == nil {
		return nil
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
