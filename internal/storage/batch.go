package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
)

// Batch writer defaults.
const (
	DefaultBufferSize    = 10_000
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultFlushTimeout  = 5 * time.Second
)

// InsertFunc persists one batch of events.
type InsertFunc func(ctx context.Context, events []*AuditEvent) error

// BatchConfig tunes a BatchWriter. Zero values take the defaults.
type BatchConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	Logger        *zap.Logger
}

// BatchWriter buffers events and hands them to an InsertFunc from a single
// background goroutine. Write never blocks: a full buffer drops the event.
type BatchWriter struct {
	insert  InsertFunc
	buffer  chan *AuditEvent
	done    chan struct{}
	flushed chan struct{}
	once    sync.Once
	cfg     BatchConfig
	logger  *zap.Logger
}

// NewBatchWriter starts the flush loop.
func NewBatchWriter(cfg BatchConfig, insert InsertFunc) *BatchWriter {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &BatchWriter{
		insert:  insert,
		buffer:  make(chan *AuditEvent, cfg.BufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		cfg:     cfg,
		logger:  logger,
	}
	go w.loop()
	return w
}

// Write queues an event.
func (w *BatchWriter) Write(event *AuditEvent) {
	select {
	case <-w.done:
		metrics.AuditEvents.WithLabelValues("dropped").Inc()
		return
	default:
	}
	select {
	case w.buffer <- event:
	default:
		metrics.AuditEvents.WithLabelValues("dropped").Inc()
		w.logger.Warn("audit buffer full, dropping event",
			zap.String("event_id", event.ID),
			zap.String("kind", string(event.Kind)),
		)
	}
}

// Close stops accepting events, flushes what is buffered and waits for the
// final insert. It is safe to call more than once.
func (w *BatchWriter) Close() {
	w.once.Do(func() { close(w.done) })
	<-w.flushed
}

func (w *BatchWriter) loop() {
	defer close(w.flushed)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*AuditEvent, 0, w.cfg.BatchSize)
	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= w.cfg.BatchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-w.done:
		drain:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
					if len(batch) >= w.cfg.BatchSize {
						batch = w.flush(batch)
					}
				default:
					break drain
				}
			}
			w.flush(batch)
			return
		}
	}
}

// flush inserts batch and returns it emptied for reuse.
func (w *BatchWriter) flush(batch []*AuditEvent) []*AuditEvent {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	if err := w.insert(ctx, batch); err != nil {
		metrics.AuditEvents.WithLabelValues("failed").Add(float64(len(batch)))
		w.logger.Error("audit batch insert failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)
	} else {
		metrics.AuditEvents.WithLabelValues("written").Add(float64(len(batch)))
	}
	return batch[:0]
}
