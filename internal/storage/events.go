package storage

import (
	"context"
	"sync"
	"time"
)

// EventKind is what an audit event records.
type EventKind string

const (
	KindAutonomy   EventKind = "autonomy"
	KindConfidence EventKind = "confidence"
	KindExecution  EventKind = "execution"
	KindApproval   EventKind = "approval"
	KindWorkflow   EventKind = "workflow"
	KindSchedule   EventKind = "schedule"
)

// EventWriter is the interface for writing audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *AuditEvent)
	Close()
}

// Reader queries the append-only audit log by owner and tool.
type Reader interface {
	List(ctx context.Context, q Query) ([]*AuditEvent, error)
}

// Query filters audit events. Empty fields match everything.
type Query struct {
	OwnerID string
	Tool    string
	Kind    EventKind
	Since   time.Time
	Limit   int
}

const defaultQueryLimit = 100

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 1000 {
		return defaultQueryLimit
	}
	return q.Limit
}

func (q Query) matches(e *AuditEvent) bool {
	return (q.OwnerID == "" || e.OwnerID == q.OwnerID) &&
		(q.Tool == "" || e.ToolName == q.Tool) &&
		(q.Kind == "" || e.Kind == q.Kind) &&
		(q.Since.IsZero() || !e.Timestamp.Before(q.Since))
}

// AuditEvent is one structured record of a decision or outcome.
type AuditEvent struct {
	ID               string            `json:"id"`
	Kind             EventKind         `json:"kind"`
	Timestamp        time.Time         `json:"timestamp"`
	RequestID        string            `json:"request_id,omitempty"`
	OwnerID          string            `json:"owner_id"`
	ToolName         string            `json:"tool_name,omitempty"`
	Source           string            `json:"source,omitempty"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	StepIndex        int32             `json:"step_index"`
	AutonomyLevel    string            `json:"autonomy_level,omitempty"`
	AutonomySource   string            `json:"autonomy_source,omitempty"`
	RequiresApproval bool              `json:"requires_approval"`
	Confidence       float32           `json:"confidence"`
	Status           string            `json:"status,omitempty"`
	ErrorCategory    string            `json:"error_category,omitempty"`
	Error            string            `json:"error,omitempty"`
	Attempts         int32             `json:"attempts"`
	Retries          int32             `json:"retries"`
	Fallback         string            `json:"fallback,omitempty"`
	CircuitState     string            `json:"circuit_state,omitempty"`
	FromCache        bool              `json:"from_cache"`
	Replayed         bool              `json:"replayed"`
	LatencyMs        float32           `json:"latency_ms"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// MemoryLog keeps the most recent events in process. It serves as both
// writer and reader when no ClickHouse DSN is configured.
type MemoryLog struct {
	mu     sync.RWMutex
	events []*AuditEvent
	size   int
	next   int
	full   bool
}

func NewMemoryLog(size int) *MemoryLog {
	if size <= 0 {
		size = 10_000
	}
	return &MemoryLog{events: make([]*AuditEvent, size), size: size}
}

func (m *MemoryLog) Write(event *AuditEvent) {
	m.mu.Lock()
	m.events[m.next] = event
	m.next = (m.next + 1) % m.size
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

func (m *MemoryLog) Close() {}

// List returns matching events, newest first.
func (m *MemoryLog) List(_ context.Context, q Query) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = m.size
	}
	limit := q.limit()
	var out []*AuditEvent
	for i := 0; i < n && len(out) < limit; i++ {
		e := m.events[(m.next-1-i+m.size)%m.size]
		if q.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Tee writes every event to all writers.
type Tee []EventWriter

func (t Tee) Write(event *AuditEvent) {
	for _, w := range t {
		w.Write(event)
	}
}

func (t Tee) Close() {
	for _, w := range t {
		w.Close()
	}
}
