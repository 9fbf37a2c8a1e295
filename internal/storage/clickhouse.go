package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseWriter writes audit events to ClickHouse in batches.
type ClickHouseWriter struct {
	*BatchWriter
}

// OpenClickHouse parses the DSN and connects.
func OpenClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

// NewClickHouseWriter starts a batch writer inserting into agent_audit_events.
func NewClickHouseWriter(conn driver.Conn, logger *zap.Logger) *ClickHouseWriter {
	ch := &clickhouseInserter{conn: conn, logger: logger}
	return &ClickHouseWriter{
		BatchWriter: NewBatchWriter(BatchConfig{Logger: logger}, ch.insert),
	}
}

type clickhouseInserter struct {
	conn   driver.Conn
	logger *zap.Logger
}

const auditColumns = `
	id, kind, timestamp, request_id, owner_id, tool_name, source,
	workflow_id, step_index, autonomy_level, autonomy_source, requires_approval,
	confidence, status, error_category, error, attempts, retries,
	fallback, circuit_state, from_cache, replayed, latency_ms, metadata`

func (c *clickhouseInserter) insert(ctx context.Context, events []*AuditEvent) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO agent_audit_events ("+auditColumns+")")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		if err := batch.Append(
			e.ID,
			string(e.Kind),
			e.Timestamp,
			e.RequestID,
			e.OwnerID,
			e.ToolName,
			e.Source,
			e.WorkflowID,
			e.StepIndex,
			e.AutonomyLevel,
			e.AutonomySource,
			boolToUint8(e.RequiresApproval),
			e.Confidence,
			e.Status,
			e.ErrorCategory,
			e.Error,
			e.Attempts,
			e.Retries,
			e.Fallback,
			e.CircuitState,
			boolToUint8(e.FromCache),
			boolToUint8(e.Replayed),
			e.LatencyMs,
			e.Metadata,
		); err != nil {
			c.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch of %d: %w", len(events), err)
	}
	return nil
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// ClickHouseReader queries the audit table.
type ClickHouseReader struct {
	conn driver.Conn
}

func NewClickHouseReader(conn driver.Conn) *ClickHouseReader {
	return &ClickHouseReader{conn: conn}
}

// List returns matching events, newest first.
func (r *ClickHouseReader) List(ctx context.Context, q Query) ([]*AuditEvent, error) {
	query, args := buildListQuery(q)
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListAuditEvents: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var (
			e                             AuditEvent
			kind                          string
			approval, fromCache, replayed uint8
		)
		if err := rows.Scan(
			&e.ID, &kind, &e.Timestamp, &e.RequestID, &e.OwnerID, &e.ToolName, &e.Source,
			&e.WorkflowID, &e.StepIndex, &e.AutonomyLevel, &e.AutonomySource, &approval,
			&e.Confidence, &e.Status, &e.ErrorCategory, &e.Error, &e.Attempts, &e.Retries,
			&e.Fallback, &e.CircuitState, &fromCache, &replayed, &e.LatencyMs, &e.Metadata,
		); err != nil {
			return nil, fmt.Errorf("ListAuditEvents: scan: %w", err)
		}
		e.Kind = EventKind(kind)
		e.RequiresApproval = approval == 1
		e.FromCache = fromCache == 1
		e.Replayed = replayed == 1
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListAuditEvents: %w", err)
	}
	return out, nil
}

func buildListQuery(q Query) (string, []any) {
	var where []string
	var args []any
	if q.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if q.Tool != "" {
		where = append(where, "tool_name = ?")
		args = append(args, q.Tool)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since)
	}

	var b strings.Builder
	b.WriteString("SELECT" + auditColumns + "\nFROM agent_audit_events")
	if len(where) > 0 {
		b.WriteString("\nWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, "\nORDER BY timestamp DESC\nLIMIT %d", q.limit())
	return b.String(), args
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditEvent) {
	w.logger.Info("audit_event",
		zap.String("event_id", event.ID),
		zap.String("kind", string(event.Kind)),
		zap.String("owner_id", event.OwnerID),
		zap.String("tool_name", event.ToolName),
		zap.String("status", event.Status),
		zap.String("autonomy_level", event.AutonomyLevel),
		zap.Float32("confidence", event.Confidence),
		zap.String("error_category", event.ErrorCategory),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("workflow_id", event.WorkflowID),
	)
}

func (w *LogWriter) Close() {}
