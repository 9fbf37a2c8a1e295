package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// Checkpoints is the SQL workflow.Store.
type Checkpoints struct {
	s *Store
}

var _ workflow.Store = (*Checkpoints)(nil)

// Checkpoints returns the workflow checkpoint view of the store.
func (s *Store) Checkpoints() *Checkpoints { return &Checkpoints{s: s} }

func gateKind(cp *workflow.Checkpoint) string {
	if cp.Gate == nil {
		return ""
	}
	return string(cp.Gate.Kind)
}

func (c *Checkpoints) Create(ctx context.Context, cp *workflow.Checkpoint) error {
	data, err := cp.Encode()
	if err != nil {
		return fmt.Errorf("CreateCheckpoint: %w", err)
	}
	_, err = c.s.db.ExecContext(ctx, c.s.q(`
		INSERT INTO workflow_checkpoints
			(id, definition, owner_id, status, gate_kind, revision, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`),
		cp.ID, cp.Definition, cp.OwnerID, string(cp.Status), gateKind(cp), cp.Revision,
		string(data), cp.CreatedAt, cp.UpdatedAt,
	)
	if isDuplicate(err) {
		return workflow.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("CreateCheckpoint: %w", err)
	}
	return nil
}

func (c *Checkpoints) Get(ctx context.Context, id string) (*workflow.Checkpoint, error) {
	var data []byte
	err := c.s.db.QueryRowContext(ctx, c.s.q(`
		SELECT data FROM workflow_checkpoints WHERE id = $1`), id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetCheckpoint: %w", err)
	}
	return workflow.DecodeCheckpoint(data)
}

// Update writes cp only if the stored revision still equals cp.Revision.
func (c *Checkpoints) Update(ctx context.Context, cp *workflow.Checkpoint) error {
	expected := cp.Revision
	cp.Revision++
	data, err := cp.Encode()
	if err != nil {
		cp.Revision = expected
		return fmt.Errorf("UpdateCheckpoint: %w", err)
	}
	res, err := c.s.db.ExecContext(ctx, c.s.q(`
		UPDATE workflow_checkpoints SET
			status     = $1,
			gate_kind  = $2,
			revision   = $3,
			data       = $4,
			updated_at = $5
		WHERE id = $6 AND revision = $7`),
		string(cp.Status), gateKind(cp), cp.Revision, string(data), cp.UpdatedAt, cp.ID, expected,
	)
	if err != nil {
		cp.Revision = expected
		return fmt.Errorf("UpdateCheckpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		cp.Revision = expected
		return fmt.Errorf("UpdateCheckpoint: %w", err)
	}
	if n == 1 {
		return nil
	}
	cp.Revision = expected

	var exists int
	err = c.s.db.QueryRowContext(ctx, c.s.q(`SELECT 1 FROM workflow_checkpoints WHERE id = $1`), cp.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("UpdateCheckpoint: %w", err)
	}
	return workflow.ErrConflict
}

func (c *Checkpoints) ListPaused(ctx context.Context, kind workflow.GateKind) ([]*workflow.Checkpoint, error) {
	rows, err := c.s.db.QueryContext(ctx, c.s.q(`
		SELECT data FROM workflow_checkpoints
		WHERE status = $1 AND gate_kind = $2
		ORDER BY created_at`),
		string(workflow.StatusPaused), string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("ListPaused: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("ListPaused: %w", err)
		}
		cp, err := workflow.DecodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
