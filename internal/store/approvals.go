package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
)

// Approvals is the SQL approval.Store. The status column is authoritative;
// the rest of the action is kept as a JSON document.
type Approvals struct {
	s *Store
}

var _ approval.Store = (*Approvals)(nil)

// Approvals returns the pending-action view of the store.
func (s *Store) Approvals() *Approvals { return &Approvals{s: s} }

func (a *Approvals) Create(ctx context.Context, p *approval.PendingAction) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("CreatePendingAction: %w", err)
	}
	_, err = a.s.db.ExecContext(ctx, a.s.q(`
		INSERT INTO pending_actions (id, owner_id, status, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`),
		p.ID, p.OwnerID, string(p.Status), string(data), p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("CreatePendingAction: %w", err)
	}
	return nil
}

func (a *Approvals) Get(ctx context.Context, id string) (*approval.PendingAction, error) {
	var (
		status string
		data   []byte
	)
	err := a.s.db.QueryRowContext(ctx, a.s.q(`
		SELECT status, data FROM pending_actions WHERE id = $1`), id,
	).Scan(&status, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetPendingAction: %w", err)
	}
	p, err := decodeAction(status, data)
	if err != nil {
		return nil, err
	}
	if p.Expired(a.s.now()) {
		if err := a.markExpired(ctx, id); err != nil {
			return nil, err
		}
		p.Status = approval.StatusExpired
	}
	return p, nil
}

func (a *Approvals) ListPending(ctx context.Context, ownerID string) ([]*approval.PendingAction, error) {
	rows, err := a.s.db.QueryContext(ctx, a.s.q(`
		SELECT status, data FROM pending_actions
		WHERE owner_id = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at`),
		ownerID, string(approval.StatusPending), a.s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("ListPending: %w", err)
	}
	defer rows.Close()

	var out []*approval.PendingAction
	for rows.Next() {
		var (
			status string
			data   []byte
		)
		if err := rows.Scan(&status, &data); err != nil {
			return nil, fmt.Errorf("ListPending: %w", err)
		}
		p, err := decodeAction(status, data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Resolve moves a pending action to its decided status. Only the first
// resolution of an unexpired action succeeds.
func (a *Approvals) Resolve(ctx context.Context, id string, r approval.Resolution) (*approval.PendingAction, error) {
	p, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case approval.StatusPending:
	case approval.StatusExpired:
		return nil, approval.ErrExpired
	default:
		return nil, approval.ErrAlreadyResolved
	}

	at := r.At
	if at.IsZero() {
		at = a.s.now()
	}
	p.Status = r.Status
	p.ModifiedInput = r.ModifiedInput
	p.Comment = r.Comment
	p.DecidedAt = &at
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ResolvePendingAction: %w", err)
	}

	res, err := a.s.db.ExecContext(ctx, a.s.q(`
		UPDATE pending_actions SET status = $1, data = $2
		WHERE id = $3 AND status = $4 AND expires_at > $5`),
		string(p.Status), string(data), id, string(approval.StatusPending), at,
	)
	if err != nil {
		return nil, fmt.Errorf("ResolvePendingAction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ResolvePendingAction: %w", err)
	}
	if n == 0 {
		// Lost the race or crossed the deadline; report whichever it was.
		cur, err := a.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status == approval.StatusExpired {
			return nil, approval.ErrExpired
		}
		return nil, approval.ErrAlreadyResolved
	}
	return p, nil
}

func (a *Approvals) markExpired(ctx context.Context, id string) error {
	_, err := a.s.db.ExecContext(ctx, a.s.q(`
		UPDATE pending_actions SET status = $1 WHERE id = $2 AND status = $3`),
		string(approval.StatusExpired), id, string(approval.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("ExpirePendingAction: %w", err)
	}
	return nil
}

func decodeAction(status string, data []byte) (*approval.PendingAction, error) {
	var p approval.PendingAction
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode pending action: %w", err)
	}
	p.Status = approval.Status(status)
	return &p, nil
}
