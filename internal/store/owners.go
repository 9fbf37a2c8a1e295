package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
)

// Owners is the SQL owners.Directory.
type Owners struct {
	s *Store
}

var _ owners.Directory = (*Owners)(nil)

// Owners returns the owner directory view of the store.
func (s *Store) Owners() *Owners { return &Owners{s: s} }

type ownerRow struct {
	ID         string
	Tier       string
	Preset     string
	Overrides  []byte // JSON, nullable
	Graduation bool
	Maturity   int
}

func (r *ownerRow) owner() (*owners.Owner, error) {
	tier, err := autonomy.ParseTier(r.Tier)
	if err != nil {
		return nil, fmt.Errorf("owner %s: %w", r.ID, err)
	}
	preset, err := autonomy.ParsePreset(r.Preset)
	if err != nil {
		return nil, fmt.Errorf("owner %s: %w", r.ID, err)
	}
	o := &owners.Owner{
		ID:         r.ID,
		Tier:       tier,
		Preset:     preset,
		Graduation: r.Graduation,
		Maturity:   r.Maturity,
	}
	if len(r.Overrides) > 0 && string(r.Overrides) != "null" {
		var ov map[catalog.Category]catalog.Level
		if err := json.Unmarshal(r.Overrides, &ov); err != nil {
			return nil, fmt.Errorf("owner %s overrides: %w", r.ID, err)
		}
		o.Overrides = ov
	}
	return o, nil
}

func (o *Owners) Get(ctx context.Context, id string) (*owners.Owner, error) {
	var r ownerRow
	err := o.s.db.QueryRowContext(ctx, o.s.q(`
		SELECT id, tier, preset, overrides, graduation, maturity
		FROM owners WHERE id = $1`), id,
	).Scan(&r.ID, &r.Tier, &r.Preset, &r.Overrides, &r.Graduation, &r.Maturity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, owners.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetOwner: %w", err)
	}
	return r.owner()
}

func (o *Owners) List(ctx context.Context) ([]*owners.Owner, error) {
	rows, err := o.s.db.QueryContext(ctx, `
		SELECT id, tier, preset, overrides, graduation, maturity
		FROM owners ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListOwners: %w", err)
	}
	defer rows.Close()

	var out []*owners.Owner
	for rows.Next() {
		var r ownerRow
		if err := rows.Scan(&r.ID, &r.Tier, &r.Preset, &r.Overrides, &r.Graduation, &r.Maturity); err != nil {
			return nil, fmt.Errorf("ListOwners: %w", err)
		}
		owner, err := r.owner()
		if err != nil {
			return nil, err
		}
		out = append(out, owner)
	}
	return out, rows.Err()
}

// Put inserts or replaces an owner.
func (o *Owners) Put(ctx context.Context, owner *owners.Owner) error {
	var overrides any
	if len(owner.Overrides) > 0 {
		data, err := json.Marshal(owner.Overrides)
		if err != nil {
			return fmt.Errorf("PutOwner: %w", err)
		}
		overrides = string(data)
	}
	query := `
		INSERT INTO owners (id, tier, preset, overrides, graduation, maturity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tier       = EXCLUDED.tier,
			preset     = EXCLUDED.preset,
			overrides  = EXCLUDED.overrides,
			graduation = EXCLUDED.graduation,
			maturity   = EXCLUDED.maturity`
	if o.s.dialect == DialectMySQL {
		query = `
		INSERT INTO owners (id, tier, preset, overrides, graduation, maturity)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON DUPLICATE KEY UPDATE
			tier       = VALUES(tier),
			preset     = VALUES(preset),
			overrides  = VALUES(overrides),
			graduation = VALUES(graduation),
			maturity   = VALUES(maturity)`
	}
	_, err := o.s.db.ExecContext(ctx, o.s.q(query),
		owner.ID, owner.Tier.String(), owner.Preset.String(), overrides, owner.Graduation, owner.Maturity,
	)
	if err != nil {
		return fmt.Errorf("PutOwner: %w", err)
	}
	return nil
}

// AddAPIKey stores the bcrypt hash of a newly issued owner API key.
func (o *Owners) AddAPIKey(ctx context.Context, ownerID, prefix, hash string) error {
	_, err := o.s.db.ExecContext(ctx, o.s.q(`
		INSERT INTO owner_api_keys (key_prefix, key_hash, owner_id, revoked, created_at)
		VALUES ($1, $2, $3, $4, $5)`),
		prefix, hash, ownerID, false, o.s.now(),
	)
	if err != nil {
		return fmt.Errorf("AddAPIKey: %w", err)
	}
	return nil
}
