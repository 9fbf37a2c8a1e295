package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	ListTools(ctx context.Context) ([]*toolRow, error)
}

type toolRow struct {
	Name             string
	Description      sql.NullString
	Category         string
	RiskLevel        string
	AutonomyCeiling  sql.NullInt64
	Reversible       bool
	CompensationTool sql.NullString
	Policy           sql.NullString
	Service          sql.NullString
	ArgumentSchema   sql.NullString // JSON as string
}

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) ListTools(ctx context.Context) ([]*toolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, category, risk_level, autonomy_ceiling,
		       reversible, compensation_tool, policy, service, argument_schema
		FROM tool_definitions
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*toolRow
	for rows.Next() {
		var r toolRow
		if err := rows.Scan(
			&r.Name, &r.Description, &r.Category, &r.RiskLevel, &r.AutonomyCeiling,
			&r.Reversible, &r.CompensationTool, &r.Policy, &r.Service, &r.ArgumentSchema,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LoadFromDB builds the catalog from the tool_definitions table. It runs once
// at start-up; rows added later are picked up on the next deploy.
func LoadFromDB(ctx context.Context, db *sql.DB) (*Catalog, error) {
	return loadFromStore(ctx, &sqlToolStore{db: db})
}

func loadFromStore(ctx context.Context, store ToolStore) (*Catalog, error) {
	rows, err := store.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("LoadFromDB: %w", err)
	}
	defs := make([]*ToolDefinition, 0, len(rows))
	for _, row := range rows {
		d, err := parseToolRow(row)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return New(defs)
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	cat, err := ParseCategory(row.Category)
	if err != nil {
		return nil, fmt.Errorf("parseToolRow %s: %w", row.Name, err)
	}
	risk, err := ParseRiskLevel(row.RiskLevel)
	if err != nil {
		return nil, fmt.Errorf("parseToolRow %s: %w", row.Name, err)
	}

	td := &ToolDefinition{
		Name:            row.Name,
		Category:        cat,
		Risk:            risk,
		AutonomyCeiling: LevelAutonomous,
		Reversible:      row.Reversible,
	}
	if row.AutonomyCeiling.Valid {
		td.AutonomyCeiling = Level(row.AutonomyCeiling.Int64)
		if !td.AutonomyCeiling.Valid() {
			return nil, fmt.Errorf("parseToolRow %s: autonomy_ceiling %d out of range", row.Name, row.AutonomyCeiling.Int64)
		}
	}
	if row.Description.Valid {
		td.Description = row.Description.String
	}
	if row.CompensationTool.Valid {
		td.CompensationTool = row.CompensationTool.String
	}
	if row.Policy.Valid {
		td.Policy = row.Policy.String
	}
	if row.Service.Valid {
		td.Service = row.Service.String
	}

	// Parse argument_schema (JSON object)
	if row.ArgumentSchema.Valid && row.ArgumentSchema.String != "" {
		var schema map[string]any
		if err := json.Unmarshal([]byte(row.ArgumentSchema.String), &schema); err != nil {
			return nil, fmt.Errorf("parseToolRow %s: argument_schema: %w", row.Name, err)
		}
		td.ArgumentSchema = schema
	}

	return td, nil
}
