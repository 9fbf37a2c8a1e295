package store

import (
	"context"
	"fmt"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tool_definitions (
		name              TEXT PRIMARY KEY,
		description       TEXT,
		category          TEXT NOT NULL,
		risk_level        TEXT NOT NULL,
		autonomy_ceiling  INTEGER,
		reversible        BOOLEAN NOT NULL DEFAULT false,
		compensation_tool TEXT,
		policy            TEXT,
		service           TEXT,
		argument_schema   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		id          TEXT PRIMARY KEY,
		definition  TEXT NOT NULL,
		owner_id    TEXT NOT NULL,
		status      TEXT NOT NULL,
		gate_kind   TEXT NOT NULL DEFAULT '',
		revision    BIGINT NOT NULL,
		data        JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_checkpoints_paused ON workflow_checkpoints (status, gate_kind)`,
	`CREATE TABLE IF NOT EXISTS pending_actions (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		status      TEXT NOT NULL,
		data        JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		expires_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS pending_actions_owner ON pending_actions (owner_id, status)`,
	`CREATE TABLE IF NOT EXISTS owners (
		id          TEXT PRIMARY KEY,
		tier        TEXT NOT NULL,
		preset      TEXT NOT NULL,
		overrides   JSONB,
		graduation  BOOLEAN NOT NULL DEFAULT false,
		maturity    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS owner_api_keys (
		key_prefix  TEXT PRIMARY KEY,
		key_hash    TEXT NOT NULL,
		owner_id    TEXT NOT NULL,
		revoked     BOOLEAN NOT NULL DEFAULT false,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_success (
		tool        TEXT PRIMARY KEY,
		rate        DOUBLE PRECISION NOT NULL,
		samples     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS owner_reviews (
		id          BIGSERIAL PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		tool        TEXT NOT NULL,
		decision    TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS owner_reviews_lookup ON owner_reviews (owner_id, tool, id DESC)`,
	`CREATE TABLE IF NOT EXISTS owner_outcomes (
		id          BIGSERIAL PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		tool        TEXT NOT NULL,
		success     BOOLEAN NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS owner_outcomes_lookup ON owner_outcomes (owner_id, tool, id DESC)`,
	`CREATE TABLE IF NOT EXISTS owner_rules (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		category    TEXT NOT NULL,
		confidence  DOUBLE PRECISION NOT NULL,
		active      BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS golden_trajectories (
		owner_id    TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		tool        TEXT NOT NULL,
		PRIMARY KEY (owner_id, fingerprint, tool)
	)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tool_definitions (
		name              VARCHAR(128) PRIMARY KEY,
		description       TEXT,
		category          VARCHAR(32) NOT NULL,
		risk_level        VARCHAR(16) NOT NULL,
		autonomy_ceiling  INT,
		reversible        BOOLEAN NOT NULL DEFAULT false,
		compensation_tool VARCHAR(128),
		policy            VARCHAR(128),
		service           VARCHAR(128),
		argument_schema   TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		id          VARCHAR(64) PRIMARY KEY,
		definition  VARCHAR(128) NOT NULL,
		owner_id    VARCHAR(128) NOT NULL,
		status      VARCHAR(32) NOT NULL,
		gate_kind   VARCHAR(32) NOT NULL DEFAULT '',
		revision    BIGINT NOT NULL,
		data        JSON NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		updated_at  DATETIME(6) NOT NULL,
		INDEX workflow_checkpoints_paused (status, gate_kind)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_actions (
		id          VARCHAR(64) PRIMARY KEY,
		owner_id    VARCHAR(128) NOT NULL,
		status      VARCHAR(32) NOT NULL,
		data        JSON NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		expires_at  DATETIME(6) NOT NULL,
		INDEX pending_actions_owner (owner_id, status)
	)`,
	`CREATE TABLE IF NOT EXISTS owners (
		id          VARCHAR(128) PRIMARY KEY,
		tier        VARCHAR(32) NOT NULL,
		preset      VARCHAR(32) NOT NULL,
		overrides   JSON,
		graduation  BOOLEAN NOT NULL DEFAULT false,
		maturity    INT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS owner_api_keys (
		key_prefix  VARCHAR(32) PRIMARY KEY,
		key_hash    VARCHAR(128) NOT NULL,
		owner_id    VARCHAR(128) NOT NULL,
		revoked     BOOLEAN NOT NULL DEFAULT false,
		created_at  DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_success (
		tool        VARCHAR(128) PRIMARY KEY,
		rate        DOUBLE NOT NULL,
		samples     INT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS owner_reviews (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		owner_id    VARCHAR(128) NOT NULL,
		tool        VARCHAR(128) NOT NULL,
		decision    VARCHAR(16) NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		INDEX owner_reviews_lookup (owner_id, tool, id)
	)`,
	`CREATE TABLE IF NOT EXISTS owner_outcomes (
		id          BIGINT AUTO_INCREMENT PRIMARY KEY,
		owner_id    VARCHAR(128) NOT NULL,
		tool        VARCHAR(128) NOT NULL,
		success     BOOLEAN NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		INDEX owner_outcomes_lookup (owner_id, tool, id)
	)`,
	`CREATE TABLE IF NOT EXISTS owner_rules (
		id          VARCHAR(64) PRIMARY KEY,
		owner_id    VARCHAR(128) NOT NULL,
		category    VARCHAR(32) NOT NULL,
		confidence  DOUBLE NOT NULL,
		active      BOOLEAN NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS golden_trajectories (
		owner_id    VARCHAR(128) NOT NULL,
		fingerprint VARCHAR(191) NOT NULL,
		tool        VARCHAR(128) NOT NULL,
		PRIMARY KEY (owner_id, fingerprint, tool)
	)`,
}

func schemaFor(d Dialect) []string {
	if d == DialectMySQL {
		return mysqlSchema
	}
	return postgresSchema
}

// Migrate creates missing tables. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("Migrate: %w", err)
		}
	}
	return nil
}
