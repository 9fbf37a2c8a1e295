package store

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/learning"
)

// Learning is the SQL learning.Store.
type Learning struct {
	s *Store
}

var _ learning.Store = (*Learning)(nil)

// Learning returns the learning history view of the store.
func (s *Store) Learning() *Learning { return &Learning{s: s} }

// successUpsert folds one observation into the per-tool EMA in a single
// statement so concurrent writers never lose an update.
func successUpsert(d Dialect) string {
	if d == DialectMySQL {
		return fmt.Sprintf(`
		INSERT INTO tool_success (tool, rate, samples) VALUES ($1, $2, 1)
		ON DUPLICATE KEY UPDATE
			rate    = %[1]g * VALUES(rate) + %[2]g * rate,
			samples = samples + 1`, learning.Alpha, 1-learning.Alpha)
	}
	return fmt.Sprintf(`
		INSERT INTO tool_success (tool, rate, samples) VALUES ($1, $2, 1)
		ON CONFLICT (tool) DO UPDATE SET
			rate    = %[1]g * EXCLUDED.rate + %[2]g * tool_success.rate,
			samples = tool_success.samples + 1`, learning.Alpha, 1-learning.Alpha)
}

func (l *Learning) RecordExecution(ctx context.Context, tool string, success bool) error {
	x := 0.0
	if success {
		x = 1
	}
	if _, err := l.s.db.ExecContext(ctx, l.s.q(successUpsert(l.s.dialect)), tool, x); err != nil {
		return fmt.Errorf("RecordExecution: %w", err)
	}
	return nil
}

func (l *Learning) RecordReview(ctx context.Context, ownerID, tool string, d learning.Decision) error {
	_, err := l.s.db.ExecContext(ctx, l.s.q(`
		INSERT INTO owner_reviews (owner_id, tool, decision, created_at)
		VALUES ($1, $2, $3, $4)`),
		ownerID, tool, string(d), l.s.now(),
	)
	if err != nil {
		return fmt.Errorf("RecordReview: %w", err)
	}
	return nil
}

func (l *Learning) RecordOutcome(ctx context.Context, ownerID, tool string, success bool) error {
	_, err := l.s.db.ExecContext(ctx, l.s.q(`
		INSERT INTO owner_outcomes (owner_id, tool, success, created_at)
		VALUES ($1, $2, $3, $4)`),
		ownerID, tool, success, l.s.now(),
	)
	if err != nil {
		return fmt.Errorf("RecordOutcome: %w", err)
	}
	return nil
}

func (l *Learning) PutRule(ctx context.Context, r learning.Rule) error {
	query := `
		INSERT INTO owner_rules (id, owner_id, category, confidence, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id   = EXCLUDED.owner_id,
			category   = EXCLUDED.category,
			confidence = EXCLUDED.confidence,
			active     = EXCLUDED.active`
	if l.s.dialect == DialectMySQL {
		query = `
		INSERT INTO owner_rules (id, owner_id, category, confidence, active)
		VALUES ($1, $2, $3, $4, $5)
		ON DUPLICATE KEY UPDATE
			owner_id   = VALUES(owner_id),
			category   = VALUES(category),
			confidence = VALUES(confidence),
			active     = VALUES(active)`
	}
	_, err := l.s.db.ExecContext(ctx, l.s.q(query),
		r.ID, r.OwnerID, r.Category.String(), r.Confidence, r.Active,
	)
	if err != nil {
		return fmt.Errorf("PutRule: %w", err)
	}
	return nil
}

func (l *Learning) MarkGolden(ctx context.Context, t learning.Trajectory) error {
	query := `
		INSERT INTO golden_trajectories (owner_id, fingerprint, tool)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	if l.s.dialect == DialectMySQL {
		query = `
		INSERT IGNORE INTO golden_trajectories (owner_id, fingerprint, tool)
		VALUES ($1, $2, $3)`
	}
	query = l.s.q(query)

	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("MarkGolden: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	for _, tool := range t.Tools {
		if _, err := tx.ExecContext(ctx, query, t.OwnerID, t.Fingerprint, tool); err != nil {
			return fmt.Errorf("MarkGolden: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("MarkGolden: %w", err)
	}
	return nil
}

func (l *Learning) recentDecisions(ctx context.Context, ownerID, tool string, n int) ([]learning.Decision, error) {
	rows, err := l.s.db.QueryContext(ctx, l.s.q(`
		SELECT decision FROM owner_reviews
		WHERE owner_id = $1 AND tool = $2
		ORDER BY id DESC
		LIMIT $3`),
		ownerID, tool, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []learning.Decision
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, learning.Decision(d))
	}
	return out, rows.Err()
}

func (l *Learning) ApprovalStreak(ctx context.Context, ownerID, tool string) (autonomy.Streak, error) {
	reviews, err := l.recentDecisions(ctx, ownerID, tool, learning.ReviewLogSize)
	if err != nil {
		return autonomy.Streak{}, fmt.Errorf("ApprovalStreak: %w", err)
	}
	return learning.StreakOf(reviews), nil
}

func (l *Learning) SuccessRate(ctx context.Context, tool string) (float64, int, error) {
	var (
		rate    float64
		samples int
	)
	rows, err := l.s.db.QueryContext(ctx, l.s.q(`
		SELECT rate, samples FROM tool_success WHERE tool = $1`), tool)
	if err != nil {
		return 0, 0, fmt.Errorf("SuccessRate: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&rate, &samples); err != nil {
			return 0, 0, fmt.Errorf("SuccessRate: %w", err)
		}
	}
	return rate, samples, rows.Err()
}

func (l *Learning) RecentReviews(ctx context.Context, ownerID, tool string, n int) ([]bool, error) {
	reviews, err := l.recentDecisions(ctx, ownerID, tool, n)
	if err != nil {
		return nil, fmt.Errorf("RecentReviews: %w", err)
	}
	out := make([]bool, len(reviews))
	for i, d := range reviews {
		out[i] = d == learning.DecisionApprove
	}
	return out, nil
}

func (l *Learning) RuleConfidences(ctx context.Context, ownerID string, category catalog.Category) ([]float64, error) {
	rows, err := l.s.db.QueryContext(ctx, l.s.q(`
		SELECT confidence FROM owner_rules
		WHERE owner_id = $1 AND category = $2 AND active = $3
		ORDER BY id`),
		ownerID, category.String(), true,
	)
	if err != nil {
		return nil, fmt.Errorf("RuleConfidences: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("RuleConfidences: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (l *Learning) GoldenMatch(ctx context.Context, ownerID, fingerprint, tool string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	rows, err := l.s.db.QueryContext(ctx, l.s.q(`
		SELECT 1 FROM golden_trajectories
		WHERE owner_id = $1 AND fingerprint = $2 AND tool = $3`),
		ownerID, fingerprint, tool,
	)
	if err != nil {
		return false, fmt.Errorf("GoldenMatch: %w", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

func (l *Learning) OutcomeRate(ctx context.Context, ownerID, tool string) (float64, int, error) {
	rows, err := l.s.db.QueryContext(ctx, l.s.q(`
		SELECT success FROM owner_outcomes
		WHERE owner_id = $1 AND tool = $2
		ORDER BY id DESC
		LIMIT $3`),
		ownerID, tool, learning.OutcomeWindow,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("OutcomeRate: %w", err)
	}
	defer rows.Close()

	ok, n := 0, 0
	for rows.Next() {
		var success bool
		if err := rows.Scan(&success); err != nil {
			return 0, 0, fmt.Errorf("OutcomeRate: %w", err)
		}
		n++
		if success {
			ok++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("OutcomeRate: %w", err)
	}
	if n == 0 {
		return 0, 0, nil
	}
	return float64(ok) / float64(n), n, nil
}
