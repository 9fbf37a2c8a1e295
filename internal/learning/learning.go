package learning

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/confidence"
)

const (
	// Alpha is the smoothing factor of the per-tool success EMA.
	Alpha = 0.2
	// ReviewLogSize bounds the review history kept per (owner, tool).
	ReviewLogSize = 50
	// OutcomeWindow is how many recent downstream outcomes feed the outcome rate.
	OutcomeWindow = 20
	// StreakWindow is the number of recent reviews in which corrections are counted.
	StreakWindow = autonomy.DefaultGraduationThreshold
)

// Decision is an owner's review of a proposed action.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionModify  Decision = "modify"
)

func ParseDecision(s string) (Decision, error) {
	switch d := Decision(s); d {
	case DecisionApprove, DecisionReject, DecisionModify:
		return d, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Correction reports whether the decision counts against graduation.
func (d Decision) Correction() bool {
	return d != DecisionApprove
}

// Rule is an owner-authored preference scoped to a tool category.
type Rule struct {
	ID         string
	OwnerID    string
	Category   catalog.Category
	Confidence float64
	Active     bool
}

// Trajectory is a tool sequence the owner marked as a proven-good template
// for an intent.
type Trajectory struct {
	OwnerID     string
	Fingerprint string
	Tools       []string
}

// Recorder receives the facts learning is built from.
type Recorder interface {
	RecordExecution(ctx context.Context, tool string, success bool) error
	RecordReview(ctx context.Context, ownerID, tool string, d Decision) error
	RecordOutcome(ctx context.Context, ownerID, tool string, success bool) error
}

// Store is a complete learning backend.
type Store interface {
	Recorder
	autonomy.ApprovalStats
	confidence.Signals
	PutRule(ctx context.Context, r Rule) error
	MarkGolden(ctx context.Context, t Trajectory) error
}

// NextEMA folds one observation into a running average.
func NextEMA(prev float64, samples int, success bool) float64 {
	x := 0.0
	if success {
		x = 1
	}
	if samples == 0 {
		return x
	}
	return Alpha*x + (1-Alpha)*prev
}

// StreakOf computes the approval streak from reviews, newest first.
func StreakOf(reviews []Decision) autonomy.Streak {
	var s autonomy.Streak
	for _, d := range reviews {
		if d.Correction() {
			break
		}
		s.ConsecutiveApprovals++
	}
	for i, d := range reviews {
		if i >= StreakWindow {
			break
		}
		if d.Correction() {
			s.Corrections++
		}
	}
	return s
}
