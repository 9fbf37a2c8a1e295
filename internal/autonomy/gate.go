package autonomy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

// ErrCategoryNotPermitted is returned when the owner's tier cannot reach the
// tool's category.
var ErrCategoryNotPermitted = errors.New("tool category not permitted for subscription tier")

// DefaultGraduationThreshold is the approval streak needed to graduate.
const DefaultGraduationThreshold = 10

// ApprovalStats supplies the graduation history.
type ApprovalStats interface {
	ApprovalStreak(ctx context.Context, ownerID, tool string) (Streak, error)
}

// GateConfig configures a Gate.
type GateConfig struct {
	Stats               ApprovalStats // nil disables graduation
	GraduationThreshold int
	Logger              *zap.Logger
}

// Gate resolves autonomy levels. It has no side effects.
type Gate struct {
	stats     ApprovalStats
	threshold int
	logger    *zap.Logger
}

func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		stats:     cfg.Stats,
		threshold: cfg.GraduationThreshold,
		logger:    cfg.Logger,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultGraduationThreshold
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	return g
}

// Resolve computes the effective autonomy for def under profile.
//
// Order:
//  1. Tier must permit the category, else ErrCategoryNotPermitted.
//  2. Requested level = the owner's category override, else the preset default.
//  3. Clamp to the tool ceiling (declared ceiling and risk ceiling).
//  4. Critical risk is a hard block at Inform; nothing lifts it.
//  5. An opted-in owner with a clean approval streak >= threshold for this
//     exact tool gets one level above the clamp, never above what they asked for.
func (g *Gate) Resolve(ctx context.Context, def *catalog.ToolDefinition, profile Profile) (Resolution, error) {
	if !profile.Tier.Permits(def.Category) {
		return Resolution{}, fmt.Errorf("%w: %s tools on %s tier", ErrCategoryNotPermitted, def.Category, profile.Tier)
	}

	res := Resolution{
		Tool:    def.Name,
		Ceiling: def.Ceiling(),
	}

	res.Requested, res.Source = profile.Preset.Default(def.Category), SourcePreset
	if lvl, ok := profile.Overrides[def.Category]; ok && lvl.Valid() {
		res.Requested, res.Source = lvl, SourceOwnerOverride
	}

	res.Level = res.Requested
	if res.Level > res.Ceiling {
		res.Level = res.Ceiling
		res.Source = SourceToolDefault
		res.Reason = fmt.Sprintf("%s risk caps autonomy at %s", def.Risk, res.Ceiling)
	}

	if def.Risk == catalog.RiskCritical {
		res.Level = catalog.LevelInform
		res.Source = SourceHardBlock
		res.Reason = "critical risk always requires approval"
		res.RequiresApproval = true
		return res, nil
	}

	if g.stats != nil && profile.Graduation {
		streak, err := g.stats.ApprovalStreak(ctx, profile.OwnerID, def.Name)
		if err != nil {
			// Graduation is an upgrade; without history the clamp stands.
			g.logger.Warn("failed to load approval streak",
				zap.String("owner_id", profile.OwnerID),
				zap.String("tool_name", def.Name),
				zap.Error(err),
			)
		} else {
			res.ApprovalCount = streak.ConsecutiveApprovals
			if streak.Corrections == 0 && streak.ConsecutiveApprovals >= g.threshold && res.Level < res.Requested {
				res.Level++
				res.Source = SourceGraduated
				res.Reason = fmt.Sprintf("graduated after %d consecutive approvals", streak.ConsecutiveApprovals)
			}
		}
	}

	res.RequiresApproval = requiresApproval(res.Level)
	return res, nil
}
