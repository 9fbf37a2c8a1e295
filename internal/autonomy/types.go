package autonomy

import (
	"fmt"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

// Tier is the owner's subscription tier.
type Tier int

const (
	TierBasic Tier = iota
	TierPro
	TierEnterprise
)

var tierNames = [...]string{
	TierBasic:      "basic",
	TierPro:        "pro",
	TierEnterprise: "enterprise",
}

func (t Tier) Valid() bool { return t >= TierBasic && t <= TierEnterprise }

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown subscription tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Permits reports whether tools of category c are reachable on this tier.
func (t Tier) Permits(c catalog.Category) bool {
	switch c {
	case catalog.CategoryQuery, catalog.CategoryMemory, catalog.CategoryPlanning, catalog.CategoryGenerate:
		return t.Valid()
	case catalog.CategoryAction, catalog.CategoryWorkflow:
		return t == TierPro || t == TierEnterprise
	case catalog.CategoryIntegration, catalog.CategoryExternal:
		return t == TierEnterprise
	}
	return false
}

// Preset is the owner's coarse autonomy preference.
type Preset int

const (
	PresetCautious Preset = iota
	PresetBalanced
	PresetHandsOff
)

var presetNames = [...]string{
	PresetCautious: "cautious",
	PresetBalanced: "balanced",
	PresetHandsOff: "hands_off",
}

func (p Preset) Valid() bool { return p >= PresetCautious && p <= PresetHandsOff }

func (p Preset) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Preset(%d)", int(p))
	}
	return presetNames[p]
}

func ParsePreset(s string) (Preset, error) {
	for i, name := range presetNames {
		if name == s {
			return Preset(i), nil
		}
	}
	return 0, fmt.Errorf("unknown autonomy preset %q", s)
}

func (p Preset) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Preset) UnmarshalText(b []byte) error {
	v, err := ParsePreset(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Default returns the preset's level for a tool category. Unknown presets
// and categories resolve to Inform.
func (p Preset) Default(c catalog.Category) catalog.Level {
	var row [8]catalog.Level
	switch p {
	case PresetCautious:
		row = [8]catalog.Level{3, 1, 2, 1, 3, 2, 1, 0}
	case PresetBalanced:
		row = [8]catalog.Level{4, 2, 3, 2, 4, 3, 2, 1}
	case PresetHandsOff:
		row = [8]catalog.Level{4, 3, 4, 3, 4, 4, 3, 2}
	default:
		return catalog.LevelInform
	}
	if !c.Valid() {
		return catalog.LevelInform
	}
	return row[c]
}

// Source records which rule produced a resolution's level.
type Source string

const (
	SourcePreset        Source = "preset"
	SourceToolDefault   Source = "tool_default"
	SourceOwnerOverride Source = "owner_override"
	SourceGraduated     Source = "graduated"
	SourceHardBlock     Source = "hard_block"
	SourceTaskCap       Source = "task_cap"
)

// Profile is everything about an owner the gate needs.
type Profile struct {
	OwnerID   string
	Tier      Tier
	Preset    Preset
	Overrides map[catalog.Category]catalog.Level
	// Graduation opts the owner in to graduated autonomy.
	Graduation bool
}

// Streak is the approval history for one (owner, tool) pair since the last
// correction.
type Streak struct {
	ConsecutiveApprovals int
	Corrections          int
}

// Resolution is the effective permission for one tool-call attempt.
type Resolution struct {
	Tool             string        `json:"tool"`
	Level            catalog.Level `json:"level"`
	Ceiling          catalog.Level `json:"ceiling"`
	Requested        catalog.Level `json:"requested"`
	Source           Source        `json:"source"`
	RequiresApproval bool          `json:"requires_approval"`
	ApprovalCount    int           `json:"approval_count"`
	Reason           string        `json:"reason,omitempty"`
}

// Capped lowers the resolution to at most max, e.g. a background task's
// declared default autonomy.
func (r Resolution) Capped(max catalog.Level) Resolution {
	if r.Level <= max {
		return r
	}
	r.Level = max
	r.Source = SourceTaskCap
	r.RequiresApproval = requiresApproval(r.Level)
	r.Reason = fmt.Sprintf("capped at %s by task", max)
	return r
}

// requiresApproval is the unconditional rule; Supervised may additionally
// ask depending on confidence.
func requiresApproval(l catalog.Level) bool {
	return l <= catalog.LevelSuggest
}
