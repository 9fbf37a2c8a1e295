package catalog

import (
	"fmt"
	"strconv"
)

// Category groups tools by what they do. Subscription tiers gate which
// categories are reachable at all.
type Category int

const (
	CategoryQuery Category = iota
	CategoryAction
	CategoryGenerate
	CategoryWorkflow
	CategoryMemory
	CategoryPlanning
	CategoryIntegration
	CategoryExternal
)

var categoryNames = [...]string{
	CategoryQuery:       "query",
	CategoryAction:      "action",
	CategoryGenerate:    "generate",
	CategoryWorkflow:    "workflow",
	CategoryMemory:      "memory",
	CategoryPlanning:    "planning",
	CategoryIntegration: "integration",
	CategoryExternal:    "external",
}

// Categories lists every category in declaration order.
func Categories() []Category {
	out := make([]Category, len(categoryNames))
	for i := range categoryNames {
		out[i] = Category(i)
	}
	return out
}

func (c Category) Valid() bool { return c >= CategoryQuery && c <= CategoryExternal }

func (c Category) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Category(%d)", int(c))
	}
	return categoryNames[c]
}

func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tool category %q", s)
}

func (c Category) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid tool category %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(b []byte) error {
	v, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// RiskLevel is the static harm classification of a tool.
type RiskLevel int

const (
	RiskNone RiskLevel = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{
	RiskNone:     "none",
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

func (r RiskLevel) Valid() bool { return r >= RiskNone && r <= RiskCritical }

func (r RiskLevel) String() string {
	if !r.Valid() {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskNames[r]
}

func ParseRiskLevel(s string) (RiskLevel, error) {
	for i, name := range riskNames {
		if name == s {
			return RiskLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(r))
	}
	return []byte(r.String()), nil
}

func (r *RiskLevel) UnmarshalText(b []byte) error {
	v, err := ParseRiskLevel(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Ceiling is the highest autonomy level a tool of this risk may ever reach
// without graduation. Unknown levels fail closed.
func (r RiskLevel) Ceiling() Level {
	switch r {
	case RiskNone:
		return LevelAutonomous
	case RiskLow:
		return LevelNotify
	case RiskMedium:
		return LevelSupervised
	case RiskHigh:
		return LevelSuggest
	case RiskCritical:
		return LevelInform
	}
	return LevelInform
}

// Level is the 0-4 autonomy scale, from "always ask" to silent execution.
type Level int

const (
	LevelInform Level = iota
	LevelSuggest
	LevelSupervised
	LevelNotify
	LevelAutonomous
)

var levelNames = [...]string{
	LevelInform:     "inform",
	LevelSuggest:    "suggest",
	LevelSupervised: "supervised",
	LevelNotify:     "notify",
	LevelAutonomous: "autonomous",
}

func (l Level) Valid() bool { return l >= LevelInform && l <= LevelAutonomous }

func (l Level) String() string {
	if !l.Valid() {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel accepts either a level name or its number.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && Level(n).Valid() {
		return Level(n), nil
	}
	return 0, fmt.Errorf("unknown autonomy level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid autonomy level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// MinLevel returns the lower of two levels.
func MinLevel(a, b Level) Level {
	if a < b {
		return a
	}
	return b
}

// ToolDefinition is an immutable catalog entry, loaded once at process start.
type ToolDefinition struct {
	Name             string
	Description      string
	Category         Category
	Risk             RiskLevel
	AutonomyCeiling  Level
	Reversible       bool
	CompensationTool string
	Policy           string         // resilience policy name; empty = default
	Service          string         // external service tag for the circuit breaker; empty = internal
	ArgumentSchema   map[string]any // JSON Schema, nil if not set
}

// Ceiling is the effective cap for the tool: the lower of the declared
// autonomy ceiling and the risk-derived ceiling.
func (d *ToolDefinition) Ceiling() Level {
	return MinLevel(d.AutonomyCeiling, d.Risk.Ceiling())
}

// External reports whether calls are tagged to an external service.
func (d *ToolDefinition) External() bool {
	return d.Service != ""
}
