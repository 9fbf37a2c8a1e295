package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
)

var (
	ErrNotFound        = errors.New("pending action not found")
	ErrAlreadyResolved = errors.New("pending action already resolved")
	ErrExpired         = errors.New("pending action expired")
)

// DefaultTTL is how long an owner has to decide.
const DefaultTTL = 48 * time.Hour

// Status of a pending action.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusModified Status = "modified"
	StatusExpired  Status = "expired"
)

// Kind says what the action is blocking.
type Kind string

const (
	KindToolCall Kind = "tool_call"
	KindGate     Kind = "workflow_gate"
)

// PendingAction is what the owner is asked to decide on.
type PendingAction struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	OwnerID       string         `json:"owner_id"`
	Tool          string         `json:"tool,omitempty"`
	Title         string         `json:"title"`
	Preview       string         `json:"preview"`
	Reason        string         `json:"reason"`
	Input         map[string]any `json:"input,omitempty"`
	Level         catalog.Level  `json:"level"`
	Confidence    float64        `json:"confidence"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	StepIndex     int            `json:"step_index"`
	Status        Status         `json:"status"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
	Comment       string         `json:"comment,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	DecidedAt     *time.Time     `json:"decided_at,omitempty"`
}

// Expired reports whether a still-pending action is past its deadline.
func (p *PendingAction) Expired(now time.Time) bool {
	return p.Status == StatusPending && !now.Before(p.ExpiresAt)
}

// Resolution is the owner's decision on a pending action.
type Resolution struct {
	Status        Status
	ModifiedInput map[string]any
	Comment       string
	At            time.Time
}

// Store persists pending actions. Resolve is a compare-and-set from pending.
type Store interface {
	Create(ctx context.Context, p *PendingAction) error
	Get(ctx context.Context, id string) (*PendingAction, error)
	ListPending(ctx context.Context, ownerID string) ([]*PendingAction, error)
	Resolve(ctx context.Context, id string, r Resolution) (*PendingAction, error)
}

// Preview renders the plain-language title and description of what would
// happen and why the owner is being asked.
func Preview(def *catalog.ToolDefinition, input map[string]any, reason string) (title, preview string) {
	title = humanize(def.Name)

	var b strings.Builder
	if def.Description != "" {
		b.WriteString(strings.TrimSuffix(def.Description, "."))
	} else {
		b.WriteString("Run " + strings.ToLower(title))
	}
	if args := describeInput(input); args != "" {
		b.WriteString(" with " + args)
	}
	b.WriteString(".")
	if reason != "" {
		b.WriteString(" Approval is needed because " + reason + ".")
	}
	if !def.Reversible {
		b.WriteString(" This cannot be undone.")
	}
	return title, b.String()
}

func humanize(name string) string {
	s := strings.ReplaceAll(name, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

const maxArgLen = 60

func describeInput(input map[string]any) string {
	if len(input) == 0 {
		return ""
	}
	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		var v string
		switch x := input[k].(type) {
		case string:
			v = x
		default:
			raw, err := json.Marshal(x)
			if err != nil {
				v = fmt.Sprint(x)
			} else {
				v = string(raw)
			}
		}
		if len(v) > maxArgLen {
			v = v[:maxArgLen] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, ", ")
}
