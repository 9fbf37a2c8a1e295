package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CheckpointVersion is the schema version written by this engine.
const CheckpointVersion = 1

var (
	ErrCheckpointVersion = errors.New("unsupported checkpoint version")
	ErrCheckpointExpired = errors.New("workflow checkpoint expired")
	ErrNotFound          = errors.New("workflow instance not found")
	ErrConflict          = errors.New("workflow instance was modified concurrently")
	ErrNotAtGate         = errors.New("workflow instance is not paused at a matching gate")
	ErrUnknownWorkflow   = errors.New("unknown workflow definition")
)

// Status is the state of a workflow instance.
type Status string

const (
	StatusRunning           Status = "running"
	StatusPaused            Status = "paused"
	StatusFailed            Status = "failed"
	StatusCompensating      Status = "compensating"
	StatusFailedCompensated Status = "failed_compensated"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusHalted            Status = "halted"
	StatusExpired           Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailedCompensated, StatusCancelled, StatusHalted, StatusExpired:
		return true
	case StatusRunning, StatusPaused, StatusFailed, StatusCompensating:
		return false
	}
	return false
}

// PendingGate marks where a paused instance is blocked.
type PendingGate struct {
	Kind      GateKind  `json:"kind"`
	StepIndex int       `json:"step_index"`
	Event     string    `json:"event,omitempty"`
	ResumeAt  time.Time `json:"resume_at,omitempty"`
	ActionID  string    `json:"action_id,omitempty"`
	// Implicit is set when the step itself asked for approval.
	Implicit bool   `json:"implicit,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CompensationAction is one entry of the rollback stack. Per-item steps
// push a single entry with one parameter set per succeeded item.
type CompensationAction struct {
	StepIndex int              `json:"step_index"`
	Tool      string           `json:"tool"`
	Params    []map[string]any `json:"params"`
}

// StepStatus is the outcome recorded for a step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepDeferred  StepStatus = "deferred"
)

// StepRecord is the audit of one executed step.
type StepRecord struct {
	Index    int        `json:"index"`
	Name     string     `json:"name"`
	Tool     string     `json:"tool"`
	Status   StepStatus `json:"status"`
	Error    string     `json:"error,omitempty"`
	Category string     `json:"category,omitempty"`
	Items    int        `json:"items,omitempty"`
	Failed   int        `json:"failed_items,omitempty"`
	Attempts int        `json:"attempts"`
	Fallback string     `json:"fallback,omitempty"`
	Finished time.Time  `json:"finished"`
}

// ItemProgress records how far a per-item step got before it paused. Items
// before Next are done and are not executed again on resume.
type ItemProgress struct {
	StepIndex int              `json:"step_index"`
	Next      int              `json:"next"`
	Results   []any            `json:"results"`
	Undo      []map[string]any `json:"undo,omitempty"`
	Failed    int              `json:"failed"`
	Attempts  int              `json:"attempts"`
}

// Checkpoint is the persisted state of one workflow instance.
type Checkpoint struct {
	Version    int             `json:"version"`
	ID         string          `json:"id"`
	Definition string          `json:"definition"`
	OwnerID    string          `json:"owner_id"`
	Status     Status          `json:"status"`
	StepIndex  int             `json:"step_index"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
	Completed  []int           `json:"completed"`
	Gate       *PendingGate    `json:"gate,omitempty"`
	// Compensations is ordered most recent first.
	Compensations []CompensationAction `json:"compensations"`
	Context       map[string]any       `json:"context"`
	Steps         []StepRecord         `json:"steps"`
	// GatePassed is the index of the step whose gate has been satisfied, or -1.
	GatePassed int `json:"gate_passed"`
	// Approved marks the GatePassed step as owner-approved.
	Approved bool `json:"approved,omitempty"`
	// Override replaces the GatePassed step's parameters (approval with modification).
	Override map[string]any `json:"override,omitempty"`
	// ItemProgress holds a per-item step interrupted by an approval gate.
	ItemProgress *ItemProgress `json:"item_progress,omitempty"`
	Error        string        `json:"error,omitempty"`
	Category     string        `json:"category,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	// Revision is incremented by every successful store update.
	Revision int64 `json:"revision"`
}

// Expired reports whether the instance is past its resume window.
func (c *Checkpoint) Expired(now time.Time) bool {
	return !c.Status.Terminal() && !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

func (c *Checkpoint) pushCompensation(a CompensationAction) {
	c.Compensations = append([]CompensationAction{a}, c.Compensations...)
}

// replaceCompensation drops any entry already pushed for a's step, then
// pushes a.
func (c *Checkpoint) replaceCompensation(a CompensationAction) {
	kept := c.Compensations[:0:0]
	for _, existing := range c.Compensations {
		if existing.StepIndex != a.StepIndex {
			kept = append(kept, existing)
		}
	}
	c.Compensations = kept
	c.pushCompensation(a)
}

// Encode serializes the checkpoint.
func (c *Checkpoint) Encode() ([]byte, error) {
	if c.Version == 0 {
		c.Version = CheckpointVersion
	}
	return json.Marshal(c)
}

// DecodeCheckpoint parses a stored checkpoint. A checkpoint from another
// schema version, or with fields this version does not know, is rejected.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("DecodeCheckpoint: %w", err)
	}
	if head.Version != CheckpointVersion {
		return nil, fmt.Errorf("%w: %d (want %d)", ErrCheckpointVersion, head.Version, CheckpointVersion)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var c Checkpoint
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointVersion, err)
	}
	return &c, nil
}
