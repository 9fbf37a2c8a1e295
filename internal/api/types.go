package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/confidence"
	"github.com/triage-ai/palisade/services/agent_engine/internal/contextwindow"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
	"github.com/triage-ai/palisade/services/agent_engine/internal/storage"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// --- POST /v1/tools/{tool}/execute ---

// ExecuteRequest is the JSON body for a tool call.
type ExecuteRequest struct {
	RequestID   string         `json:"request_id,omitempty"`
	Input       map[string]any `json:"input"`
	Fingerprint string         `json:"fingerprint,omitempty"`
}

// ToolResultResp is the executor's report on one call.
type ToolResultResp struct {
	Tool            string          `json:"tool"`
	Status          string          `json:"status"`
	Data            json.RawMessage `json:"data,omitempty"`
	Error           *string         `json:"error"`
	Category        *string         `json:"category"`
	Attempts        int             `json:"attempts"`
	Retries         int             `json:"retries"`
	CircuitState    string          `json:"circuit_state,omitempty"`
	Fallback        string          `json:"fallback"`
	FromCache       bool            `json:"from_cache"`
	Escalated       bool            `json:"escalated"`
	AlternativeTool string          `json:"alternative_tool,omitempty"`
	DeferredJobID   string          `json:"deferred_job_id,omitempty"`
	Replayed        bool            `json:"replayed"`
	DurationMs      float64         `json:"duration_ms"`
}

// ExecuteResponse is what the pipeline did with a tool call.
type ExecuteResponse struct {
	RequestID     string                  `json:"request_id,omitempty"`
	Status        engine.OutcomeStatus    `json:"status"`
	Autonomy      autonomy.Resolution     `json:"autonomy"`
	Confidence    confidence.Factors      `json:"confidence"`
	Notify        bool                    `json:"notify"`
	PendingAction *approval.PendingAction `json:"pending_action,omitempty"`
	Result        *ToolResultResp         `json:"result,omitempty"`
}

// OutcomeRequest reports whether an executed action achieved its purpose.
type OutcomeRequest struct {
	Success bool `json:"success"`
}

// --- Approvals ---

// ApprovalListResp lists an owner's open actions.
type ApprovalListResp struct {
	Actions []*approval.PendingAction `json:"actions"`
}

// DecisionRequest is the owner's answer to a pending action.
type DecisionRequest struct {
	Decision      string         `json:"decision"`
	ModifiedInput map[string]any `json:"modified_input,omitempty"`
	Comment       string         `json:"comment,omitempty"`
}

// DecisionResp reports what the decision unblocked.
type DecisionResp struct {
	Action    *approval.PendingAction `json:"action"`
	Execution *ExecuteResponse        `json:"execution,omitempty"`
	Workflow  *workflow.Checkpoint    `json:"workflow,omitempty"`
}

// --- Workflows ---

// StartWorkflowRequest starts a workflow instance.
type StartWorkflowRequest struct {
	Definition string         `json:"definition"`
	Context    map[string]any `json:"context,omitempty"`
}

// SignalRequest satisfies a webhook or schedule gate.
type SignalRequest struct {
	Kind    string         `json:"kind"`
	Event   string         `json:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// WebhookResp lists what an inbound event resumed or triggered.
type WebhookResp struct {
	Resumed []*workflow.Checkpoint `json:"resumed"`
	Tasks   int                    `json:"tasks"`
}

// --- Context ---

// CompactRequest bounds a conversation history to a token budget.
type CompactRequest struct {
	History []contextwindow.Entry `json:"history"`
	Budget  int                   `json:"budget,omitempty"`
}

// --- Events ---

// EventListResp lists audit events, newest first.
type EventListResp struct {
	Events []*storage.AuditEvent `json:"events"`
	Total  int                   `json:"total"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Conversions ---

func toolResultResp(r *executor.Result) *ToolResultResp {
	if r == nil {
		return nil
	}
	out := &ToolResultResp{
		Tool:            r.Tool,
		Status:          r.Status.String(),
		Data:            r.Data,
		Attempts:        r.Attempts,
		Retries:         r.Retries,
		CircuitState:    r.CircuitState,
		Fallback:        r.Fallback.String(),
		FromCache:       r.FromCache,
		Escalated:       r.Escalated,
		AlternativeTool: r.AlternativeTool,
		DeferredJobID:   r.DeferredJobID,
		Replayed:        r.Replayed,
		DurationMs:      float64(r.Duration) / float64(time.Millisecond),
	}
	if r.Err != nil {
		msg := r.ErrorMessage()
		cat := r.Category.String()
		out.Error = &msg
		out.Category = &cat
	}
	return out
}

// ExecuteResponseFrom renders a pipeline outcome for the wire. It returns
// nil for a nil outcome.
func ExecuteResponseFrom(requestID string, o *engine.Outcome) *ExecuteResponse {
	if o == nil {
		return nil
	}
	return &ExecuteResponse{
		RequestID:     requestID,
		Status:        o.Status,
		Autonomy:      o.Autonomy,
		Confidence:    o.Confidence,
		Notify:        o.Notify,
		PendingAction: o.Action,
		Result:        toolResultResp(o.Result),
	}
}
