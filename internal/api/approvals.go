package api

import (
	"net/http"

	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/learning"
)

// GET /v1/approvals
func (d *Dependencies) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	actions, err := d.Engine.Pending(r.Context(), ownerID(r))
	if err != nil {
		d.writeError(w, err)
		return
	}
	if actions == nil {
		actions = []*approval.PendingAction{}
	}
	writeJSON(w, http.StatusOK, ApprovalListResp{Actions: actions})
}

// POST /v1/approvals/{id}/decision
func (d *Dependencies) handleDecision(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	dec, err := learning.ParseDecision(req.Decision)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: err.Error()})
		return
	}
	if dec == learning.DecisionModify && req.ModifiedInput == nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "modified_input is required for modify"})
		return
	}

	id := r.PathValue("id")
	action, err := d.Engine.Action(r.Context(), id)
	if err != nil {
		d.writeError(w, err)
		return
	}
	// Other owners' actions are reported as missing.
	if action.OwnerID != ownerID(r) {
		d.writeError(w, approval.ErrNotFound)
		return
	}

	out, err := d.Engine.Decide(r.Context(), id, engine.Decision{
		Decision:      dec,
		ModifiedInput: req.ModifiedInput,
		Comment:       req.Comment,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DecisionResp{
		Action:    out.Action,
		Execution: ExecuteResponseFrom(out.Action.ID, out.Execution),
		Workflow:  out.Workflow,
	})
}
