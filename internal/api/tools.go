package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/executor"
)

// POST /v1/tools/{tool}/execute
func (d *Dependencies) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	if req.Input == nil {
		req.Input = map[string]any{}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	out, err := d.Engine.Submit(r.Context(), engine.Request{
		RequestID:   req.RequestID,
		OwnerID:     ownerID(r),
		Tool:        r.PathValue("tool"),
		Input:       req.Input,
		Source:      executor.SourceInteractive,
		Fingerprint: req.Fingerprint,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}

	status := http.StatusOK
	if out.Status == engine.OutcomePendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ExecuteResponseFrom(req.RequestID, out))
}

// POST /v1/tools/{tool}/outcome
func (d *Dependencies) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	if err := d.Engine.ReportOutcome(r.Context(), ownerID(r), r.PathValue("tool"), req.Success); err != nil {
		d.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
