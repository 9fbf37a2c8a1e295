package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/scheduler"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// POST /v1/workflows
func (d *Dependencies) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	if req.Definition == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "definition is required"})
		return
	}
	cp, err := d.Engine.StartWorkflow(r.Context(), workflow.StartRequest{
		Definition: req.Definition,
		OwnerID:    ownerID(r),
		Context:    req.Context,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

// GET /v1/workflows/{id}
func (d *Dependencies) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	cp, err := d.ownedWorkflow(r.Context(), r.PathValue("id"), ownerID(r))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// POST /v1/workflows/{id}/signal
//
// Approval gates are answered through the approvals endpoint so the
// decision lands in the owner's review history.
func (d *Dependencies) handleSignalWorkflow(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	kind := workflow.GateKind(req.Kind)
	if kind != workflow.GateWebhook && kind != workflow.GateSchedule {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "kind must be webhook or schedule"})
		return
	}

	id := r.PathValue("id")
	if _, err := d.ownedWorkflow(r.Context(), id, ownerID(r)); err != nil {
		d.writeError(w, err)
		return
	}
	cp, err := d.Engine.SignalWorkflow(r.Context(), id, workflow.Signal{
		Kind:    kind,
		Event:   req.Event,
		Payload: req.Payload,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// POST /v1/workflows/{id}/cancel
func (d *Dependencies) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := d.ownedWorkflow(r.Context(), id, ownerID(r)); err != nil {
		d.writeError(w, err)
		return
	}
	cp, err := d.Engine.CancelWorkflow(r.Context(), id)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// POST /v1/webhooks/{event}
//
// Resumes the caller's workflows waiting on the event and fires any
// background tasks it triggers.
func (d *Dependencies) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if r.ContentLength != 0 {
		if err := readJSON(r, &payload); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
			return
		}
	}
	event := r.PathValue("event")

	resumed, err := d.Engine.DeliverOwnerEvent(r.Context(), ownerID(r), event, payload)
	if err != nil {
		d.writeError(w, err)
		return
	}
	if resumed == nil {
		resumed = []*workflow.Checkpoint{}
	}

	resp := WebhookResp{Resumed: resumed}
	if d.Scheduler != nil {
		runs, err := d.Scheduler.Fire(r.Context(), scheduler.Trigger{
			Kind:    scheduler.TriggerEvent,
			Name:    event,
			Payload: payload,
			OwnerID: ownerID(r),
		})
		if err != nil {
			d.Logger.Warn("event-triggered tasks failed",
				zap.String("event", event),
				zap.Error(err),
			)
		}
		resp.Tasks = len(runs)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownedWorkflow loads a workflow instance, reporting other owners'
// instances as missing.
func (d *Dependencies) ownedWorkflow(ctx context.Context, id, owner string) (*workflow.Checkpoint, error) {
	cp, err := d.Engine.Workflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.OwnerID != owner {
		return nil, workflow.ErrNotFound
	}
	return cp, nil
}
