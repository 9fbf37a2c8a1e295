package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/triage-ai/palisade/services/agent_engine/internal/breaker"
	"github.com/triage-ai/palisade/services/agent_engine/internal/storage"
)

// GET /v1/circuits
func (d *Dependencies) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	circuits := []breaker.Status{}
	if d.Breakers != nil {
		circuits = append(circuits, d.Breakers.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": circuits})
}

// GET /v1/events?tool=&kind=&since=&limit=
func (d *Dependencies) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if d.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Audit log is not queryable"})
		return
	}

	params := r.URL.Query()
	q := storage.Query{
		OwnerID: ownerID(r),
		Tool:    params.Get("tool"),
		Kind:    storage.EventKind(params.Get("kind")),
	}
	if s := params.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be RFC 3339"})
			return
		}
		q.Since = since
	}
	if s := params.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "limit must be a non-negative integer"})
			return
		}
		q.Limit = limit
	}

	events, err := d.Events.List(r.Context(), q)
	if err != nil {
		d.writeError(w, err)
		return
	}
	if events == nil {
		events = []*storage.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, EventListResp{Events: events, Total: len(events)})
}
