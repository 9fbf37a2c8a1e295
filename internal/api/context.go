package api

import "net/http"

// POST /v1/context/compact
func (d *Dependencies) handleCompact(w http.ResponseWriter, r *http.Request) {
	var req CompactRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid request body"})
		return
	}
	if len(req.History) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "history is required"})
		return
	}
	if req.Budget < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "budget must not be negative"})
		return
	}
	budget := req.Budget
	if budget == 0 {
		budget = d.ContextBudget
	}
	writeJSON(w, http.StatusOK, d.Context.Fit(req.History, budget))
}
