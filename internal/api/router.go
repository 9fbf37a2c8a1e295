// Package api is the HTTP surface of the agent engine.
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/auth"
	"github.com/triage-ai/palisade/services/agent_engine/internal/breaker"
	"github.com/triage-ai/palisade/services/agent_engine/internal/contextwindow"
	"github.com/triage-ai/palisade/services/agent_engine/internal/engine"
	"github.com/triage-ai/palisade/services/agent_engine/internal/metrics"
	"github.com/triage-ai/palisade/services/agent_engine/internal/scheduler"
	"github.com/triage-ai/palisade/services/agent_engine/internal/storage"
)

// DefaultContextBudget is the token budget used when a compaction request
// does not name one.
const DefaultContextBudget = 8000

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Engine    *engine.Engine
	Auth      auth.Authenticator
	Context   *contextwindow.Manager
	Breakers  *breaker.Registry
	Scheduler *scheduler.Scheduler // nil disables event-triggered tasks on webhooks
	Events    storage.Reader       // nil if no queryable audit store is configured
	Logger    *zap.Logger

	ContextBudget int
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Context == nil {
		deps.Context = contextwindow.New(contextwindow.Config{})
	}
	if deps.ContextBudget <= 0 {
		deps.ContextBudget = DefaultContextBudget
	}

	mux := http.NewServeMux()

	// Tool calls
	mux.HandleFunc("POST /v1/tools/{tool}/execute", deps.authMiddleware(deps.handleExecute))
	mux.HandleFunc("POST /v1/tools/{tool}/outcome", deps.authMiddleware(deps.handleOutcome))

	// Approvals
	mux.HandleFunc("GET /v1/approvals", deps.authMiddleware(deps.handleListApprovals))
	mux.HandleFunc("POST /v1/approvals/{id}/decision", deps.authMiddleware(deps.handleDecision))

	// Workflows
	mux.HandleFunc("POST /v1/workflows", deps.authMiddleware(deps.handleStartWorkflow))
	mux.HandleFunc("GET /v1/workflows/{id}", deps.authMiddleware(deps.handleGetWorkflow))
	mux.HandleFunc("POST /v1/workflows/{id}/signal", deps.authMiddleware(deps.handleSignalWorkflow))
	mux.HandleFunc("POST /v1/workflows/{id}/cancel", deps.authMiddleware(deps.handleCancelWorkflow))
	mux.HandleFunc("POST /v1/webhooks/{event}", deps.authMiddleware(deps.handleWebhook))

	// Context window
	mux.HandleFunc("POST /v1/context/compact", deps.authMiddleware(deps.handleCompact))

	// Operations
	mux.HandleFunc("GET /v1/circuits", deps.authMiddleware(deps.handleCircuits))
	mux.HandleFunc("GET /v1/events", deps.authMiddleware(deps.handleListEvents))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
