package executor

import (
	"context"
	"sync"
)

// Source identifies what produced a tool call.
type Source string

const (
	SourceInteractive Source = "interactive"
	SourceScheduled   Source = "scheduled"
	SourceWorkflow    Source = "workflow"
	SourceDeferred    Source = "deferred"
	SourceApproval    Source = "approval"
)

// Call is one tool invocation request as seen by a handler.
type Call struct {
	RequestID  string
	Tool       string
	OwnerID    string
	Input      map[string]any
	Source     Source
	WorkflowID string
	StepIndex  int
	// Approved is set when the owner explicitly approved this call.
	Approved bool
	// Fingerprint identifies the caller's intent for golden-path matching.
	Fingerprint string
}

// Handler executes a tool. Handlers are opaque to the engine: a nil error is
// success and the returned data must be JSON-encodable. Errors may carry a
// resilience category; untyped errors are classified heuristically.
type Handler func(ctx context.Context, call Call) (any, error)

// Handlers maps tool names to handlers.
type Handlers struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func NewHandlers() *Handlers {
	return &Handlers{m: make(map[string]Handler)}
}

// Register binds a handler to a tool name, replacing any previous one.
func (h *Handlers) Register(tool string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[tool] = handler
}

// Lookup returns the handler for tool.
func (h *Handlers) Lookup(tool string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.m[tool]
	return handler, ok
}
