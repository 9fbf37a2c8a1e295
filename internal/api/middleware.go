package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/services/agent_engine/internal/approval"
	"github.com/triage-ai/palisade/services/agent_engine/internal/auth"
	"github.com/triage-ai/palisade/services/agent_engine/internal/autonomy"
	"github.com/triage-ai/palisade/services/agent_engine/internal/catalog"
	"github.com/triage-ai/palisade/services/agent_engine/internal/owners"
	"github.com/triage-ai/palisade/services/agent_engine/internal/workflow"
)

// --- Auth middleware ---

// authMiddleware validates Bearer own_ tokens and injects the owner into
// the request context.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.TokenFromRequest(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Missing or invalid Authorization header"})
			return
		}
		p, err := d.Auth.Authenticate(r.Context(), token)
		if errors.Is(err, auth.ErrAuthUnavailable) {
			d.Logger.Error("auth unavailable", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Detail: "Authentication unavailable"})
			return
		}
		if err != nil {
			d.Logger.Warn("auth failed", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid API key"})
			return
		}
		if sw, ok := w.(*statusWriter); ok {
			sw.owner = p.OwnerID
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// ownerID returns the authenticated owner. authMiddleware guarantees one.
func ownerID(r *http.Request) string {
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		return p.OwnerID
	}
	return ""
}

// --- Errors ---

// writeError maps engine errors to HTTP statuses. Unexpected errors are
// logged and reported as 500.
func (d *Dependencies) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrUnknownTool),
		errors.Is(err, owners.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, workflow.ErrNotFound),
		errors.Is(err, workflow.ErrUnknownWorkflow):
		status = http.StatusNotFound
	case errors.Is(err, autonomy.ErrCategoryNotPermitted):
		status = http.StatusForbidden
	case errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, workflow.ErrConflict),
		errors.Is(err, workflow.ErrNotAtGate):
		status = http.StatusConflict
	case errors.Is(err, approval.ErrExpired),
		errors.Is(err, workflow.ErrCheckpointExpired):
		status = http.StatusGone
	}
	if status == http.StatusInternalServerError {
		d.Logger.Error("request failed", zap.Error(err))
		writeJSON(w, status, ErrorResp{Detail: "Internal error"})
		return
	}
	writeJSON(w, status, ErrorResp{Detail: err.Error()})
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// maxBodyBytes caps request bodies; histories sent for compaction are the
// largest legitimate payloads.
const maxBodyBytes = 4 << 20

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

// --- Request logging ---

// requestIDHeader is echoed on every response; callers may supply their own.
const requestIDHeader = "X-Request-ID"

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rid := r.Header.Get(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, rid)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("request_id", rid),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("owner_id", sw.owner),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	owner  string
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
