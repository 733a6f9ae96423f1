// Package localapi exposes the HTTP contract surface described in spec.md
// §6: the routes an external UI client calls to read the registry and
// timeline and to drive pane commands through the Request Coordinator. Per
// §9's Non-goals this is a minimal illustrative subset, not a complete
// production auth-hardened transport — it exists to exercise C5-C7 end to
// end, the same supporting role the teacher's internal/localapi plays for
// its own core.
package localapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"paneloom/internal/connstate"
	"paneloom/internal/coordinator"
	"paneloom/internal/protocol"
	"paneloom/internal/registry"
	"paneloom/internal/timeline"
)

// Deps wires the core components the HTTP surface fronts. Token, if
// non-empty, is the bearer token every request (other than /healthz) must
// present; an empty Token disables the check, which is only appropriate
// for local development.
type Deps struct {
	Registry     *registry.Registry
	Timeline     *timeline.Store
	Coordinator  *coordinator.Coordinator
	Conn         *connstate.Machine
	Token        string
	ClientConfig map[string]any

	// Reconnect clears the connection machine's auth-block and triggers an
	// immediate refresh (§4.8's reconnect()); nil disables the route.
	Reconnect func(ctx context.Context)
}

type Server struct {
	deps   Deps
	mux    *http.ServeMux
	hub    *TimelineHub
	logger *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, mux: http.NewServeMux(), hub: NewTimelineHub(), logger: logger}
	s.registerSessionRoutes()
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/reconnect", s.handleReconnect)
	return s
}

// Handler wraps the route mux with the bearer-token check.
func (s *Server) Handler() http.Handler {
	return s.withAuth(s.mux)
}

// PublishPaneEvent lets the poller/store push a live update to timeline
// stream subscribers; it is a no-op if nobody is listening.
func (s *Server) PublishPaneEvent(paneID string, payload map[string]any) {
	s.hub.Publish(paneID, payload)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || s.deps.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) || strings.TrimPrefix(auth, prefix) != s.deps.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": string(protocol.ErrInternal), "message": "missing or invalid bearer token"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleHealth and handleReconnect keep the teacher's {ok,data} envelope
// verbatim (SPEC_FULL §4's Health endpoint bullet) — they are ambient
// daemon conveniences, not part of §6's endpoint table, so they don't
// follow that table's per-endpoint payload-field envelope below.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": map[string]any{"status": "ok"}})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondCommandError(w, http.StatusMethodNotAllowed, string(protocol.ErrInvalidPayload), "method not allowed")
		return
	}
	if s.deps.Reconnect == nil {
		respondCommandError(w, http.StatusNotImplemented, string(protocol.ErrInternal), "reconnect is not configured")
		return
	}
	s.deps.Reconnect(requestContext(r))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": map[string]any{"status": "reconnecting"}})
}

// respondPayload answers a query endpoint with §6's envelope: the payload
// merged at the top level alongside the (absent, on success) error fields.
func respondPayload(w http.ResponseWriter, payload map[string]any) {
	writeJSON(w, http.StatusOK, payload)
}

// respondQueryError answers a query endpoint that "throws a translated
// error" per §4.7/§7: the error object at the top level, with no payload
// field and no separate errorCause field (a 500's cause, when the caller
// has one, is already part of msg).
func respondQueryError(w http.ResponseWriter, status int, errCode, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"code": errCode, "message": msg}})
}

// respondQueryEnvelopeError maps a *protocol.Error (as returned by
// coordinator.Query and timeline.Store's query methods) onto an HTTP
// status and respondQueryError.
func respondQueryEnvelopeError(w http.ResponseWriter, err error) {
	if pe, ok := err.(*protocol.Error); ok {
		respondQueryError(w, statusForErrorCode(pe.Code), string(pe.Code), pe.Error())
		return
	}
	respondQueryError(w, http.StatusInternalServerError, string(protocol.ErrInternal), err.Error())
}

// respondCommandOK/respondCommandError answer a command endpoint with
// §4.7's "command endpoints always return a {ok, error?} envelope" rule.
func respondCommandOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func respondCommandError(w http.ResponseWriter, status int, errCode, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": map[string]any{"code": errCode, "message": msg}})
}

func statusForErrorCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.ErrInvalidPane, protocol.ErrNotFound:
		return http.StatusNotFound
	case protocol.ErrInvalidPayload:
		return http.StatusBadRequest
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func requestContext(r *http.Request) context.Context {
	return r.Context()
}
