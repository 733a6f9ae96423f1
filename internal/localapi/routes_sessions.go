package localapi

import (
	"net/http"
	"strconv"
	"strings"

	"paneloom/internal/coordinator"
	"paneloom/internal/protocol"
	"paneloom/internal/timeline"
)

func (s *Server) registerSessionRoutes() {
	s.mux.HandleFunc("/sessions", s.handleSessionsCollection)
	s.mux.HandleFunc("/sessions/", s.handleSessionsResource)
}

func (s *Server) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListSessions(w, r)
	default:
		respondQueryError(w, http.StatusMethodNotAllowed, string(protocol.ErrInvalidPayload), "method not allowed")
	}
}

// handleSessionsResource dispatches every "/sessions/..." route, following
// the teacher's prefix-trim-then-switch idiom (see routes_tasks.go's
// handleTaskActions) rather than Go's newer "METHOD /path/{param}" mux
// patterns.
func (s *Server) handleSessionsResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		respondQueryError(w, http.StatusNotFound, string(protocol.ErrNotFound), "route not found")
		return
	}

	if parts[0] == "launch" && len(parts) == 1 {
		if r.Method != http.MethodPost {
			respondCommandError(w, http.StatusMethodNotAllowed, string(protocol.ErrInvalidPayload), "method not allowed")
			return
		}
		s.handleLaunch(w, r)
		return
	}

	paneID := parts[0]
	action := strings.Join(parts[1:], "/")
	switch {
	case r.Method == http.MethodPost && action == "screen":
		s.handlePaneScreen(w, r, paneID)
	case r.Method == http.MethodGet && action == "timeline":
		s.handlePaneTimeline(w, r, paneID)
	case r.Method == http.MethodGet && action == "timeline/stream":
		s.hub.HandleWS(w, r)
	case r.Method == http.MethodPost && action == "send/text":
		s.handleSendText(w, r, paneID)
	case r.Method == http.MethodPost && action == "send/keys":
		s.handleRunCommand(w, r, paneID, "/send/keys")
	case r.Method == http.MethodPost && action == "send/raw":
		s.handleRunCommand(w, r, paneID, "/send/raw")
	case r.Method == http.MethodPost && action == "touch":
		s.handleRunCommand(w, r, paneID, "/touch")
	case r.Method == http.MethodPost && action == "focus":
		s.handleRunCommand(w, r, paneID, "/focus")
	case r.Method == http.MethodPost && action == "kill/pane":
		s.handleRunCommand(w, r, paneID, "/kill/pane")
	case r.Method == http.MethodPost && action == "kill/window":
		s.handleRunCommand(w, r, paneID, "/kill/window")
	case r.Method == http.MethodPut && action == "title":
		s.handleSetTitle(w, r, paneID)
	default:
		respondQueryError(w, http.StatusNotFound, string(protocol.ErrNotFound), "route not found")
	}
}

// handleListSessions answers §6's "GET /sessions": { sessions, clientConfig? }.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"sessions": s.deps.Registry.List()}
	if s.deps.Conn != nil {
		payload["connectionStatus"] = s.deps.Conn.ConnectionStatus()
	}
	if s.deps.ClientConfig != nil {
		payload["clientConfig"] = s.deps.ClientConfig
	}
	respondPayload(w, payload)
}

type launchBody struct {
	SessionName             string         `json:"sessionName"`
	Agent                   string         `json:"agent"`
	RequestID               string         `json:"requestId"`
	WindowName              string         `json:"windowName,omitempty"`
	Cwd                     string         `json:"cwd,omitempty"`
	AgentOptions            map[string]any `json:"agentOptions,omitempty"`
	WorktreePath            string         `json:"worktreePath,omitempty"`
	WorktreeBranch          string         `json:"worktreeBranch,omitempty"`
	WorktreeCreateIfMissing bool           `json:"worktreeCreateIfMissing,omitempty"`
}

// handleLaunch answers §6's "POST /sessions/launch", a command endpoint.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var body launchBody
	if err := decodeBody(r, &body); err != nil {
		respondCommandError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "malformed request body")
		return
	}
	if body.Cwd != "" && (body.WorktreePath != "" || body.WorktreeBranch != "" || body.WorktreeCreateIfMissing) {
		respondCommandError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "cwd is mutually exclusive with worktree*")
		return
	}
	if body.WorktreeCreateIfMissing && body.WorktreeBranch == "" {
		respondCommandError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "worktreeCreateIfMissing requires worktreeBranch")
		return
	}
	if body.RequestID == "" {
		body.RequestID = newRequestID()
	}

	payload := map[string]any{
		"sessionName": body.SessionName,
		"agent":       body.Agent,
		"requestId":   body.RequestID,
	}
	if body.WindowName != "" {
		payload["windowName"] = body.WindowName
	}
	if body.Cwd != "" {
		payload["cwd"] = body.Cwd
	}
	if body.AgentOptions != nil {
		payload["agentOptions"] = body.AgentOptions
	}
	if body.WorktreePath != "" {
		payload["worktreePath"] = body.WorktreePath
	}
	if body.WorktreeBranch != "" {
		payload["worktreeBranch"] = body.WorktreeBranch
	}
	if body.WorktreeCreateIfMissing {
		payload["worktreeCreateIfMissing"] = body.WorktreeCreateIfMissing
	}

	result := s.deps.Coordinator.LaunchAgent(requestContext(r), payload)
	writeCommandResult(w, result)
}

type screenBody struct {
	Mode   string `json:"mode"`
	Lines  *int   `json:"lines,omitempty"`
	Cursor string `json:"cursor,omitempty"`
}

// handlePaneScreen answers §6's "POST /sessions/:paneId/screen": the
// response is always { screen: ScreenResponse }, success or failure — the
// coordinator already synthesized a failure shape per §4.7.
func (s *Server) handlePaneScreen(w http.ResponseWriter, r *http.Request, paneID string) {
	var body screenBody
	if err := decodeBody(r, &body); err != nil {
		respondQueryError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "malformed request body")
		return
	}
	if body.Mode != "text" && body.Mode != "image" {
		respondQueryError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "mode must be \"text\" or \"image\"")
		return
	}
	resp := s.deps.Coordinator.RequestScreen(requestContext(r), coordinator.ScreenRequest{
		PaneID: paneID,
		Mode:   body.Mode,
		Lines:  body.Lines,
		Cursor: body.Cursor,
	})
	respondPayload(w, map[string]any{"screen": resp})
}

// handlePaneTimeline answers §6's "GET /sessions/:paneId/timeline"; scope
// selects between getTimeline and getRepoTimeline (§4.5).
func (s *Server) handlePaneTimeline(w http.ResponseWriter, r *http.Request, paneID string) {
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		scope = "pane"
	}
	rangeTag := timeline.RangeTag(q.Get("range"))
	var limit *int
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondQueryError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "limit must be an integer")
			return
		}
		limit = &n
	}

	switch scope {
	case "pane":
		tl, err := s.deps.Timeline.GetTimeline(timeline.GetTimelineRequest{PaneID: paneID, Range: rangeTag, Limit: limit})
		if err != nil {
			respondQueryEnvelopeError(w, err)
			return
		}
		respondPayload(w, map[string]any{"timeline": tl})
	case "repo":
		paneIDs := s.reposiblings(paneID)
		tl, err := s.deps.Timeline.GetRepoTimeline(timeline.GetRepoTimelineRequest{PaneID: paneID, PaneIDs: paneIDs, Range: rangeTag, Limit: limit})
		if err != nil {
			respondQueryEnvelopeError(w, err)
			return
		}
		respondPayload(w, map[string]any{"timeline": tl})
	default:
		respondQueryError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "scope must be \"pane\" or \"repo\"")
	}
}

// reposiblings returns every pane id the registry currently attributes to
// the same repo root as paneID, paneID included.
func (s *Server) reposiblings(paneID string) []string {
	summary, ok := s.deps.Registry.Get(paneID)
	if !ok || summary.RepoRoot == "" {
		return []string{paneID}
	}
	var out []string
	for _, other := range s.deps.Registry.List() {
		if other.RepoRoot == summary.RepoRoot {
			out = append(out, other.PaneID)
		}
	}
	if len(out) == 0 {
		return []string{paneID}
	}
	return out
}

type sendTextBody struct {
	Text      string `json:"text"`
	Enter     bool   `json:"enter"`
	RequestID string `json:"requestId,omitempty"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request, paneID string) {
	var body sendTextBody
	if err := decodeBody(r, &body); err != nil {
		respondCommandError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "malformed request body")
		return
	}
	result := s.deps.Coordinator.SendText(requestContext(r), paneID, body.Text, body.Enter, body.RequestID)
	writeCommandResult(w, result)
}

// handleRunCommand forwards the decoded JSON body as-is for the remaining
// per-pane commands (send/keys, send/raw, touch, focus, kill/pane,
// kill/window); their payload validation belongs to the external capture
// surface this spec treats as a contract-only collaborator.
func (s *Server) handleRunCommand(w http.ResponseWriter, r *http.Request, paneID, suffix string) {
	var body map[string]any
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			respondCommandError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "malformed request body")
			return
		}
	}
	path := "/sessions/" + protocol.EncodePaneID(paneID) + suffix
	result := s.deps.Coordinator.RunCommand(requestContext(r), paneID, "POST", path, body)
	writeCommandResult(w, result)
}

type titleBody struct {
	Title *string `json:"title"`
}

func (s *Server) handleSetTitle(w http.ResponseWriter, r *http.Request, paneID string) {
	var body titleBody
	if err := decodeBody(r, &body); err != nil {
		respondCommandError(w, http.StatusBadRequest, string(protocol.ErrInvalidPayload), "malformed request body")
		return
	}
	path := "/sessions/" + protocol.EncodePaneID(paneID) + "/title"
	result := s.deps.Coordinator.RunCommand(requestContext(r), paneID, "PUT", path, map[string]any{"title": body.Title})
	writeCommandResult(w, result)
}

func writeCommandResult(w http.ResponseWriter, result coordinator.CommandResult) {
	if result.OK {
		respondCommandOK(w)
		return
	}
	status := http.StatusInternalServerError
	errCode := string(protocol.ErrInternal)
	msg := "command failed"
	if result.Error != nil {
		errCode = string(result.Error.Code)
		msg = result.Error.Message
		status = statusForErrorCode(result.Error.Code)
	}
	respondCommandError(w, status, errCode, msg)
}
