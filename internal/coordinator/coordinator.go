// Package coordinator implements the Request Coordinator (C7): it fronts
// the upstream capture/session source with in-flight deduplication for
// screen requests, per-class timeouts, connection-health bookkeeping, and
// consistent error-envelope translation. See §4.7.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"paneloom/internal/clock"
	"paneloom/internal/protocol"
)

const (
	sendTextTimeout       = 10 * time.Second
	launchAgentTimeout    = 10 * time.Second
	recentResultCacheSize = 256
)

// ScreenRequest is the input to RequestScreen.
type ScreenRequest struct {
	PaneID string
	Mode   string // "text" | "image"
	Lines  *int
	Cursor string
}

// ScreenResponse is always returned, never an error — failures are
// synthesized into this shape per §4.7's "Screen error-response shape".
type ScreenResponse struct {
	OK         bool
	PaneID     string
	Mode       string
	CapturedAt int64
	Data       []byte
	Error      *protocol.ErrPayload
}

// CommandResult is the {ok, error?} envelope every command endpoint
// returns to callers — command endpoints never throw.
type CommandResult struct {
	OK    bool
	Error *protocol.ErrPayload
}

// ConnectionObserver is the callback surface the coordinator drives so the
// connection-state machine (C8) and the registry (C9) react to upstream
// failures without the coordinator importing either package directly.
type ConnectionObserver interface {
	OnConnectionIssue(status int, authError, rateLimited bool)
	OnSessionRemoved(paneID string)
}

type inflightEntry struct {
	done chan struct{}
	resp *ScreenResponse
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	transport Transport
	clock     clock.Clock
	observer  ConnectionObserver
	logger    *slog.Logger
	cache     *lru.Cache[string, ScreenResponse]

	mu       sync.Mutex
	inFlight map[string]*inflightEntry

	sendTextTimeoutOverride    time.Duration
	launchAgentTimeoutOverride time.Duration
}

// SetCommandTimeouts overrides the 10s send-text/launch-agent timeout
// class; tests shrink it to keep the suite fast. Zero leaves a class at
// its default.
func (c *Coordinator) SetCommandTimeouts(sendText, launchAgent time.Duration) {
	c.mu.Lock()
	c.sendTextTimeoutOverride = sendText
	c.launchAgentTimeoutOverride = launchAgent
	c.mu.Unlock()
}

func (c *Coordinator) sendTextDeadline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendTextTimeoutOverride > 0 {
		return c.sendTextTimeoutOverride
	}
	return sendTextTimeout
}

func (c *Coordinator) launchAgentDeadline() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.launchAgentTimeoutOverride > 0 {
		return c.launchAgentTimeoutOverride
	}
	return launchAgentTimeout
}

// RecentScreen returns the last successful screen response cached under a
// direct dedup key, if any, for a caller that wants a just-completed
// capture without re-issuing a request. RequestScreen itself does not
// consult this cache.
func (c *Coordinator) RecentScreen(req ScreenRequest) (ScreenResponse, bool) {
	return c.cache.Get(screenKey(req))
}

func NewCoordinator(transport Transport, c clock.Clock, observer ConnectionObserver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, ScreenResponse](recentResultCacheSize)
	return &Coordinator{
		transport: transport,
		clock:     c,
		observer:  observer,
		logger:    logger,
		cache:     cache,
		inFlight:  make(map[string]*inflightEntry),
	}
}

func screenKey(req ScreenRequest) string {
	linesPart := "default"
	if req.Lines != nil {
		linesPart = fmt.Sprintf("%d", *req.Lines)
	}
	cursorPart := req.Cursor
	if req.Mode == "image" {
		cursorPart = ""
	}
	return fmt.Sprintf("%s:%s:%s:%s", req.PaneID, req.Mode, linesPart, cursorPart)
}

func fallbackScreenKey(req ScreenRequest) string {
	fallback := req
	fallback.Cursor = ""
	return screenKey(fallback)
}

// RequestScreen implements §4.7's in-flight dedup: identical direct keys
// join the same in-flight call; for text-mode cursored reads with no exact
// match, a cursorless in-flight call is joined instead (reads are
// monotonic, so this is an accepted staleness trade, not a correctness bug).
func (c *Coordinator) RequestScreen(ctx context.Context, req ScreenRequest) *ScreenResponse {
	key := screenKey(req)

	c.mu.Lock()
	if entry, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		<-entry.done
		return entry.resp
	}
	if req.Mode == "text" && req.Cursor != "" {
		if entry, ok := c.inFlight[fallbackScreenKey(req)]; ok {
			c.mu.Unlock()
			<-entry.done
			return entry.resp
		}
	}
	entry := &inflightEntry{done: make(chan struct{})}
	c.inFlight[key] = entry
	c.mu.Unlock()

	resp := c.doRequestScreen(ctx, req)

	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
	entry.resp = resp
	close(entry.done)

	if resp.OK {
		c.cache.Add(key, *resp)
	}
	return resp
}

func (c *Coordinator) doRequestScreen(ctx context.Context, req ScreenRequest) *ScreenResponse {
	body := map[string]any{"mode": req.Mode}
	if req.Lines != nil {
		body["lines"] = *req.Lines
	}
	if req.Cursor != "" {
		body["cursor"] = req.Cursor
	}

	traceID := uuid.NewString()
	path := "/sessions/" + protocol.EncodePaneID(req.PaneID) + "/screen"
	status, raw, transportErr := c.transport.Do(ctx, "POST", path, body)
	t := translateResponse(status, raw, transportErr)
	c.reportConnectionIssue(t, traceID)
	if t.PaneGone {
		c.RemovePane(req.PaneID)
	}

	nowMs := c.clock.NowMs()
	if !t.OK {
		return &ScreenResponse{
			OK:         false,
			PaneID:     req.PaneID,
			Mode:       req.Mode,
			CapturedAt: nowMs,
			Error:      t.Error,
		}
	}

	screen := t.Payload.Get("screen")
	return &ScreenResponse{
		OK:         true,
		PaneID:     req.PaneID,
		Mode:       req.Mode,
		CapturedAt: nowMs,
		Data:       []byte(screen.Raw),
	}
}

// SendText fronts POST /sessions/:paneId/send/text with the 10s timeout class.
func (c *Coordinator) SendText(ctx context.Context, paneID, text string, enter bool, requestID string) CommandResult {
	ctx, cancel := WithTimeout(ctx, c.sendTextDeadline())
	defer cancel()
	path := "/sessions/" + protocol.EncodePaneID(paneID) + "/send/text"
	body := map[string]any{"text": text, "enter": enter}
	if requestID != "" {
		body["requestId"] = requestID
	}
	return c.runCommand(ctx, paneID, path, body)
}

// LaunchAgent fronts POST /sessions/launch with the 10s timeout class.
// There is no existing pane to report gone here — launch creates one.
func (c *Coordinator) LaunchAgent(ctx context.Context, body map[string]any) CommandResult {
	ctx, cancel := WithTimeout(ctx, c.launchAgentDeadline())
	defer cancel()
	return c.runCommand(ctx, "", "/sessions/launch", body)
}

// RunCommand fronts the remaining per-pane command endpoints (touch,
// focus, kill/pane, kill/window, title, send/keys, send/raw) with the
// transport's default timeout — the caller's context governs cancellation.
func (c *Coordinator) RunCommand(ctx context.Context, paneID, method, path string, body any) CommandResult {
	return c.runCommand(ctx, paneID, path, body, withMethod(method))
}

type commandOpt func(*commandOpts)
type commandOpts struct{ method string }

func withMethod(method string) commandOpt {
	return func(o *commandOpts) { o.method = method }
}

// runCommand issues the transport call and, when the translated response
// reports the pane as gone, removes it from the registry directly — paneID
// is empty only for pane-less commands like LaunchAgent, which skip it.
func (c *Coordinator) runCommand(ctx context.Context, paneID, path string, body any, opts ...commandOpt) CommandResult {
	o := commandOpts{method: "POST"}
	for _, apply := range opts {
		apply(&o)
	}

	traceID := uuid.NewString()
	status, raw, transportErr := c.transport.Do(ctx, o.method, path, body)
	t := translateResponse(status, raw, transportErr)
	c.reportConnectionIssue(t, traceID)
	if t.PaneGone && paneID != "" {
		c.RemovePane(paneID)
	}

	if !t.OK {
		return CommandResult{OK: false, Error: t.Error}
	}
	return CommandResult{OK: true}
}

// Query fronts a GET endpoint (sessions snapshot, timeline) that throws a
// translated error to its caller rather than returning an {ok,error} envelope.
func (c *Coordinator) Query(ctx context.Context, path string) (QueryResult, error) {
	traceID := uuid.NewString()
	status, raw, transportErr := c.transport.Do(ctx, "GET", path, nil)
	t := translateResponse(status, raw, transportErr)
	c.reportConnectionIssue(t, traceID)
	if !t.OK {
		return QueryResult{}, protocol.NewError(t.Error.Code, t.Error.Message)
	}
	return QueryResult{Payload: t.Payload}, nil
}

func (c *Coordinator) reportConnectionIssue(t translated, traceID string) {
	if t.OK {
		return
	}
	// Pane removal (RemovePane) is handled by doRequestScreen/runCommand,
	// which know the paneID a request concerned; this helper only reports
	// the connection-health half of a failed response.
	if c.observer != nil {
		c.observer.OnConnectionIssue(t.Status, t.AuthError, t.RateLimited)
	}
	c.logger.Debug("coordinator request failed", "trace_id", traceID, "status", t.Status, "auth_error", t.AuthError, "rate_limited", t.RateLimited)
}

// RemovePane lets a caller that has decoded a pane-gone response (410,
// INVALID_PANE, or NOT_FOUND "pane not found") notify the registry.
func (c *Coordinator) RemovePane(paneID string) {
	if c.observer != nil {
		c.observer.OnSessionRemoved(paneID)
	}
}
