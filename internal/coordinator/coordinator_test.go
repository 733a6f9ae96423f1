package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"paneloom/internal/clock"
	"paneloom/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	calls     int32
	delay     time.Duration
	status    int
	body      []byte
	transport error
	onCall    func()
}

func (f *fakeTransport) Do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.onCall != nil {
		f.onCall()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	return f.status, f.body, f.transport
}

func (f *fakeTransport) callCount() int32 { return atomic.LoadInt32(&f.calls) }

type noopObserver struct {
	mu          sync.Mutex
	issues      int
	removed     []string
	lastAuth    bool
	lastLimited bool
}

func (o *noopObserver) OnConnectionIssue(status int, authError, rateLimited bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.issues++
	o.lastAuth = authError
	o.lastLimited = rateLimited
}

func (o *noopObserver) OnSessionRemoved(paneID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, paneID)
}

func screenEnvelope(data string) []byte {
	env, _ := json.Marshal(map[string]any{"screen": json.RawMessage(data)})
	return env
}

// Scenario 8: dedup idempotence.
func TestRequestScreen_ConcurrentIdenticalKeysDedup(t *testing.T) {
	transport := &fakeTransport{status: 200, body: screenEnvelope(`{"ok":true}`), delay: 30 * time.Millisecond}
	c := NewCoordinator(transport, clock.NewManual(1000), nil, nil)

	var wg sync.WaitGroup
	results := make([]*ScreenResponse, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = c.RequestScreen(context.Background(), ScreenRequest{PaneID: "P1", Mode: "text"})
		}(i)
	}
	wg.Wait()

	if got := transport.callCount(); got != 1 {
		t.Fatalf("expected exactly one transport call, got %d", got)
	}
	for i, r := range results {
		if !r.OK || r.PaneID != "P1" {
			t.Fatalf("result %d unexpected: %+v", i, r)
		}
		if r.CapturedAt != results[0].CapturedAt {
			t.Fatalf("result %d diverges from result 0: %+v vs %+v", i, r, results[0])
		}
	}
}

func TestRequestScreen_CursoredTextFallsBackToCursorlessInFlight(t *testing.T) {
	release := make(chan struct{})
	transport := &fakeTransport{status: 200, body: screenEnvelope(`{"ok":true}`)}
	transport.onCall = func() { <-release }
	c := NewCoordinator(transport, clock.NewManual(0), nil, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	var cursorless, cursored *ScreenResponse
	go func() {
		defer wg.Done()
		cursorless = c.RequestScreen(context.Background(), ScreenRequest{PaneID: "P1", Mode: "text"})
	}()

	// Give the cursorless call a moment to register as in-flight before the
	// cursored call arrives looking for a fallback.
	time.Sleep(10 * time.Millisecond)

	go func() {
		defer wg.Done()
		cursored = c.RequestScreen(context.Background(), ScreenRequest{PaneID: "P1", Mode: "text", Cursor: "abc"})
	}()

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := transport.callCount(); got != 1 {
		t.Fatalf("expected the cursored call to fall back to the in-flight cursorless call, got %d transport calls", got)
	}
	if cursorless.CapturedAt != cursored.CapturedAt {
		t.Fatalf("expected both callers to resolve to the same response")
	}
}

func TestRequestScreen_ImageModeIgnoresCursorInKey(t *testing.T) {
	req1 := ScreenRequest{PaneID: "P1", Mode: "image", Cursor: "x"}
	req2 := ScreenRequest{PaneID: "P1", Mode: "image", Cursor: "y"}
	if screenKey(req1) != screenKey(req2) {
		t.Fatalf("expected image-mode keys to ignore cursor: %q vs %q", screenKey(req1), screenKey(req2))
	}
}

func TestRequestScreen_FailureSynthesizesScreenResponse(t *testing.T) {
	transport := &fakeTransport{status: 500, body: []byte(`{"error":{"code":"INTERNAL","message":"boom"}}`)}
	c := NewCoordinator(transport, clock.NewManual(500), nil, nil)

	resp := c.RequestScreen(context.Background(), ScreenRequest{PaneID: "P1", Mode: "text"})
	if resp.OK {
		t.Fatalf("expected failure response")
	}
	if resp.PaneID != "P1" || resp.CapturedAt != 500 {
		t.Fatalf("unexpected synthesized response: %+v", resp)
	}
	if resp.Error == nil || resp.Error.Code != protocol.ErrInternal {
		t.Fatalf("expected INTERNAL error, got %+v", resp.Error)
	}
}

func TestTranslateResponse_AuthErrorSetsFlag(t *testing.T) {
	tr := translateResponse(401, []byte(`{"error":{"code":"INVALID_PAYLOAD","message":"no token"}}`), nil)
	if tr.OK || !tr.AuthError {
		t.Fatalf("expected auth error, got %+v", tr)
	}
}

func TestTranslateResponse_RateLimitSetsFlag(t *testing.T) {
	tr := translateResponse(429, []byte(`{"error":{"code":"RATE_LIMIT","message":"slow down"}}`), nil)
	if tr.OK || !tr.RateLimited {
		t.Fatalf("expected rate-limit flag, got %+v", tr)
	}
}

func TestTranslateResponse_PaneNotFoundSetsGoneFlag(t *testing.T) {
	tr := translateResponse(404, []byte(`{"error":{"code":"NOT_FOUND","message":"pane not found"}}`), nil)
	if tr.OK || !tr.PaneGone {
		t.Fatalf("expected pane-gone flag, got %+v", tr)
	}
}

func TestTranslateResponse_ServerInternalAppendsCause(t *testing.T) {
	tr := translateResponse(500, []byte(`{"error":{"code":"INTERNAL","message":"write failed"},"errorCause":"disk full"}`), nil)
	if tr.OK || tr.Error == nil {
		t.Fatalf("expected failure with error payload")
	}
	if tr.Error.Message != "write failed (HTTP 500)\nError cause: disk full" {
		t.Fatalf("unexpected message: %q", tr.Error.Message)
	}
}

func TestTranslateResponse_TransportErrorBecomesInternal(t *testing.T) {
	tr := translateResponse(0, nil, fmt.Errorf("dial tcp: connection refused"))
	if tr.OK || tr.Error == nil || tr.Error.Code != protocol.ErrInternal {
		t.Fatalf("expected INTERNAL translation, got %+v", tr)
	}
}

func TestCoordinator_ConnectionIssueNotifiesObserver(t *testing.T) {
	transport := &fakeTransport{status: 403, body: []byte(`{"error":{"code":"INVALID_PAYLOAD","message":"forbidden"}}`)}
	obs := &noopObserver{}
	c := NewCoordinator(transport, clock.NewManual(0), obs, nil)

	c.RequestScreen(context.Background(), ScreenRequest{PaneID: "P1", Mode: "text"})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.issues != 1 || !obs.lastAuth {
		t.Fatalf("expected one auth-flagged connection issue, got issues=%d auth=%v", obs.issues, obs.lastAuth)
	}
}

func TestRequestScreen_PaneGoneRemovesPaneFromObserver(t *testing.T) {
	transport := &fakeTransport{status: 404, body: []byte(`{"error":{"code":"NOT_FOUND","message":"pane not found"}}`)}
	obs := &noopObserver{}
	c := NewCoordinator(transport, clock.NewManual(0), obs, nil)

	c.RequestScreen(context.Background(), ScreenRequest{PaneID: "P1", Mode: "text"})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.removed) != 1 || obs.removed[0] != "P1" {
		t.Fatalf("expected P1 to be removed, got %v", obs.removed)
	}
}

func TestSendText_PaneGoneRemovesPaneFromObserver(t *testing.T) {
	transport := &fakeTransport{status: 410, body: []byte(`{"error":{"code":"INVALID_PANE","message":"pane closed"}}`)}
	obs := &noopObserver{}
	c := NewCoordinator(transport, clock.NewManual(0), obs, nil)

	c.SendText(context.Background(), "P1", "hi", false, "")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.removed) != 1 || obs.removed[0] != "P1" {
		t.Fatalf("expected P1 to be removed, got %v", obs.removed)
	}
}

func TestLaunchAgent_PaneGoneIsNeverReportedSinceThereIsNoPaneYet(t *testing.T) {
	transport := &fakeTransport{status: 404, body: []byte(`{"error":{"code":"NOT_FOUND","message":"pane not found"}}`)}
	obs := &noopObserver{}
	c := NewCoordinator(transport, clock.NewManual(0), obs, nil)

	c.LaunchAgent(context.Background(), map[string]any{"sessionName": "s1", "agent": "claude"})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.removed) != 0 {
		t.Fatalf("expected no pane removal for launch, got %v", obs.removed)
	}
}

func TestCoordinator_SendTextSucceedsWithinTimeout(t *testing.T) {
	transport := &fakeTransport{status: 200, body: []byte(`{"ok":true}`)}
	c := NewCoordinator(transport, clock.NewManual(0), nil, nil)
	c.SetCommandTimeouts(20*time.Millisecond, 20*time.Millisecond)

	res := c.SendText(context.Background(), "P1", "hello", true, "")
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}
}

func TestCoordinator_SendTextTimesOut(t *testing.T) {
	transport := &fakeTransport{status: 200, body: []byte(`{"ok":true}`), delay: 50 * time.Millisecond}
	c := NewCoordinator(transport, clock.NewManual(0), nil, nil)
	c.SetCommandTimeouts(5*time.Millisecond, 5*time.Millisecond)

	res := c.SendText(context.Background(), "P1", "hello", true, "")
	if res.OK {
		t.Fatalf("expected timeout failure")
	}
	if res.Error == nil || res.Error.Code != protocol.ErrInternal {
		t.Fatalf("expected INTERNAL error on timeout, got %+v", res.Error)
	}
}

func TestCoordinator_QueryReturnsTranslatedErrorToCaller(t *testing.T) {
	transport := &fakeTransport{status: 404, body: []byte(`{"error":{"code":"NOT_FOUND","message":"pane not found"}}`)}
	c := NewCoordinator(transport, clock.NewManual(0), nil, nil)

	_, err := c.Query(context.Background(), "/sessions/P1/timeline")
	if err == nil {
		t.Fatalf("expected query to return an error")
	}
}
