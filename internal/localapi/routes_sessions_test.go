package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"paneloom/internal/clock"
	"paneloom/internal/coordinator"
	"paneloom/internal/registry"
	"paneloom/internal/timeline"
)

type fakeTransport struct {
	status int
	body   []byte
}

func (f *fakeTransport) Do(_ context.Context, _, _ string, _ any) (int, []byte, error) {
	return f.status, f.body, nil
}

// registryObserver wires coordinator.ConnectionObserver straight onto a
// registry, the same role cmd/paneloom's connObserver plays in production.
type registryObserver struct{ registry *registry.Registry }

func (registryObserver) OnConnectionIssue(int, bool, bool) {}
func (o registryObserver) OnSessionRemoved(paneID string)  { o.registry.Remove(paneID) }

func newRoutedServer(t *testing.T, transport coordinator.Transport) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry()
	tl := timeline.NewStore(clock.NewManual(0), 60_000, 100, nil)
	coord := coordinator.NewCoordinator(transport, clock.NewManual(0), registryObserver{registry: reg}, nil)
	return NewServer(Deps{Registry: reg, Timeline: tl, Coordinator: coord}, nil), reg
}

func TestLaunch_RejectsCwdAndWorktreeTogether(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 200, body: []byte(`{"ok":true}`)})
	body, _ := json.Marshal(map[string]any{
		"sessionName":  "s1",
		"agent":        "claude",
		"cwd":          "/repo",
		"worktreePath": "/repo/.worktrees/x",
	})
	req := httptest.NewRequest(http.MethodPost, "/sessions/launch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != false {
		t.Fatalf("launch is a command endpoint, expected {ok:false,...}, got %v", resp)
	}
}

func TestLaunch_DefaultsRequestIDWhenOmitted(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 200, body: []byte(`{"ok":true}`)})
	body, _ := json.Marshal(map[string]any{"sessionName": "s1", "agent": "claude"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/launch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != true {
		t.Fatalf("expected {ok:true}, got %v", resp)
	}
}

func TestPaneScreen_RejectsInvalidMode(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 200, body: []byte(`{"screen":{}}`)})
	body, _ := json.Marshal(map[string]any{"mode": "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/P1/screen", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["ok"]; ok {
		t.Fatalf("screen is a query endpoint, should not carry an \"ok\" field, got %v", resp)
	}
}

func TestPaneScreen_PayloadAlwaysUnderScreenKey(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 200, body: []byte(`{"screen":{"ok":true,"paneId":"P1"}}`)})
	body, _ := json.Marshal(map[string]any{"mode": "text"})
	req := httptest.NewRequest(http.MethodPost, "/sessions/P1/screen", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["screen"]; !ok {
		t.Fatalf("expected top-level \"screen\" field, got %v", resp)
	}
}

func TestPaneTimeline_RejectsInvalidScope(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 200, body: []byte(`{}`)})
	req := httptest.NewRequest(http.MethodGet, "/sessions/P1/timeline?scope=bogus", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPaneTimeline_DefaultScopeIsPane(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 200, body: []byte(`{}`)})
	req := httptest.NewRequest(http.MethodGet, "/sessions/P1/timeline", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["timeline"]; !ok {
		t.Fatalf("expected top-level \"timeline\" field, got %v", resp)
	}
}

func TestSendText_CommandFailureReportsUpstreamErrorCode(t *testing.T) {
	s, _ := newRoutedServer(t, &fakeTransport{status: 404, body: []byte(`{"error":{"code":"NOT_FOUND","message":"pane not found"}}`)})
	body, _ := json.Marshal(map[string]any{"text": "hi", "enter": true})
	req := httptest.NewRequest(http.MethodPost, "/sessions/P1/send/text", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["ok"] != false {
		t.Fatalf("expected {ok:false,...}, got %v", resp)
	}
}

func TestSendText_PaneNotFoundRemovesPaneFromRegistry(t *testing.T) {
	s, reg := newRoutedServer(t, &fakeTransport{status: 404, body: []byte(`{"error":{"code":"NOT_FOUND","message":"pane not found"}}`)})
	reg.Update(registry.SessionSummary{PaneID: "P1", State: "RUNNING"})

	body, _ := json.Marshal(map[string]any{"text": "hi", "enter": true})
	req := httptest.NewRequest(http.MethodPost, "/sessions/P1/send/text", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if _, ok := reg.Get("P1"); ok {
		t.Fatalf("expected P1 to be removed from the registry after a pane-gone response")
	}
}
