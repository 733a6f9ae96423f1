package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"paneloom/internal/connstate"
	"paneloom/internal/coordinator"
	"paneloom/internal/registry"
	"paneloom/internal/timeline"
)

// connObserver wires the Request Coordinator's failure callbacks onto the
// connection-state machine (C8) and the registry (C9), the same roles the
// teacher's status_pump.go split across its tmux service and connection
// tracker. The success path is driven separately by refreshSessions, since
// the coordinator only reports issues.
type connObserver struct {
	machine  *connstate.Machine
	registry *registry.Registry
}

func (o *connObserver) OnConnectionIssue(status int, authError, rateLimited bool) {
	o.machine.Observe(connstate.RefreshResult{OK: false, Status: status, AuthError: authError, RateLimited: rateLimited})
}

func (o *connObserver) OnSessionRemoved(paneID string) {
	o.registry.Remove(paneID)
}

// sessionPayload mirrors the JSON shape the upstream capture/session source
// returns for each entry of "GET /sessions"'s sessions array.
type sessionPayload struct {
	PaneID       string `json:"paneId"`
	SessionName  string `json:"sessionName"`
	State        string `json:"state"`
	Reason       string `json:"reason"`
	Agent        string `json:"agent"`
	RepoRoot     string `json:"repoRoot"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktreePath"`
	CustomTitle  string `json:"customTitle"`
	Title        string `json:"title"`
	LastInputAt  int64  `json:"lastInputAt"`
	PaneDead     bool   `json:"paneDead"`
}

// refreshSessions polls the upstream sessions snapshot, applies it to the
// registry, and translates every polled state into a timeline Record call
// (Source: SourcePoll) — the mechanical link between C7/C9 and C5 that the
// poller drives on every tick (§4.5, §4.9).
func refreshSessions(ctx context.Context, coord *coordinator.Coordinator, reg *registry.Registry, tl *timeline.Store, machine *connstate.Machine, publish func(paneID string, payload map[string]any)) error {
	result, err := coord.Query(ctx, "/sessions")
	if err != nil {
		return fmt.Errorf("query sessions: %w", err)
	}
	machine.Observe(connstate.RefreshResult{OK: true})

	var summaries []registry.SessionSummary
	result.Get("sessions").ForEach(func(_, value gjson.Result) bool {
		var p sessionPayload
		if err := json.Unmarshal([]byte(value.Raw), &p); err != nil {
			return true
		}
		summaries = append(summaries, registry.SessionSummary{
			PaneID:       p.PaneID,
			SessionName:  p.SessionName,
			State:        p.State,
			Agent:        p.Agent,
			RepoRoot:     p.RepoRoot,
			Branch:       p.Branch,
			WorktreePath: p.WorktreePath,
			CustomTitle:  p.CustomTitle,
			Title:        p.Title,
			LastInputAt:  p.LastInputAt,
			PaneDead:     p.PaneDead,
		})
		if p.PaneID != "" {
			tl.Record(timeline.RecordRequest{
				PaneID:   p.PaneID,
				State:    timeline.State(p.State),
				Reason:   p.Reason,
				Source:   timeline.SourcePoll,
				RepoRoot: p.RepoRoot,
			})
			if publish != nil {
				publish(p.PaneID, map[string]any{"state": p.State, "reason": p.Reason})
			}
		}
		return true
	})

	reg.ApplySnapshot(summaries)
	return nil
}
