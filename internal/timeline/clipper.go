package timeline

// Interval is a raw event clipped to a query window. Produced by clip and
// consumed by the boundary builder and aggregator (C3, C4) as well as
// directly by getTimeline for single-pane results.
type Interval struct {
	PaneID      string
	State       State
	Source      Source
	Reason      string
	RepoRoot    string
	StartedAtMs int64
	EndedAtMs   int64
	IsOpen      bool
}

// clip clips a raw event to [rangeStartMs, nowMs]. It returns false when the
// clipped interval would be empty or non-positive in length.
func clip(ev *Event, rangeStartMs, nowMs int64) (Interval, bool) {
	startedAtMs := ev.StartedAtMs
	if startedAtMs < rangeStartMs {
		startedAtMs = rangeStartMs
	}

	rawEnd := nowMs
	if ev.EndedAtMs != nil {
		rawEnd = *ev.EndedAtMs
	}
	endedAtMs := rawEnd
	if endedAtMs > nowMs {
		endedAtMs = nowMs
	}

	if endedAtMs <= startedAtMs {
		return Interval{}, false
	}

	isOpen := ev.EndedAtMs == nil && endedAtMs == nowMs

	return Interval{
		PaneID:      ev.PaneID,
		State:       ev.State,
		Source:      ev.Source,
		Reason:      ev.Reason,
		RepoRoot:    ev.RepoRoot,
		StartedAtMs: startedAtMs,
		EndedAtMs:   endedAtMs,
		IsOpen:      isOpen,
	}, true
}
