package timeline

// Segment is one emitted, coalesced run of an aggregated repo timeline.
type Segment struct {
	State       State
	Source      Source
	Reason      string
	StartedAtMs int64
	EndedAtMs   int64
	IsOpen      bool
}

// aggregate sweeps consecutive boundary pairs, resolving a dominant
// state/source per segment and coalescing adjacent segments that agree on
// state and open-ness. Output is in ascending time order; callers that
// need descending order (the store's query paths) sort afterward.
func aggregate(intervals []Interval, bounds []int64, nowMs int64, reason string) []Segment {
	var out []Segment

	for i := 0; i+1 < len(bounds); i++ {
		segStart, segEnd := bounds[i], bounds[i+1]

		var active []Interval
		for _, iv := range intervals {
			if iv.StartedAtMs < segEnd && iv.EndedAtMs > segStart {
				active = append(active, iv)
			}
		}
		if len(active) == 0 {
			continue
		}

		state := dominantState(active)
		source := dominantSource(active)
		isOpen := segEnd == nowMs && hasOpenAtNow(active, nowMs)

		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.State == state && last.IsOpen == isOpen && last.EndedAtMs == segStart {
				last.EndedAtMs = segEnd
				last.Source = source
				continue
			}
		}

		out = append(out, Segment{
			State:       state,
			Source:      source,
			Reason:      reason,
			StartedAtMs: segStart,
			EndedAtMs:   segEnd,
			IsOpen:      isOpen,
		})
	}

	return out
}

func dominantState(active []Interval) State {
	present := make(map[State]bool, len(active))
	for _, iv := range active {
		present[iv.State] = true
	}
	for _, s := range dominancePriority {
		if present[s] {
			return s
		}
	}
	return StateUnknown
}

func dominantSource(active []Interval) Source {
	hasHook, hasRestore, hasPoll := false, false, false
	for _, iv := range active {
		switch iv.Source {
		case SourceHook:
			hasHook = true
		case SourceRestore:
			hasRestore = true
		case SourcePoll:
			hasPoll = true
		}
	}
	switch {
	case hasHook:
		return SourceHook
	case hasRestore:
		return SourceRestore
	case hasPoll:
		return SourcePoll
	default:
		return SourcePoll
	}
}

func hasOpenAtNow(active []Interval, nowMs int64) bool {
	for _, iv := range active {
		if iv.IsOpen && iv.EndedAtMs == nowMs {
			return true
		}
	}
	return false
}
