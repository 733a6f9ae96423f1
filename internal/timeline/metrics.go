package timeline

import "sort"

// timeSpan is a half-open [StartMs, EndMs) span on the millisecond time
// axis, used only by the union-measure sweep below.
type timeSpan struct {
	StartMs int64
	EndMs   int64
}

// unionMeasureMs returns the Lebesgue measure of the union of the given
// spans: sort by start, scan maintaining a running (curStart, curEnd),
// extending when the next span overlaps or touches it, else flushing the
// accumulated run and starting a new one.
func unionMeasureMs(spans []timeSpan) int64 {
	if len(spans) == 0 {
		return 0
	}
	sorted := make([]timeSpan, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartMs < sorted[j].StartMs })

	var total int64
	curStart, curEnd := sorted[0].StartMs, sorted[0].EndMs
	for _, s := range sorted[1:] {
		if s.StartMs <= curEnd {
			if s.EndMs > curEnd {
				curEnd = s.EndMs
			}
			continue
		}
		total += curEnd - curStart
		curStart, curEnd = s.StartMs, s.EndMs
	}
	total += curEnd - curStart
	return total
}

// computeRepoActivityMetrics computes §4.5/§4.6's metrics for one repoRoot
// from the already-pruned per-pane event lists.
func computeRepoActivityMetrics(eventsByPane map[string][]*Event, repoRoot string, rangeStartMs, nowMs, retentionMs, rangeMsWidth int64) RepoActivityMetrics {
	var runningMs int64
	var executionCount int
	var runningSpans []timeSpan
	panesTouched := map[string]struct{}{}
	panesActive := map[string]struct{}{}

	for paneID, events := range eventsByPane {
		for _, ev := range events {
			if ev.RepoRoot != repoRoot {
				continue
			}
			iv, ok := clip(ev, rangeStartMs, nowMs)
			if !ok {
				continue
			}
			panesTouched[paneID] = struct{}{}
			if ev.State == StateRunning && ev.StartedAtMs >= rangeStartMs {
				executionCount++
			}
			if iv.State == StateRunning {
				runningMs += iv.EndedAtMs - iv.StartedAtMs
				runningSpans = append(runningSpans, timeSpan{StartMs: iv.StartedAtMs, EndMs: iv.EndedAtMs})
				panesActive[paneID] = struct{}{}
			}
		}
	}

	approximate := rangeMsWidth > retentionMs
	reason := ""
	if approximate {
		reason = "retention_clipped"
	}

	return RepoActivityMetrics{
		RunningMs:           runningMs,
		RunningUnionMs:      unionMeasureMs(runningSpans),
		ExecutionCount:      executionCount,
		TotalPaneCount:      len(panesTouched),
		ActivePaneCount:     len(panesActive),
		Approximate:         approximate,
		ApproximationReason: reason,
	}
}
