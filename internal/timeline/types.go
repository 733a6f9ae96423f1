// Package timeline owns the state-timeline subsystem: the per-pane event
// store, its invariants, and the range/aggregate/metrics queries answered
// over it (modules C2 through C6 of the design).
package timeline

// State is the closed enumeration of pane execution states.
type State string

const (
	StateRunning           State = "RUNNING"
	StateWaitingInput      State = "WAITING_INPUT"
	StateWaitingPermission State = "WAITING_PERMISSION"
	StateShell             State = "SHELL"
	StateUnknown           State = "UNKNOWN"
)

// dominancePriority is the fixed order the aggregator resolves a segment's
// dominant state by: a permission prompt anywhere dominates, running beats
// idle, unknown loses to everything.
var dominancePriority = []State{
	StateWaitingPermission,
	StateRunning,
	StateWaitingInput,
	StateShell,
	StateUnknown,
}

// Source is the closed enumeration of event origins.
type Source string

const (
	SourceHook    Source = "hook"
	SourcePoll    Source = "poll"
	SourceRestore Source = "restore"
)

// RangeTag is a fixed-width window ending at now.
type RangeTag string

const (
	Range15m RangeTag = "15m"
	Range1h  RangeTag = "1h"
	Range3h  RangeTag = "3h"
	Range6h  RangeTag = "6h"
	Range24h RangeTag = "24h"
	Range3d  RangeTag = "3d"
	Range7d  RangeTag = "7d"
)

// rangeMs is the fixed millisecond width of each range tag.
var rangeMs = map[RangeTag]int64{
	Range15m: 900_000,
	Range1h:  3_600_000,
	Range3h:  10_800_000,
	Range6h:  21_600_000,
	Range24h: 86_400_000,
	Range3d:  259_200_000,
	Range7d:  604_800_000,
}

// defaultLimitByRange is the range-dependent default item cap for getTimeline/getRepoTimeline.
var defaultLimitByRange = map[RangeTag]int{
	Range15m: 200,
	Range1h:  300,
	Range3h:  700,
	Range6h:  1500,
	Range24h: 5000,
	Range3d:  7000,
	Range7d:  10000,
}

const maxLimit = 10_000

// RangeMs returns the millisecond width of a range tag and whether the tag
// is recognized; an unrecognized tag yields (0, false).
func RangeMs(r RangeTag) (int64, bool) {
	ms, ok := rangeMs[r]
	return ms, ok
}

func defaultLimitFor(r RangeTag) int {
	if n, ok := defaultLimitByRange[r]; ok {
		return n
	}
	return defaultLimitByRange[Range1h]
}

func clampLimit(limit *int, r RangeTag) int {
	if limit == nil {
		return defaultLimitFor(r)
	}
	n := *limit
	if n < 1 {
		n = 1
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n
}

// Event is one stored, append-only (then pruned) state segment for a pane.
type Event struct {
	ID          string
	PaneID      string
	State       State
	Reason      string
	Source      Source
	RepoRoot    string
	StartedAtMs int64
	// EndedAtMs is nil while the event is open (still current).
	EndedAtMs *int64
}

func (e *Event) isOpen() bool { return e.EndedAtMs == nil }

func (e *Event) endedOrNow(nowMs int64) int64 {
	if e.EndedAtMs == nil {
		return nowMs
	}
	return *e.EndedAtMs
}

// Item is a clipped, duration-enriched event as returned in a Timeline.
type Item struct {
	ID          string
	PaneID      string
	State       State
	Reason      string
	Source      Source
	RepoRoot    string
	StartedAtMs int64
	EndedAtMs   int64
	DurationMs  int64
	IsOpen      bool
}

// Timeline is the result of getTimeline/getRepoTimeline.
type Timeline struct {
	PaneID   string
	NowMs    int64
	Range    RangeTag
	Items    []Item
	TotalsMs map[State]int64
	Current  *Item
}

// RepoActivityMetrics is the result of getRepoActivityMetrics.
type RepoActivityMetrics struct {
	RunningMs           int64
	RunningUnionMs      int64
	ExecutionCount      int
	TotalPaneCount      int
	ActivePaneCount     int
	Approximate         bool
	ApproximationReason string
}

// PersistedEvents is the shape handed to/from Serialize/Restore: one
// ordered, deep-copied event slice per pane.
type PersistedEvents map[string][]Event
