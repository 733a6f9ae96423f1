package timeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"paneloom/internal/clock"
	"paneloom/internal/protocol"
)

// Store owns the per-pane event vectors and the store-global sequence
// counter (C5). It is safe for concurrent use: every public method takes
// the store's single mutex for its duration and never holds it across I/O
// (there is none — the store is purely in-memory).
type Store struct {
	mu sync.Mutex

	clock           clock.Clock
	retentionMs     int64
	maxItemsPerPane int
	logger          *slog.Logger

	eventsByPane map[string][]*Event
	sequence     int64
}

func NewStore(c clock.Clock, retentionMs int64, maxItemsPerPane int, logger *slog.Logger) *Store {
	if retentionMs <= 0 {
		retentionMs = 7 * 24 * 60 * 60 * 1000
	}
	if maxItemsPerPane <= 0 {
		maxItemsPerPane = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clock:           c,
		retentionMs:     retentionMs,
		maxItemsPerPane: maxItemsPerPane,
		logger:          logger,
		eventsByPane:    make(map[string][]*Event),
	}
}

// RecordRequest describes one state-transition event arriving from a hook,
// a poller, or a restore pass.
type RecordRequest struct {
	PaneID   string
	State    State
	Reason   string
	AtMs     *int64
	Source   Source
	RepoRoot string
}

// Record is the state-machine edge (§4.5): it clamps time monotonically,
// merges into an open event sharing (state, repoRoot), otherwise closes the
// prior open event and appends a new one.
func (s *Store) Record(req RecordRequest) {
	paneID := strings.TrimSpace(req.PaneID)
	if paneID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	atMs := s.clock.NowMs()
	if req.AtMs != nil {
		atMs = *req.AtMs
	}
	source := req.Source
	if source == "" {
		source = SourcePoll
	}

	events := s.pruneLocked(paneID)

	var last *Event
	if n := len(events); n > 0 {
		last = events[n-1]
	}

	if last != nil {
		boundary := last.StartedAtMs
		if last.EndedAtMs != nil {
			boundary = *last.EndedAtMs
		}
		if atMs < boundary {
			atMs = boundary
		}

		if last.isOpen() {
			if last.State == req.State && last.RepoRoot == req.RepoRoot {
				last.Reason = req.Reason
				last.Source = source
				s.logger.Debug("pane event merged",
					"pane_id", paneID, "state", string(last.State), "reason", last.Reason)
				return
			}
			closeAt := last.StartedAtMs
			if atMs > closeAt {
				closeAt = atMs
			}
			last.EndedAtMs = &closeAt
			s.logger.Debug("pane event closed for transition",
				"pane_id", paneID, "from_state", string(last.State), "to_state", string(req.State))
		}
	}

	id := s.nextID(paneID, atMs)
	newEvent := &Event{
		ID:          id,
		PaneID:      paneID,
		State:       req.State,
		Reason:      req.Reason,
		Source:      source,
		RepoRoot:    req.RepoRoot,
		StartedAtMs: atMs,
		EndedAtMs:   nil,
	}
	events = append(events, newEvent)
	s.eventsByPane[paneID] = events
	s.pruneLocked(paneID)

	s.logger.Debug("pane state recorded",
		"pane_id", paneID, "state", string(req.State), "source", string(source), "repo_root", req.RepoRoot)
}

// ClosePane closes the pane's open event, if any, at the given (or current) instant.
func (s *Store) ClosePane(paneID string, at *int64) {
	paneID = strings.TrimSpace(paneID)
	if paneID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.eventsByPane[paneID]
	if len(events) == 0 {
		return
	}
	last := events[len(events)-1]
	if !last.isOpen() {
		return
	}

	atMs := s.clock.NowMs()
	if at != nil {
		atMs = *at
	}
	closeAt := last.StartedAtMs
	if atMs > closeAt {
		closeAt = atMs
	}
	last.EndedAtMs = &closeAt
	s.logger.Debug("pane closed", "pane_id", paneID, "ended_at_ms", closeAt)
}

// pruneLocked applies the retention and count-cap rules to one pane's
// events and returns (and stores) the surviving slice. Caller must hold s.mu.
func (s *Store) pruneLocked(paneID string) []*Event {
	events := s.eventsByPane[paneID]
	if len(events) == 0 {
		return events
	}
	threshold := s.clock.NowMs() - s.retentionMs

	kept := make([]*Event, 0, len(events))
	for _, e := range events {
		if e.EndedAtMs == nil || *e.EndedAtMs >= threshold {
			kept = append(kept, e)
		}
	}
	if len(kept) > s.maxItemsPerPane {
		kept = kept[len(kept)-s.maxItemsPerPane:]
	}
	s.eventsByPane[paneID] = kept
	return kept
}

func (s *Store) nextID(paneID string, atMs int64) string {
	s.sequence++
	return fmt.Sprintf("%s:%d:%d", paneID, atMs, s.sequence)
}

func resolveRange(r RangeTag) (RangeTag, int64, bool) {
	if r == "" {
		r = Range1h
	}
	ms, ok := RangeMs(r)
	return r, ms, ok
}

// GetTimelineRequest parameterizes a single-pane timeline query.
type GetTimelineRequest struct {
	PaneID string
	Range  RangeTag
	Limit  *int
}

// GetTimeline answers §4.5's per-pane query: clip every event to the
// window, enrich with duration, sort descending by start, and truncate.
func (s *Store) GetTimeline(req GetTimelineRequest) (Timeline, error) {
	paneID := strings.TrimSpace(req.PaneID)
	if paneID == "" {
		return Timeline{}, protocol.NewError(protocol.ErrInvalidPayload, "paneId is required")
	}
	rangeTag, rMs, ok := resolveRange(req.Range)
	if !ok {
		return Timeline{}, protocol.NewError(protocol.ErrInvalidPayload, "unknown range: "+string(req.Range))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.clock.NowMs()
	rangeStartMs := nowMs - rMs
	limit := clampLimit(req.Limit, rangeTag)

	events := s.pruneLocked(paneID)

	items := make([]Item, 0, len(events))
	totals := map[State]int64{}
	for _, ev := range events {
		iv, ok := clip(ev, rangeStartMs, nowMs)
		if !ok {
			continue
		}
		it := itemFromInterval(ev.ID, paneID, iv)
		items = append(items, it)
		totals[it.State] += it.DurationMs
	}

	reverseItems(items)
	if len(items) > limit {
		items = items[:limit]
	}

	var current *Item
	if len(items) > 0 && items[0].IsOpen {
		cur := items[0]
		current = &cur
	}

	return Timeline{
		PaneID:   paneID,
		NowMs:    nowMs,
		Range:    rangeTag,
		Items:    items,
		TotalsMs: totals,
		Current:  current,
	}, nil
}

// GetRepoTimelineRequest parameterizes the aggregated, cross-pane query.
type GetRepoTimelineRequest struct {
	PaneID          string
	PaneIDs         []string
	Range           RangeTag
	Limit           *int
	AggregateReason string
	ItemIDPrefix    string
}

// GetRepoTimeline answers §4.5's aggregated query: union each pane's
// clipped intervals, sweep boundaries, aggregate dominant segments, assign
// synthetic ids, sort descending, truncate.
func (s *Store) GetRepoTimeline(req GetRepoTimelineRequest) (Timeline, error) {
	paneID := strings.TrimSpace(req.PaneID)
	if paneID == "" {
		return Timeline{}, protocol.NewError(protocol.ErrInvalidPayload, "paneId is required")
	}
	rangeTag, rMs, ok := resolveRange(req.Range)
	if !ok {
		return Timeline{}, protocol.NewError(protocol.ErrInvalidPayload, "unknown range: "+string(req.Range))
	}
	aggregateReason := req.AggregateReason
	if aggregateReason == "" {
		aggregateReason = "repo:aggregate"
	}
	prefix := req.ItemIDPrefix
	if prefix == "" {
		prefix = "repo"
	}
	limit := clampLimit(req.Limit, rangeTag)

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.clock.NowMs()
	rangeStartMs := nowMs - rMs

	var intervals []Interval
	for _, pid := range dedupeStrings(req.PaneIDs) {
		pid = strings.TrimSpace(pid)
		if pid == "" {
			continue
		}
		for _, ev := range s.pruneLocked(pid) {
			iv, ok := clip(ev, rangeStartMs, nowMs)
			if !ok {
				continue
			}
			intervals = append(intervals, iv)
		}
	}

	if len(intervals) == 0 {
		return Timeline{
			PaneID:   paneID,
			NowMs:    nowMs,
			Range:    rangeTag,
			Items:    []Item{},
			TotalsMs: map[State]int64{},
		}, nil
	}

	bounds := boundaries(intervals, rangeStartMs, nowMs)
	segs := aggregate(intervals, bounds, nowMs, aggregateReason)

	items := make([]Item, 0, len(segs))
	totals := map[State]int64{}
	for i, seg := range segs {
		id := fmt.Sprintf("%s:%s:%d:%d", prefix, paneID, seg.StartedAtMs, i)
		it := Item{
			ID:          id,
			PaneID:      paneID,
			State:       seg.State,
			Reason:      seg.Reason,
			Source:      seg.Source,
			StartedAtMs: seg.StartedAtMs,
			EndedAtMs:   seg.EndedAtMs,
			DurationMs:  seg.EndedAtMs - seg.StartedAtMs,
			IsOpen:      seg.IsOpen,
		}
		items = append(items, it)
		totals[it.State] += it.DurationMs
	}

	reverseItems(items)
	if len(items) > limit {
		items = items[:limit]
	}

	var current *Item
	if len(items) > 0 && items[0].IsOpen {
		cur := items[0]
		current = &cur
	}

	return Timeline{
		PaneID:   paneID,
		NowMs:    nowMs,
		Range:    rangeTag,
		Items:    items,
		TotalsMs: totals,
		Current:  current,
	}, nil
}

// RepoActivityMetricsRequest parameterizes getRepoActivityMetrics.
type RepoActivityMetricsRequest struct {
	RepoRoot string
	Range    RangeTag
}

func (s *Store) GetRepoActivityMetrics(req RepoActivityMetricsRequest) (RepoActivityMetrics, error) {
	repoRoot := strings.TrimSpace(req.RepoRoot)
	if repoRoot == "" {
		return RepoActivityMetrics{}, protocol.NewError(protocol.ErrInvalidPayload, "repoRoot is required")
	}
	_, rMs, ok := resolveRange(req.Range)
	if !ok {
		return RepoActivityMetrics{}, protocol.NewError(protocol.ErrInvalidPayload, "unknown range: "+string(req.Range))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.clock.NowMs()
	rangeStartMs := nowMs - rMs

	for pid := range s.eventsByPane {
		s.pruneLocked(pid)
	}

	return computeRepoActivityMetrics(s.eventsByPane, repoRoot, rangeStartMs, nowMs, s.retentionMs, rMs), nil
}

// ListRepoRoots returns the distinct, non-null repoRoots observed in
// events intersecting the window, for the given range.
func (s *Store) ListRepoRoots(r RangeTag) ([]string, error) {
	_, rMs, ok := resolveRange(r)
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidPayload, "unknown range: "+string(r))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := s.clock.NowMs()
	rangeStartMs := nowMs - rMs

	seen := map[string]struct{}{}
	var out []string
	for pid := range s.eventsByPane {
		for _, ev := range s.pruneLocked(pid) {
			if ev.RepoRoot == "" {
				continue
			}
			iv, ok := clip(ev, rangeStartMs, nowMs)
			if !ok {
				continue
			}
			if _, exists := seen[iv.RepoRoot]; exists {
				continue
			}
			seen[iv.RepoRoot] = struct{}{}
			out = append(out, iv.RepoRoot)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Reset discards all events and resets the sequence counter.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsByPane = make(map[string][]*Event)
	s.sequence = 0
}

// Serialize returns a fully-pruned, deep-copied snapshot of every pane's events.
func (s *Store) Serialize() PersistedEvents {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(PersistedEvents, len(s.eventsByPane))
	for pid := range s.eventsByPane {
		s.pruneLocked(pid)
	}
	for pid, events := range s.eventsByPane {
		cp := make([]Event, len(events))
		for i, e := range events {
			cp[i] = *e
			if e.EndedAtMs != nil {
				v := *e.EndedAtMs
				cp[i].EndedAtMs = &v
			}
		}
		out[pid] = cp
	}
	return out
}

// Restore replaces the store's contents from a persisted snapshot,
// enforcing monotonicity, inferring missing endedAt from the next event,
// and skipping malformed or zero-length entries.
func (s *Store) Restore(p PersistedEvents) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventsByPane = make(map[string][]*Event)
	s.sequence = 0

	for paneID, events := range p {
		sorted := make([]Event, len(events))
		copy(sorted, events)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAtMs < sorted[j].StartedAtMs })

		var out []*Event
		var lastBoundary int64 = minInt64

		for i, ev := range sorted {
			_, _, seq, ok := parseEventID(ev.ID)
			if !ok {
				continue
			}
			startedAt := ev.StartedAtMs
			if startedAt < lastBoundary {
				startedAt = lastBoundary
			}

			var endedAtPtr *int64
			switch {
			case ev.EndedAtMs != nil:
				v := *ev.EndedAtMs
				if v < startedAt {
					v = startedAt
				}
				endedAtPtr = &v
			case i+1 < len(sorted):
				nextStart := sorted[i+1].StartedAtMs
				if nextStart < startedAt {
					nextStart = startedAt
				}
				v := nextStart
				endedAtPtr = &v
			}

			if endedAtPtr != nil && *endedAtPtr <= startedAt {
				continue
			}

			newEv := &Event{
				ID:          ev.ID,
				PaneID:      paneID,
				State:       ev.State,
				Reason:      ev.Reason,
				Source:      ev.Source,
				RepoRoot:    ev.RepoRoot,
				StartedAtMs: startedAt,
				EndedAtMs:   endedAtPtr,
			}
			out = append(out, newEv)
			if endedAtPtr != nil {
				lastBoundary = *endedAtPtr
			} else {
				lastBoundary = startedAt
			}
			if seq > s.sequence {
				s.sequence = seq
			}
		}

		if len(out) > 0 {
			s.eventsByPane[paneID] = out
		}
	}

	for pid := range s.eventsByPane {
		s.pruneLocked(pid)
	}
}

const minInt64 = -1 << 63

func itemFromInterval(id, paneID string, iv Interval) Item {
	return Item{
		ID:          id,
		PaneID:      paneID,
		State:       iv.State,
		Reason:      iv.Reason,
		Source:      iv.Source,
		RepoRoot:    iv.RepoRoot,
		StartedAtMs: iv.StartedAtMs,
		EndedAtMs:   iv.EndedAtMs,
		DurationMs:  iv.EndedAtMs - iv.StartedAtMs,
		IsOpen:      iv.IsOpen,
	}
}

func reverseItems(items []Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// parseEventID splits "<paneId>:<startedAtMs>:<sequence>", tolerating a
// non-integer sequence suffix by defaulting it to 0 (lenient per design),
// but rejecting an unparseable startedAtMs or missing paneId outright.
func parseEventID(id string) (paneID string, atMs int64, seq int64, ok bool) {
	idx2 := strings.LastIndex(id, ":")
	if idx2 < 0 {
		return "", 0, 0, false
	}
	seqStr := id[idx2+1:]
	rest := id[:idx2]

	idx1 := strings.LastIndex(rest, ":")
	if idx1 < 0 {
		return "", 0, 0, false
	}
	atMsStr := rest[idx1+1:]
	pid := rest[:idx1]
	if pid == "" {
		return "", 0, 0, false
	}

	atMsVal, err := strconv.ParseInt(atMsStr, 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	seqVal, err := strconv.ParseInt(seqStr, 10, 64)
	if err != nil {
		seqVal = 0
	}
	return pid, atMsVal, seqVal, true
}
