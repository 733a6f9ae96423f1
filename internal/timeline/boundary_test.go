package timeline

import "testing"

func TestBoundaries_SortedAndDeduplicated(t *testing.T) {
	intervals := []Interval{
		{StartedAtMs: 10, EndedAtMs: 20},
		{StartedAtMs: 20, EndedAtMs: 30},
		{StartedAtMs: 10, EndedAtMs: 25},
	}
	got := boundaries(intervals, 0, 40)
	want := []int64{0, 10, 20, 25, 30, 40}
	if len(got) != len(want) {
		t.Fatalf("unexpected boundaries: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected boundaries: %v", got)
		}
	}
}

func TestBoundaries_EmptyIntervalsStillReturnsWindowBounds(t *testing.T) {
	got := boundaries(nil, 5, 15)
	if len(got) != 2 || got[0] != 5 || got[1] != 15 {
		t.Fatalf("unexpected boundaries: %v", got)
	}
}
