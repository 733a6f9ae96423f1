package registry

import "testing"

func TestApplySnapshot_DedupesByPaneIDKeepingLast(t *testing.T) {
	r := NewRegistry()
	r.ApplySnapshot([]SessionSummary{
		{PaneID: "P1", Title: "first"},
		{PaneID: "P1", Title: "second"},
		{PaneID: "P2", Title: "only"},
	})

	got, ok := r.Get("P1")
	if !ok || got.Title != "second" {
		t.Fatalf("expected last occurrence to win, got %+v ok=%v", got, ok)
	}
	if len(r.List()) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(r.List()))
	}
}

func TestUpdate_Upserts(t *testing.T) {
	r := NewRegistry()
	r.Update(SessionSummary{PaneID: "P1", Title: "v1"})
	r.Update(SessionSummary{PaneID: "P1", Title: "v2"})

	got, ok := r.Get("P1")
	if !ok || got.Title != "v2" {
		t.Fatalf("expected upsert to overwrite, got %+v", got)
	}
}

func TestRemove_DeletesEntry(t *testing.T) {
	r := NewRegistry()
	r.Update(SessionSummary{PaneID: "P1"})
	r.Remove("P1")

	if _, ok := r.Get("P1"); ok {
		t.Fatalf("expected entry to be removed")
	}
}

func TestApplySnapshot_SkipsEmptyPaneID(t *testing.T) {
	r := NewRegistry()
	r.ApplySnapshot([]SessionSummary{{PaneID: ""}, {PaneID: "P1"}})

	if len(r.List()) != 1 {
		t.Fatalf("expected empty paneId entry to be skipped, got %d", len(r.List()))
	}
}
