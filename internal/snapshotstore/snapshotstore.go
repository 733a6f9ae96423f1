// Package snapshotstore adapts the timeline store's serialize/restore
// contract onto a single-table SQLite-backed write-behind persistence
// layer. Per §9's Non-goals, this is explicitly not the source of truth —
// the in-memory timeline.Store is — it exists only so a restart can
// rebuild state from the last periodic write instead of starting cold.
package snapshotstore

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"paneloom/internal/timeline"
)

// TimelineEventRow is the sole persisted table: one row per timeline event,
// across all panes, as last written by a Persist call.
type TimelineEventRow struct {
	ID          string `gorm:"primaryKey"`
	PaneID      string `gorm:"index"`
	State       string
	Reason      string
	Source      string
	RepoRoot    string `gorm:"index"`
	StartedAtMs int64
	EndedAtMs   *int64
}

func (TimelineEventRow) TableName() string { return "timeline_events" }

// Store opens (or creates) a SQLite database at path and exposes
// Persist/Load against the single timeline_events table.
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	gdb, err := openSQLiteDSN(path)
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(&TimelineEventRow{}); err != nil {
		sqlDB, dbErr := gdb.DB()
		if dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, err
	}
	return &Store{db: gdb}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Persist overwrites the table with the given snapshot, atomically within
// one transaction: truncate, then bulk-insert every row.
func (s *Store) Persist(events timeline.PersistedEvents) error {
	var rows []TimelineEventRow
	for paneID, evs := range events {
		for _, ev := range evs {
			rows = append(rows, TimelineEventRow{
				ID:          ev.ID,
				PaneID:      paneID,
				State:       string(ev.State),
				Reason:      ev.Reason,
				Source:      string(ev.Source),
				RepoRoot:    ev.RepoRoot,
				StartedAtMs: ev.StartedAtMs,
				EndedAtMs:   ev.EndedAtMs,
			})
		}
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM timeline_events").Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 500).Error
	})
}

// Load reads every row back into a timeline.PersistedEvents snapshot for
// timeline.Store.Restore, which re-derives monotonicity and prunes.
func (s *Store) Load() (timeline.PersistedEvents, error) {
	var rows []TimelineEventRow
	if err := s.db.Order("started_at_ms asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make(timeline.PersistedEvents)
	for _, r := range rows {
		out[r.PaneID] = append(out[r.PaneID], timeline.Event{
			ID:          r.ID,
			PaneID:      r.PaneID,
			State:       timeline.State(r.State),
			Reason:      r.Reason,
			Source:      timeline.Source(r.Source),
			RepoRoot:    r.RepoRoot,
			StartedAtMs: r.StartedAtMs,
			EndedAtMs:   r.EndedAtMs,
		})
	}
	return out, nil
}

func openSQLiteDSN(dsn string) (*gorm.DB, error) {
	if shouldEnsureParentDir(dsn) {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	gdb, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        dsn,
	}, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA journal_mode=WAL;`).Error; err != nil {
		return nil, err
	}
	if err := gdb.Exec(`PRAGMA busy_timeout=5000;`).Error; err != nil {
		return nil, err
	}
	return gdb, nil
}

func shouldEnsureParentDir(dsn string) bool {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return false
	}
	lower := strings.ToLower(dsn)
	if strings.Contains(lower, "mode=memory") || strings.HasPrefix(lower, "file:") {
		return false
	}
	return true
}

// Writer periodically persists a timeline.Store's snapshot to the
// configured Store on a ticker, stopping when Run's stop channel is closed.
type Writer struct {
	store    *Store
	timeline *timeline.Store
	interval time.Duration
}

func NewWriter(store *Store, tl *timeline.Store, interval time.Duration) *Writer {
	return &Writer{store: store, timeline: tl, interval: interval}
}

// Run blocks, persisting on every tick, until stop is closed.
func (w *Writer) Run(stop <-chan struct{}, onError func(error)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := w.store.Persist(w.timeline.Serialize()); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
