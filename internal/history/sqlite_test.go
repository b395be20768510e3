package history

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_AppendAndRecent(t *testing.T) {
	t.Parallel()

	s := newTestSQLiteStore(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := Record{
			SessionID: id,
			Transport: "gemini-live",
			Model:     "m",
			StartedAt: start.Add(time.Duration(i) * time.Minute),
			EndedAt:   start.Add(time.Duration(i)*time.Minute + 30*time.Second),
			State:     "closed",
		}
		if err := s.Append(rec); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}

	got, err := s.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].SessionID != "c" || got[1].SessionID != "b" {
		t.Fatalf("Recent(2) = %+v", got)
	}
	if d := got[0].Duration(); d != 30*time.Second {
		t.Errorf("Duration = %v, want 30s", d)
	}
	if !got[0].StartedAt.Equal(start.Add(2 * time.Minute)) {
		t.Errorf("StartedAt = %v", got[0].StartedAt)
	}

	all, err := s.Recent(0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(0) len = %d, want 3", len(all))
	}
}

func TestSQLiteStore_Empty(t *testing.T) {
	t.Parallel()
	s := newTestSQLiteStore(t)
	got, err := s.Recent(10)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent on empty db = %v, %v", got, err)
	}
}
