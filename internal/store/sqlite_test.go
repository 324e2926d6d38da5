package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteMergeAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	now := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	if err := s.Merge(ctx, "modules", "m1", Document{"version": "1.0.0", "owner": "ops", "seen": ServerTimestamp}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := s.Merge(ctx, "modules", "m1", Document{"version": "2.0.0", "region": "eu"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	got, err := s.Get(ctx, "modules", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got["version"] != "2.0.0" || got["owner"] != "ops" || got["region"] != "eu" {
		t.Errorf("unexpected merged document: %v", got)
	}
	if got["seen"] != now.Format(time.RFC3339Nano) {
		t.Errorf("expected timestamp %s, got %v", now.Format(time.RFC3339Nano), got["seen"])
	}
}

func TestSQLiteUpdateMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if err := s.Update(ctx, "modules", "ghost", Document{"status": "down"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "modules", "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected document to stay absent, got %v", err)
	}
}

func TestSQLiteUpdateExisting(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	s.Merge(ctx, "modules", "m1", Document{"status": "active", "version": "1.0.0"})
	if err := s.Update(ctx, "modules", "m1", Document{"status": "degraded", "error_count": 3}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := s.Get(ctx, "modules", "m1")
	if got["status"] != "degraded" || got["version"] != "1.0.0" {
		t.Errorf("unexpected document: %v", got)
	}
	if got["error_count"] != float64(3) {
		t.Errorf("expected error_count 3, got %v (%T)", got["error_count"], got["error_count"])
	}
}

func TestSQLiteCreateAndAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if err := s.Create(ctx, "perf", "key-1", Document{"module_id": "m1"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, "perf", "key-1", Document{"module_id": "m1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	id1, err := s.Append(ctx, "perf", Document{"module_id": "m1", "cpu": 0.5})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, _ := s.Append(ctx, "perf", Document{"module_id": "m1", "cpu": 0.5})
	s.Append(ctx, "perf", Document{"module_id": "m2"})
	if id1 == id2 {
		t.Fatalf("expected distinct ids, got %s twice", id1)
	}

	got, err := s.Query(ctx, "perf", "module_id", "m1", 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries for m1, got %d", len(got))
	}

	limited, _ := s.Query(ctx, "perf", "module_id", "m1", 1)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestSQLiteQueryRejectsQuotedField(t *testing.T) {
	s := newTestSQLiteStore(t)
	if _, err := s.Query(context.Background(), "perf", `bad"field`, "x", 0); err == nil {
		t.Fatal("expected error for quoted field name")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Merge(ctx, "modules", "m1", Document{"status": "active"})
	s.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "modules", "m1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got["status"] != "active" {
		t.Errorf("expected persisted status, got %v", got)
	}
}
