package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/aeih-state/internal/store"
)

var testCollections = Collections{Modules: "modules", Performance: "performance"}

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()

	clock := &steppingClock{now: time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore(store.WithMemoryClock(clock.Now))
	return New(st, testCollections, zaptest.NewLogger(t), WithBackend("memory", true)), st
}

func TestRegisterModuleAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if err := m.RegisterModule(ctx, "mod-7", map[string]any{"version": "2.1.0"}); err != nil {
		t.Fatalf("RegisterModule returned error: %v", err)
	}

	mod, err := m.GetModule(ctx, "mod-7")
	if err != nil {
		t.Fatalf("GetModule returned error: %v", err)
	}
	if mod.Status != StatusActive {
		t.Fatalf("expected status %q, got %q", StatusActive, mod.Status)
	}
	if mod.Version != "2.1.0" {
		t.Fatalf("expected version 2.1.0, got %q", mod.Version)
	}
	if mod.RegisteredAt.IsZero() || mod.LastSeen.IsZero() {
		t.Fatalf("expected server timestamps to be set, got %+v", mod)
	}
}

func TestRegisterModuleDefaultsVersion(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if err := m.RegisterModule(ctx, "mod-1", map[string]any{"capabilities": []any{"monitor"}}); err != nil {
		t.Fatalf("RegisterModule returned error: %v", err)
	}
	mod, _ := m.GetModule(ctx, "mod-1")
	if mod.Version != DefaultVersion {
		t.Fatalf("expected default version, got %q", mod.Version)
	}
	if _, ok := mod.Metadata["capabilities"]; !ok {
		t.Fatalf("expected metadata to carry capabilities, got %v", mod.Metadata)
	}
}

func TestRegisterModuleRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		id   string
		data map[string]any
	}{
		{name: "empty id", id: "", data: map[string]any{"k": "v"}},
		{name: "blank id", id: "   ", data: map[string]any{"k": "v"}},
		{name: "slash in id", id: "a/b", data: map[string]any{"k": "v"}},
		{name: "nil payload", id: "mod", data: nil},
		{name: "empty payload", id: "mod", data: map[string]any{}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			m, st := newTestManager(t)

			err := m.RegisterModule(ctx, tc.id, tc.data)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if KindOf(err) != KindValidation {
				t.Fatalf("expected validation kind, got %s", KindOf(err))
			}
			if _, getErr := st.Get(ctx, testCollections.Modules, tc.id); !errors.Is(getErr, store.ErrNotFound) {
				t.Fatalf("expected no write, got %v", getErr)
			}
		})
	}
}

func TestRegisterModuleMergesRepeatedRegistrations(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if err := m.RegisterModule(ctx, "mod", map[string]any{"owner": "ops", "region": "us", "version": "1.2.0"}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := m.RegisterModule(ctx, "mod", map[string]any{"region": "eu", "tier": "gold", "version": "1.3.0"}); err != nil {
		t.Fatalf("second registration: %v", err)
	}

	mod, err := m.GetModule(ctx, "mod")
	if err != nil {
		t.Fatalf("GetModule returned error: %v", err)
	}
	if mod.Metadata["owner"] != "ops" {
		t.Fatalf("expected owner from first call to survive, got %v", mod.Metadata["owner"])
	}
	if mod.Metadata["region"] != "eu" {
		t.Fatalf("expected later region to win, got %v", mod.Metadata["region"])
	}
	if mod.Metadata["tier"] != "gold" {
		t.Fatalf("expected tier from second call, got %v", mod.Metadata["tier"])
	}
	if mod.Version != "1.3.0" {
		t.Fatalf("expected later version to win, got %q", mod.Version)
	}
}

func TestRegisterModuleDoesNotMutateInput(t *testing.T) {
	m, _ := newTestManager(t)
	data := map[string]any{"owner": "ops"}

	if err := m.RegisterModule(context.Background(), "mod", data); err != nil {
		t.Fatalf("RegisterModule returned error: %v", err)
	}
	if len(data) != 1 {
		t.Fatalf("expected caller payload untouched, got %v", data)
	}
}

func TestUpdateModuleStatus(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	if err := m.RegisterModule(ctx, "mod-7", map[string]any{"version": "2.1.0"}); err != nil {
		t.Fatalf("RegisterModule returned error: %v", err)
	}
	before, _ := m.GetModule(ctx, "mod-7")

	if err := m.UpdateModuleStatus(ctx, "mod-7", "degraded", map[string]any{"error_count": 3}); err != nil {
		t.Fatalf("UpdateModuleStatus returned error: %v", err)
	}

	after, err := m.GetModule(ctx, "mod-7")
	if err != nil {
		t.Fatalf("GetModule returned error: %v", err)
	}
	if after.Status != "degraded" {
		t.Fatalf("expected status degraded, got %q", after.Status)
	}
	if after.Metadata["error_count"] != 3 {
		t.Fatalf("expected error_count 3, got %v", after.Metadata["error_count"])
	}
	if after.Version != "2.1.0" {
		t.Fatalf("expected version untouched, got %q", after.Version)
	}
	if !after.LastSeen.After(before.LastSeen) {
		t.Fatalf("expected last_seen refreshed: before %s after %s", before.LastSeen, after.LastSeen)
	}
	if !after.RegisteredAt.Equal(before.RegisteredAt) {
		t.Fatalf("expected registered_at untouched")
	}
}

func TestUpdateModuleStatusExplicitStatusWins(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	m.RegisterModule(ctx, "mod", map[string]any{"owner": "ops"})
	if err := m.UpdateModuleStatus(ctx, "mod", "offline", map[string]any{"status": "ignored"}); err != nil {
		t.Fatalf("UpdateModuleStatus returned error: %v", err)
	}
	mod, _ := m.GetModule(ctx, "mod")
	if mod.Status != "offline" {
		t.Fatalf("expected explicit status to win, got %q", mod.Status)
	}
}

func TestUpdateModuleStatusUnknownModule(t *testing.T) {
	ctx := context.Background()
	m, st := newTestManager(t)

	err := m.UpdateModuleStatus(ctx, "ghost", "active", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found kind, got %s", KindOf(err))
	}
	if _, getErr := st.Get(ctx, testCollections.Modules, "ghost"); !errors.Is(getErr, store.ErrNotFound) {
		t.Fatalf("expected no record to be created, got %v", getErr)
	}
}

func TestUpdateModuleStatusValidation(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.UpdateModuleStatus(context.Background(), "", "active", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty id, got %v", err)
	}
	if err := m.UpdateModuleStatus(context.Background(), "mod", " ", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty status, got %v", err)
	}
}

func TestGetModuleUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.GetModule(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogPerformanceAppendsDistinctEntries(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	metrics := map[string]any{"latency_ms": 12.5, "cpu": 0.4}

	first, err := m.LogPerformance(ctx, "mod", metrics)
	if err != nil {
		t.Fatalf("LogPerformance returned error: %v", err)
	}
	second, err := m.LogPerformance(ctx, "mod", metrics)
	if err != nil {
		t.Fatalf("LogPerformance returned error: %v", err)
	}
	if first == "" || second == "" || first == second {
		t.Fatalf("expected two distinct record ids, got %q and %q", first, second)
	}

	entries, err := m.ListPerformance(ctx, "mod", 0)
	if err != nil {
		t.Fatalf("ListPerformance returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != first || entries[1].ID != second {
		t.Fatalf("expected entries in write order, got %s, %s", entries[0].ID, entries[1].ID)
	}
	if entries[0].ModuleID != "mod" || entries[0].Metrics["latency_ms"] != 12.5 {
		t.Fatalf("unexpected entry contents: %+v", entries[0])
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatalf("expected write timestamp to be set")
	}
}

func TestLogPerformanceIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	metrics := map[string]any{"cpu": 0.9}

	first, err := m.LogPerformance(ctx, "mod", metrics, WithIdempotencyKey("batch-42"))
	if err != nil {
		t.Fatalf("LogPerformance returned error: %v", err)
	}
	retry, err := m.LogPerformance(ctx, "mod", metrics, WithIdempotencyKey("batch-42"))
	if err != nil {
		t.Fatalf("retry returned error: %v", err)
	}
	if first != retry {
		t.Fatalf("expected retry to return %q, got %q", first, retry)
	}

	other, _ := m.LogPerformance(ctx, "other-mod", metrics, WithIdempotencyKey("batch-42"))
	if other == first {
		t.Fatalf("expected key to be scoped to the module")
	}

	entries, _ := m.ListPerformance(ctx, "mod", 0)
	if len(entries) != 1 {
		t.Fatalf("expected a single entry, got %d", len(entries))
	}
}

func TestLogPerformanceValidation(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.LogPerformance(context.Background(), "", map[string]any{"x": 1}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty id, got %v", err)
	}
	if _, err := m.LogPerformance(context.Background(), "mod", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty metrics, got %v", err)
	}
}

func TestListPerformanceLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	for i := 0; i < 5; i++ {
		if _, err := m.LogPerformance(ctx, "mod", map[string]any{"i": i}); err != nil {
			t.Fatalf("LogPerformance returned error: %v", err)
		}
	}
	entries, err := m.ListPerformance(ctx, "mod", 3)
	if err != nil {
		t.Fatalf("ListPerformance returned error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
}

func TestManagerBackendInfo(t *testing.T) {
	m, _ := newTestManager(t)
	if m.Backend() != "memory" || !m.Degraded() {
		t.Fatalf("unexpected backend info: %s degraded=%v", m.Backend(), m.Degraded())
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}
