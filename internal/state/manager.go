package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/aeih-state/internal/store"
)

// Collections names the two collections the manager writes to.
type Collections struct {
	Modules     string
	Performance string
}

// Manager mediates all reads and writes of module state. It holds the only
// store handle; the store is responsible for its own connection pooling.
type Manager struct {
	store       store.Store
	collections Collections
	logger      *zap.Logger

	timeout  time.Duration
	backend  string
	degraded bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds every store call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.timeout = d
	}
}

// WithBackend records which backend the store is and whether it is the
// non-durable placeholder.
func WithBackend(name string, degraded bool) Option {
	return func(m *Manager) {
		m.backend = name
		m.degraded = degraded
	}
}

// New constructs a Manager over st.
func New(st store.Store, collections Collections, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:       st,
		collections: collections,
		logger:      logger.Named("state"),
		backend:     "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the configured backend name.
func (m *Manager) Backend() string {
	return m.backend
}

// Degraded reports whether writes land in the in-memory placeholder.
func (m *Manager) Degraded() bool {
	return m.degraded
}

// Close closes the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// RegisterModule creates or merges the module record. Fields already stored
// but absent from data are preserved; data wins on conflict.
func (m *Manager) RegisterModule(ctx context.Context, id string, data map[string]any) error {
	const op = "register_module"

	if err := validateModuleID(id); err != nil {
		return m.fail(op, id, err)
	}
	if len(data) == 0 {
		return m.fail(op, id, validationError("module data is required"))
	}

	doc := make(store.Document, len(data)+4)
	for k, v := range data {
		doc[k] = v
	}
	doc[FieldRegisteredAt] = store.ServerTimestamp
	doc[FieldLastSeen] = store.ServerTimestamp
	if s, ok := data[FieldStatus].(string); !ok || s == "" {
		doc[FieldStatus] = StatusActive
	}
	if v, ok := data[FieldVersion].(string); !ok || v == "" {
		doc[FieldVersion] = DefaultVersion
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.Merge(ctx, m.collections.Modules, id, doc); err != nil {
		return m.fail(op, id, classify(err))
	}

	m.logger.Info("module registered", zap.String("module_id", id))
	return nil
}

// UpdateModuleStatus sets the status, refreshes last_seen and merges
// metadata into an existing record. It never creates a record.
func (m *Manager) UpdateModuleStatus(ctx context.Context, id, status string, metadata map[string]any) error {
	const op = "update_module_status"

	if err := validateModuleID(id); err != nil {
		return m.fail(op, id, err)
	}
	if strings.TrimSpace(status) == "" {
		return m.fail(op, id, validationError("status is required"))
	}

	fields := make(store.Document, len(metadata)+2)
	for k, v := range metadata {
		fields[k] = v
	}
	fields[FieldStatus] = status
	fields[FieldLastSeen] = store.ServerTimestamp

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.Update(ctx, m.collections.Modules, id, fields); err != nil {
		return m.fail(op, id, classify(err))
	}

	m.logger.Debug("module status updated", zap.String("module_id", id), zap.String("status", status))
	return nil
}

// GetModule reads a module record.
func (m *Manager) GetModule(ctx context.Context, id string) (*Module, error) {
	const op = "get_module"

	if err := validateModuleID(id); err != nil {
		return nil, m.fail(op, id, err)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	doc, err := m.store.Get(ctx, m.collections.Modules, id)
	if err != nil {
		return nil, m.fail(op, id, classify(err))
	}
	return moduleFromDocument(id, doc), nil
}

// LogOption configures a LogPerformance call.
type LogOption func(*logOptions)

type logOptions struct {
	idempotencyKey string
}

// WithIdempotencyKey makes the write exactly-once per (module, key): a retry
// with the same key returns the original record id without a second entry.
func WithIdempotencyKey(key string) LogOption {
	return func(o *logOptions) {
		o.idempotencyKey = key
	}
}

// LogPerformance appends a performance entry for the module and returns the
// record id. Without an idempotency key every call adds a new entry.
func (m *Manager) LogPerformance(ctx context.Context, id string, metrics map[string]any, opts ...LogOption) (string, error) {
	const op = "log_performance"

	var o logOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateModuleID(id); err != nil {
		return "", m.fail(op, id, err)
	}
	if len(metrics) == 0 {
		return "", m.fail(op, id, validationError("metrics are required"))
	}

	doc := store.Document{
		FieldModuleID:  id,
		FieldMetrics:   copyMap(metrics),
		FieldTimestamp: store.ServerTimestamp,
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if o.idempotencyKey == "" {
		recordID, err := m.store.Append(ctx, m.collections.Performance, doc)
		if err != nil {
			return "", m.fail(op, id, classify(err))
		}
		m.logger.Debug("performance logged", zap.String("module_id", id), zap.String("record_id", recordID))
		return recordID, nil
	}

	recordID := idempotentRecordID(id, o.idempotencyKey)
	doc[FieldIdempotencyKey] = o.idempotencyKey
	err := m.store.Create(ctx, m.collections.Performance, recordID, doc)
	switch {
	case errors.Is(err, store.ErrAlreadyExists):
		m.logger.Debug("duplicate performance entry ignored",
			zap.String("module_id", id),
			zap.String("record_id", recordID),
		)
	case err != nil:
		return "", m.fail(op, id, classify(err))
	default:
		m.logger.Debug("performance logged", zap.String("module_id", id), zap.String("record_id", recordID))
	}
	return recordID, nil
}

// ListPerformance returns up to limit entries for the module, oldest first.
// A non-positive limit returns every entry.
func (m *Manager) ListPerformance(ctx context.Context, id string, limit int) ([]PerformanceEntry, error) {
	const op = "list_performance"

	if err := validateModuleID(id); err != nil {
		return nil, m.fail(op, id, err)
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	snaps, err := m.store.Query(ctx, m.collections.Performance, FieldModuleID, id, limit)
	if err != nil {
		return nil, m.fail(op, id, classify(err))
	}

	entries := make([]PerformanceEntry, 0, len(snaps))
	for _, snap := range snaps {
		entries = append(entries, performanceFromSnapshot(snap))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) fail(op, id string, err error) error {
	kind := KindOf(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.String("module_id", id),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if kind == KindValidation || kind == KindNotFound {
		m.logger.Warn("state operation rejected", fields...)
	} else {
		m.logger.Error("state operation failed", fields...)
	}
	return err
}

// validateModuleID rejects ids the hosted store cannot address.
func validateModuleID(id string) error {
	if strings.TrimSpace(id) == "" {
		return validationError("module id is required")
	}
	if strings.Contains(id, "/") {
		return validationError("module id must not contain '/'")
	}
	return nil
}

func idempotentRecordID(moduleID, key string) string {
	sum := sha256.Sum256([]byte(moduleID + "\x00" + key))
	return hex.EncodeToString(sum[:16])
}

func copyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
