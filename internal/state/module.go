package state

import (
	"time"

	"github.com/eugenenazirov/aeih-state/internal/store"
)

// Field names of system-managed values on module and performance documents.
const (
	FieldRegisteredAt   = "registered_at"
	FieldLastSeen       = "last_seen"
	FieldStatus         = "status"
	FieldVersion        = "version"
	FieldModuleID       = "module_id"
	FieldMetrics        = "metrics"
	FieldTimestamp      = "timestamp"
	FieldIdempotencyKey = "idempotency_key"
)

const (
	// StatusActive is assigned on registration unless the payload sets a status.
	StatusActive = "active"
	// DefaultVersion is assigned on registration when the payload has no version.
	DefaultVersion = "1.0.0"
)

// Module is a registered module record. Metadata holds every field that is
// not system-managed.
type Module struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Version      string         `json:"version"`
	RegisteredAt time.Time      `json:"registeredAt"`
	LastSeen     time.Time      `json:"lastSeen"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// PerformanceEntry is one appended performance record.
type PerformanceEntry struct {
	ID        string         `json:"id"`
	ModuleID  string         `json:"moduleId"`
	Metrics   map[string]any `json:"metrics"`
	Timestamp time.Time      `json:"timestamp"`
}

func moduleFromDocument(id string, doc store.Document) *Module {
	m := &Module{
		ID:       id,
		Metadata: make(map[string]any),
	}
	for k, v := range doc {
		switch k {
		case FieldStatus:
			m.Status, _ = v.(string)
		case FieldVersion:
			m.Version, _ = v.(string)
		case FieldRegisteredAt:
			m.RegisteredAt = parseTime(v)
		case FieldLastSeen:
			m.LastSeen = parseTime(v)
		default:
			m.Metadata[k] = v
		}
	}
	return m
}

func performanceFromSnapshot(snap store.Snapshot) PerformanceEntry {
	entry := PerformanceEntry{ID: snap.ID}
	entry.ModuleID, _ = snap.Data[FieldModuleID].(string)
	entry.Timestamp = parseTime(snap.Data[FieldTimestamp])
	switch metrics := snap.Data[FieldMetrics].(type) {
	case map[string]any:
		entry.Metrics = metrics
	case store.Document:
		entry.Metrics = metrics
	}
	return entry
}

// parseTime accepts native timestamps and the RFC 3339 strings produced by
// JSON-backed stores.
func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}
