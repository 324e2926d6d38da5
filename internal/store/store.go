package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the addressed document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrAlreadyExists is returned by Create when the document id is taken.
	ErrAlreadyExists = errors.New("document already exists")
	// ErrInvalidDocument is returned when a backend cannot represent a value.
	ErrInvalidDocument = errors.New("invalid document")
)

// Backend names a storage implementation.
type Backend string

const (
	BackendAuto      Backend = "auto"
	BackendFirestore Backend = "firestore"
	BackendSQLite    Backend = "sqlite"
	BackendMemory    Backend = "memory"
)

// Document is a schemaless set of fields stored under a document id.
type Document map[string]any

// Snapshot is a document read back together with its id.
type Snapshot struct {
	ID   string
	Data Document
}

type serverTimestamp struct{}

// ServerTimestamp is a field value placeholder that the backend replaces with
// its own write time.
var ServerTimestamp any = serverTimestamp{}

// Store is the document store the state manager writes through.
type Store interface {
	// Merge creates the document or merges fields into an existing one.
	Merge(ctx context.Context, collection, id string, doc Document) error

	// Update sets fields on an existing document. Returns ErrNotFound if absent.
	Update(ctx context.Context, collection, id string, fields Document) error

	// Get returns a copy of the document. Returns ErrNotFound if absent.
	Get(ctx context.Context, collection, id string) (Document, error)

	// Create writes a new document under id. Returns ErrAlreadyExists if taken.
	Create(ctx context.Context, collection, id string, doc Document) error

	// Append writes a new document under a generated id and returns that id.
	Append(ctx context.Context, collection string, doc Document) (string, error)

	// Query returns documents whose top-level field equals value, oldest first.
	// A non-positive limit returns all matches.
	Query(ctx context.Context, collection, field string, value any, limit int) ([]Snapshot, error)

	// Close releases the underlying connection.
	Close() error
}

// resolveTimestamps returns a deep copy of doc with every ServerTimestamp
// replaced by now.
func resolveTimestamps(doc Document, now time.Time) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch val := v.(type) {
	case serverTimestamp:
		return now
	case map[string]any:
		return map[string]any(resolveTimestamps(Document(val), now))
	case Document:
		return resolveTimestamps(val, now)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, now)
		}
		return out
	default:
		return v
	}
}

// mergeInto copies src onto dst. Nested maps are merged field by field, the
// same way a merge-all write behaves on the remote store.
func mergeInto(dst, src Document) {
	for k, v := range src {
		srcMap, srcIsMap := asMap(v)
		dstMap, dstIsMap := asMap(dst[k])
		if srcIsMap && dstIsMap {
			merged := cloneDocument(dstMap)
			mergeInto(merged, srcMap)
			dst[k] = map[string]any(merged)
			continue
		}
		dst[k] = v
	}
}

func asMap(v any) (Document, bool) {
	switch val := v.(type) {
	case map[string]any:
		return Document(val), true
	case Document:
		return val, true
	default:
		return nil, false
	}
}

func cloneDocument(doc Document) Document {
	if doc == nil {
		return Document{}
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(cloneDocument(Document(val)))
	case Document:
		return cloneDocument(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
