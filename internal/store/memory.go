package store

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore keeps documents in-memory and guards access with a RWMutex.
// It is the placeholder used when no remote store is reachable; nothing
// survives a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
	clock       func() time.Time
}

type memoryCollection struct {
	docs  map[string]Document
	order []string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source used for server timestamps.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = clock
	}
}

// NewMemoryStore returns an empty placeholder store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		collections: make(map[string]*memoryCollection),
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Merge(ctx context.Context, collection, id string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved := resolveTimestamps(doc, s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	existing, ok := c.docs[id]
	if !ok {
		c.insert(id, resolved)
		return nil
	}
	mergeInto(existing, resolved)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved := resolveTimestamps(fields, s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.collection(collection).docs[id]
	if !ok {
		return ErrNotFound
	}
	for k, v := range resolved {
		existing[k] = v
	}
	return nil
}

// Get returns a defensive copy of the stored document.
func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (s *MemoryStore) Create(ctx context.Context, collection, id string, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resolved := resolveTimestamps(doc, s.clock())

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(collection)
	if _, ok := c.docs[id]; ok {
		return ErrAlreadyExists
	}
	c.insert(id, resolved)
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, collection string, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resolved := resolveTimestamps(doc, s.clock())
	id := ulid.Make().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collection(collection).insert(id, resolved)
	return id, nil
}

func (s *MemoryStore) Query(ctx context.Context, collection, field string, value any, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return []Snapshot{}, nil
	}

	out := make([]Snapshot, 0)
	for _, id := range c.order {
		doc := c.docs[id]
		if !reflect.DeepEqual(doc[field], value) {
			continue
		}
		out = append(out, Snapshot{ID: id, Data: cloneDocument(doc)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op; the placeholder holds no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

// collection must be called with s.mu held for writing.
func (s *MemoryStore) collection(name string) *memoryCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memoryCollection{docs: make(map[string]Document)}
		s.collections[name] = c
	}
	return c
}

func (c *memoryCollection) insert(id string, doc Document) {
	c.docs[id] = doc
	c.order = append(c.order, id)
}
