package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds connection parameters for the hosted document store.
type FirestoreConfig struct {
	ProjectID string
	// CredentialsPath points at a service account key. Empty means ambient
	// application default credentials.
	CredentialsPath string
}

// FirestoreStore implements Store on Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore connects to Firestore. Errors are returned as-is; the
// caller decides whether running without the remote store is acceptable.
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsPath))
	}

	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}

	client, err := firestore.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	return &FirestoreStore{client: client}, nil
}

func (s *FirestoreStore) Merge(ctx context.Context, collection, id string, doc Document) error {
	data, err := toFirestoreData(doc)
	if err != nil {
		return err
	}
	_, err = s.client.Collection(collection).Doc(id).Set(ctx, data, firestore.MergeAll)
	return classifyFirestoreError(err)
}

func (s *FirestoreStore) Update(ctx context.Context, collection, id string, fields Document) error {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		value, err := toFirestoreValue(v, false)
		if err != nil {
			return err
		}
		updates = append(updates, firestore.Update{
			FieldPath: firestore.FieldPath{k},
			Value:     value,
		})
	}
	_, err := s.client.Collection(collection).Doc(id).Update(ctx, updates)
	return classifyFirestoreError(err)
}

func (s *FirestoreStore) Get(ctx context.Context, collection, id string) (Document, error) {
	snap, err := s.client.Collection(collection).Doc(id).Get(ctx)
	if err != nil {
		return nil, classifyFirestoreError(err)
	}
	return Document(snap.Data()), nil
}

func (s *FirestoreStore) Create(ctx context.Context, collection, id string, doc Document) error {
	data, err := toFirestoreData(doc)
	if err != nil {
		return err
	}
	_, err = s.client.Collection(collection).Doc(id).Create(ctx, data)
	return classifyFirestoreError(err)
}

func (s *FirestoreStore) Append(ctx context.Context, collection string, doc Document) (string, error) {
	data, err := toFirestoreData(doc)
	if err != nil {
		return "", err
	}
	ref, _, err := s.client.Collection(collection).Add(ctx, data)
	if err != nil {
		return "", classifyFirestoreError(err)
	}
	return ref.ID, nil
}

// Query filters on a single field and orders matches by document creation
// time. The whole match set is read and trimmed here, since ordering on a
// second field server-side needs a composite index.
func (s *FirestoreStore) Query(ctx context.Context, collection, field string, value any, limit int) ([]Snapshot, error) {
	q := s.client.Collection(collection).WherePath(firestore.FieldPath{field}, "==", value)

	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, classifyFirestoreError(err)
	}

	matches := make([]createdSnapshot, 0, len(docs))
	for _, d := range docs {
		matches = append(matches, createdSnapshot{
			created:  d.CreateTime,
			Snapshot: Snapshot{ID: d.Ref.ID, Data: Document(d.Data())},
		})
	}
	return oldestFirst(matches, limit), nil
}

// Close closes the client connection.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

type createdSnapshot struct {
	Snapshot
	created time.Time
}

// oldestFirst sorts matches by creation time, ties broken by id, and keeps
// at most limit of them. A non-positive limit keeps all.
func oldestFirst(matches []createdSnapshot, limit int) []Snapshot {
	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].created.Equal(matches[j].created) {
			return matches[i].created.Before(matches[j].created)
		}
		return matches[i].ID < matches[j].ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}

	out := make([]Snapshot, len(matches))
	for i, m := range matches {
		out[i] = m.Snapshot
	}
	return out
}

func toFirestoreData(doc Document) (map[string]any, error) {
	return toFirestoreMap(doc, false)
}

func toFirestoreMap(doc Document, inArray bool) (map[string]any, error) {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		value, err := toFirestoreValue(v, inArray)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = value
	}
	return out, nil
}

// toFirestoreValue maps the timestamp sentinel onto the client's. Firestore
// rejects server timestamps inside arrays.
func toFirestoreValue(v any, inArray bool) (any, error) {
	switch val := v.(type) {
	case serverTimestamp:
		if inArray {
			return nil, fmt.Errorf("%w: server timestamp inside an array", ErrInvalidDocument)
		}
		return firestore.ServerTimestamp, nil
	case map[string]any:
		return toFirestoreMap(Document(val), inArray)
	case Document:
		return toFirestoreMap(val, inArray)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			converted, err := toFirestoreValue(item, true)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		return v, nil
	}
}

// classifyFirestoreError maps gRPC status codes onto the store sentinels and
// keeps the original error in the chain.
func classifyFirestoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	default:
		return err
	}
}
