package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database, one JSON document
// per row. Timestamps round-trip as RFC 3339 strings and numbers as float64.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Read-modify-write merges rely on a single writer connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db: db,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		collection  TEXT NOT NULL,
		id          TEXT NOT NULL,
		data        TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection);
	`)
	return err
}

func (s *SQLiteStore) Merge(ctx context.Context, collection, id string, doc Document) error {
	now := s.clock()
	resolved := resolveTimestamps(doc, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.load(ctx, tx, collection, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.insert(ctx, tx, collection, id, resolved, now); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		mergeInto(existing, resolved)
		if err := s.replace(ctx, tx, collection, id, existing, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fields Document) error {
	now := s.clock()
	resolved := resolveTimestamps(fields, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.load(ctx, tx, collection, id)
	if err != nil {
		return err
	}
	for k, v := range resolved {
		existing[k] = v
	}
	if err := s.replace(ctx, tx, collection, id, existing, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (Document, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return decodeDocument(raw)
}

func (s *SQLiteStore) Create(ctx context.Context, collection, id string, doc Document) error {
	now := s.clock()
	resolved := resolveTimestamps(doc, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&exists)
	if err == nil {
		return ErrAlreadyExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check document: %w", err)
	}
	if err := s.insert(ctx, tx, collection, id, resolved, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) Append(ctx context.Context, collection string, doc Document) (string, error) {
	now := s.clock()
	id := ulid.Make().String()

	if err := s.insert(ctx, s.db, collection, id, resolveTimestamps(doc, now), now); err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQLiteStore) Query(ctx context.Context, collection, field string, value any, limit int) ([]Snapshot, error) {
	if strings.ContainsAny(field, `"\`) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	path := `$."` + field + `"`

	query := `SELECT id, data FROM documents
		 WHERE collection = ? AND json_extract(data, ?) = ?
		 ORDER BY rowid ASC`
	args := []any{collection, path, value}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := make([]Snapshot, 0)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot{ID: id, Data: doc})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) load(ctx context.Context, tx *sql.Tx, collection, id string) (Document, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	return decodeDocument(raw)
}

func (s *SQLiteStore) insert(ctx context.Context, db execer, collection, id string, doc Document, now time.Time) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	ts := now.Format(time.RFC3339Nano)
	_, err = db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		collection, id, string(raw), ts, ts)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) replace(ctx context.Context, tx *sql.Tx, collection, id string, doc Document, now time.Time) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(raw), now.Format(time.RFC3339Nano), collection, id)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func decodeDocument(raw string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}
