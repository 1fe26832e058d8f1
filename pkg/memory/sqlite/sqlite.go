// Package sqlite persists long-term memory tiers in a single SQLite file.
//
// One Store holds every tier in a shared table; Backend returns a view
// scoped to one tier kind that satisfies memory.Backend. Metadata is stored
// as JSON, so numeric values come back as float64.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
	_ "modernc.org/sqlite"
)

// Store owns the database connection shared by all tier backends.
// It uses a single connection (SetMaxOpenConns(1)) so SQLite's internal
// serialization handles concurrency.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	refs   int // open handles, including the Store itself
	closed bool
}

// Open creates or opens a SQLite database. Use ":memory:" for a
// process-local database or a file path for persistence.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// PRAGMAs are per-connection and ":memory:" databases are per-connection
	// too, so pin to a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	s := &Store{db: db, refs: 1}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_items (
		id         TEXT PRIMARY KEY,
		tier       TEXT NOT NULL,
		content    TEXT NOT NULL,
		owner_id   TEXT NOT NULL DEFAULT '',
		importance REAL NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_items_tier ON memory_items(tier);
	CREATE INDEX IF NOT EXISTS idx_memory_items_owner ON memory_items(tier, owner_id);
	CREATE INDEX IF NOT EXISTS idx_memory_items_created ON memory_items(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Backend returns a memory.Backend scoped to kind. The database is closed
// once the Store and every Backend handed out have been closed.
func (s *Store) Backend(kind memory.TierKind) *Backend {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	return &Backend{store: s, kind: kind}
}

// Close releases the Store's own reference to the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.release()
}

func (s *Store) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	return s.db.Close()
}

// Backend is a tier-scoped view of a Store.
type Backend struct {
	store  *Store
	kind   memory.TierKind
	closed bool
}

var _ memory.Backend = (*Backend)(nil)

func (b *Backend) Name() string { return "sqlite" }

func (b *Backend) Put(ctx context.Context, item memory.Item) error {
	metaJSON, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if item.Metadata == nil {
		metaJSON = []byte("{}")
	}
	// The upsert only touches rows of this tier; an id held by another
	// tier leaves the table unchanged and is reported below.
	res, err := b.store.db.ExecContext(ctx,
		`INSERT INTO memory_items (id, tier, content, owner_id, importance, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			owner_id = excluded.owner_id,
			importance = excluded.importance,
			metadata = excluded.metadata,
			created_at = excluded.created_at
		 WHERE memory_items.tier = excluded.tier`,
		item.ID, string(b.kind), item.Content, item.OwnerID, item.Importance,
		string(metaJSON), item.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &memory.ValidationError{
			Field:  "id",
			Reason: fmt.Sprintf("id %s is held by another tier", item.ID),
			Err:    memory.ErrInvalidValue,
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, id string) (memory.Item, bool, error) {
	row := b.store.db.QueryRowContext(ctx,
		`SELECT id, content, owner_id, importance, metadata, created_at
		 FROM memory_items WHERE id = ? AND tier = ?`, id, string(b.kind))
	it, err := b.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return memory.Item{}, false, nil
	}
	if err != nil {
		return memory.Item{}, false, err
	}
	return it, true, nil
}

func (b *Backend) Delete(ctx context.Context, id string) (bool, error) {
	res, err := b.store.db.ExecContext(ctx,
		"DELETE FROM memory_items WHERE id = ? AND tier = ?", id, string(b.kind))
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Search returns every item of the tier that passes the owner and
// importance filters. Scoring happens in the tier.
func (b *Backend) Search(ctx context.Context, req memory.SearchRequest) ([]memory.Candidate, error) {
	items, err := b.query(ctx,
		`SELECT id, content, owner_id, importance, metadata, created_at
		 FROM memory_items
		 WHERE tier = ? AND (? = '' OR owner_id = ?) AND importance >= ?
		 ORDER BY rowid`,
		string(b.kind), req.OwnerID, req.OwnerID, req.MinImportance)
	if err != nil {
		return nil, err
	}
	out := make([]memory.Candidate, len(items))
	for i, it := range items {
		out[i] = memory.Candidate{Item: it}
	}
	return out, nil
}

func (b *Backend) List(ctx context.Context) ([]memory.Item, error) {
	return b.query(ctx,
		`SELECT id, content, owner_id, importance, metadata, created_at
		 FROM memory_items WHERE tier = ? ORDER BY rowid`, string(b.kind))
}

func (b *Backend) Count(ctx context.Context) (int, error) {
	var n int
	err := b.store.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM memory_items WHERE tier = ?", string(b.kind)).Scan(&n)
	return n, err
}

func (b *Backend) Clear(ctx context.Context) error {
	_, err := b.store.db.ExecContext(ctx, "DELETE FROM memory_items WHERE tier = ?", string(b.kind))
	if err != nil {
		return fmt.Errorf("clear tier: %w", err)
	}
	return nil
}

// Close releases this backend's reference to the Store. It is idempotent.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.store.release()
}

// query scans all rows and closes the result set before returning, so the
// single connection is free for the next statement.
func (b *Backend) query(ctx context.Context, q string, args ...interface{}) ([]memory.Item, error) {
	rows, err := b.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []memory.Item
	for rows.Next() {
		it, err := b.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (b *Backend) scan(row scanner) (memory.Item, error) {
	var (
		it        memory.Item
		metaJSON  string
		createdAt string
	)
	if err := row.Scan(&it.ID, &it.Content, &it.OwnerID, &it.Importance, &metaJSON, &createdAt); err != nil {
		return memory.Item{}, err
	}
	it.Kind = b.kind
	if metaJSON != "" && metaJSON != "{}" && metaJSON != "null" {
		if err := json.Unmarshal([]byte(metaJSON), &it.Metadata); err != nil {
			return memory.Item{}, fmt.Errorf("decode metadata for %s: %w", it.ID, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return memory.Item{}, fmt.Errorf("parse created_at for %s: %w", it.ID, err)
	}
	it.CreatedAt = t
	return it, nil
}
