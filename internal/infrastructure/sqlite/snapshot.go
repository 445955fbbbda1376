// Package sqlite checkpoints the lifecycle engine state to a single SQLite
// table, one JSON blob per bucket.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/drfirst/go-rxcore/internal/lifecycle"
)

const (
	bucketMeta          = "meta"
	bucketPrescriptions = "prescriptions"
	bucketStockLevels   = "stock_levels"
	bucketMovements     = "stock_movements"
	bucketAudit         = "audit_entries"
)

type meta struct {
	TakenAt time.Time `json:"taken_at"`
}

// SnapshotStore implements lifecycle.SnapshotStore.
type SnapshotStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ lifecycle.SnapshotStore = (*SnapshotStore)(nil)

// Open opens (creating if needed) the snapshot database at path.
func Open(ctx context.Context, path string) (*SnapshotStore, error) {
	if path == "" {
		path = "rxcore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &SnapshotStore{db: db, path: path}, nil
}

// Save replaces every bucket in one transaction.
func (s *SnapshotStore) Save(ctx context.Context, snap lifecycle.Snapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := []struct {
		name  string
		value any
	}{
		{bucketMeta, meta{TakenAt: snap.TakenAt}},
		{bucketPrescriptions, snap.Prescriptions},
		{bucketStockLevels, snap.StockLevels},
		{bucketMovements, snap.StockMovements},
		{bucketAudit, snap.AuditEntries},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, b := range buckets {
		data, err := json.Marshal(b.value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", b.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`,
			b.name, data); err != nil {
			return fmt.Errorf("upsert %s: %w", b.name, err)
		}
	}
	return tx.Commit()
}

// Load reads the saved snapshot. ok is false when nothing was saved yet.
func (s *SnapshotStore) Load(ctx context.Context) (lifecycle.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return lifecycle.Snapshot{}, false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snap lifecycle.Snapshot
	found := false
	for rows.Next() {
		var (
			bucket  string
			payload []byte
		)
		if err := rows.Scan(&bucket, &payload); err != nil {
			return lifecycle.Snapshot{}, false, fmt.Errorf("scan: %w", err)
		}
		var target any
		switch bucket {
		case bucketMeta:
			var m meta
			if err := json.Unmarshal(payload, &m); err != nil {
				return lifecycle.Snapshot{}, false, fmt.Errorf("decode %s: %w", bucket, err)
			}
			snap.TakenAt = m.TakenAt
			found = true
			continue
		case bucketPrescriptions:
			target = &snap.Prescriptions
		case bucketStockLevels:
			target = &snap.StockLevels
		case bucketMovements:
			target = &snap.StockMovements
		case bucketAudit:
			target = &snap.AuditEntries
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return lifecycle.Snapshot{}, false, fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return lifecycle.Snapshot{}, false, fmt.Errorf("iterate state: %w", err)
	}
	return snap, found, nil
}

// Path returns the database path.
func (s *SnapshotStore) Path() string { return s.path }

// Close closes the database.
func (s *SnapshotStore) Close() error { return s.db.Close() }
