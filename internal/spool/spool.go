// Package spool keeps harvest batches that could not be written to Postgres
// after all retries, so they can be replayed once the store is reachable.
//
// Batches are stored in a local SQLite file as snappy compressed JSON. A
// batch leaves the spool only after a replay wrote it successfully. Batches
// the store keeps rejecting are dead-lettered: they stay in the file for an
// operator but are no longer returned by Pending.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/mallardlabs/matsledger/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Batch is one spooled group of harvest events.
type Batch struct {
	ID        int64
	BatchID   string
	Reason    string
	Attempts  int
	CreatedAt time.Time
	DeadAt    *time.Time
	Events    []models.HarvestEvent
}

// Spool is a SQLite backed fallback log.
type Spool struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the spool at path. Use ":memory:" in tests.
func Open(path string) (*Spool, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	s := &Spool{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate spool: %w", err)
	}
	return s, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) migrate() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS spooled_batches (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id   TEXT NOT NULL,
		reason     TEXT NOT NULL,
		attempts   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		payload    BLOB NOT NULL,
		dead_at    TEXT
	);`); err != nil {
		return err
	}

	// spool files written before dead-lettering existed lack the column
	if _, err := s.db.Exec(`ALTER TABLE spooled_batches ADD COLUMN dead_at TEXT`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column name") {
		return err
	}
	return nil
}

// Append persists a batch. The caller keeps ownership of events.
func (s *Spool) Append(ctx context.Context, batchID string, events []models.HarvestEvent, reason string) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spooled_batches (batch_id, reason, attempts, created_at, payload)
		VALUES (?, ?, 0, ?, ?)`,
		batchID, reason, time.Now().UTC().Format(time.RFC3339Nano), snappy.Encode(nil, payload))
	if err != nil {
		return fmt.Errorf("failed to spool batch %s: %w", batchID, err)
	}
	return nil
}

// Pending returns up to limit live batches, oldest first.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Batch, error) {
	return s.query(ctx, "dead_at IS NULL", limit)
}

// DeadLettered returns up to limit dead-lettered batches, oldest first.
func (s *Spool) DeadLettered(ctx context.Context, limit int) ([]Batch, error) {
	return s.query(ctx, "dead_at IS NOT NULL", limit)
}

func (s *Spool) query(ctx context.Context, where string, limit int) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, reason, attempts, created_at, dead_at, payload
		FROM spooled_batches
		WHERE `+where+`
		ORDER BY id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var (
			b         Batch
			createdAt string
			deadAt    sql.NullString
			payload   []byte
		)
		if err := rows.Scan(&b.ID, &b.BatchID, &b.Reason, &b.Attempts, &createdAt, &deadAt, &payload); err != nil {
			return nil, err
		}
		b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if deadAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, deadAt.String); err == nil {
				b.DeadAt = &t
			}
		}

		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("corrupt spool entry %d: %w", b.ID, err)
		}
		if err := json.Unmarshal(raw, &b.Events); err != nil {
			return nil, fmt.Errorf("corrupt spool entry %d: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// Remove deletes a batch after it has been written to the store.
func (s *Spool) Remove(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM spooled_batches WHERE id = ?`, id)
	return err
}

// MarkAttempt bumps the replay attempt counter of a batch.
func (s *Spool) MarkAttempt(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE spooled_batches SET attempts = attempts + 1 WHERE id = ?`, id)
	return err
}

// DeadLetter takes a batch out of replay and records why.
func (s *Spool) DeadLetter(ctx context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE spooled_batches SET dead_at = ?, reason = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), reason, id)
	return err
}

// Len returns the number of batches still waiting for replay.
func (s *Spool) Len(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spooled_batches WHERE dead_at IS NULL`).Scan(&n)
	return n, err
}
