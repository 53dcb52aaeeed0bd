package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mallardlabs/matsledger/internal/models"
)

// postgres caps bind parameters at 65535 per statement
const maxUpsertRows = 65535 / harvestColumns

const harvestColumns = 5

// Flusher writes a batch of harvest events to durable storage.
type Flusher interface {
	Flush(ctx context.Context, events []models.HarvestEvent) (int64, error)
}

// BatchFlusher upserts harvest events keyed by fingerprint in one transaction.
type BatchFlusher struct {
	db      *sql.DB
	timeout time.Duration
}

func NewBatchFlusher(db *sql.DB, timeout time.Duration) *BatchFlusher {
	return &BatchFlusher{db: db, timeout: timeout}
}

// Flush writes the whole batch or nothing. A fingerprint seen before only has
// its last_observed_at moved forward.
func (f *BatchFlusher) Flush(ctx context.Context, events []models.HarvestEvent) (int64, error) {
	rows := collapseByFingerprint(events)
	if len(rows) == 0 {
		return 0, nil
	}

	ctx, cancel := withStoreTimeout(ctx, f.timeout)
	defer cancel()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin harvest flush", err)
	}
	defer tx.Rollback()

	var affected int64
	for start := 0; start < len(rows); start += maxUpsertRows {
		end := min(start+maxUpsertRows, len(rows))
		n, err := upsertHarvestRows(ctx, tx, rows[start:end])
		if err != nil {
			return 0, storeError("upsert harvest events", err)
		}
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError("commit harvest flush", err)
	}

	log.Printf("[BatchFlusher] Flush - %d events, %d rows affected", len(events), affected)
	return affected, nil
}

type harvestRow struct {
	fingerprint string
	event       models.HarvestEvent
}

// collapseByFingerprint keeps one row per fingerprint in first-seen order,
// carrying the last delivery. ON CONFLICT cannot touch a key twice in one
// statement.
func collapseByFingerprint(events []models.HarvestEvent) []harvestRow {
	index := make(map[string]int, len(events))
	rows := make([]harvestRow, 0, len(events))
	for _, ev := range events {
		fp := Fingerprint(ev)
		if i, ok := index[fp]; ok {
			rows[i].event = ev
			continue
		}
		index[fp] = len(rows)
		rows = append(rows, harvestRow{fingerprint: fp, event: ev})
	}
	return rows
}

func upsertHarvestRows(ctx context.Context, tx *sql.Tx, rows []harvestRow) (int64, error) {
	valueStrings := make([]string, 0, len(rows))
	valueArgs := make([]any, 0, len(rows)*harvestColumns)

	for i, row := range rows {
		base := i * harvestColumns
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+5))
		valueArgs = append(valueArgs,
			row.fingerprint,
			row.event.ActorID,
			string(row.event.Kind),
			row.event.Location.JSON(),
			row.event.ObservedAt.UTC(),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO harvest_events (fingerprint, actor_id, resource_kind, position, first_observed_at, last_observed_at)
		VALUES %s
		ON CONFLICT (fingerprint) DO UPDATE
		SET last_observed_at = EXCLUDED.last_observed_at`,
		strings.Join(valueStrings, ", "),
	)

	result, err := tx.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// withStoreTimeout bounds one store interaction; expiry surfaces as
// context.DeadlineExceeded which storeError reports as unavailable.
func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
