package services

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mallardlabs/matsledger/internal/audit"
	"github.com/mallardlabs/matsledger/internal/models"
)

// LedgerStore is the system of record for balances and linked identities.
type LedgerStore interface {
	GetBalance(ctx context.Context, actorID string) (int64, error)
	Credit(ctx context.Context, actorID string, amount int64, reason string) (int64, error)
	Debit(ctx context.Context, actorID string, amount int64, reason string) (int64, error)
	InitializeAccount(ctx context.Context, actorID string) error
	LinkedAccountForActor(ctx context.Context, actorID string) (*models.LinkedAccount, error)
}

// accountInitializer lets the linker create the ledger row inside its own transaction.
type accountInitializer interface {
	InitializeAccountTx(ctx context.Context, tx *sql.Tx, actorID string) error
}

type LedgerService struct {
	db      *sql.DB
	timeout time.Duration
	audit   *audit.AuditLogger
	now     func() time.Time
}

func NewLedgerService(db *sql.DB, timeout time.Duration, auditLogger *audit.AuditLogger) *LedgerService {
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger()
	}
	return &LedgerService{
		db:      db,
		timeout: timeout,
		audit:   auditLogger,
		now:     time.Now,
	}
}

// GetBalance returns 0 for an actor without a ledger row.
func (s *LedgerService) GetBalance(ctx context.Context, actorID string) (int64, error) {
	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance FROM ledger_accounts WHERE actor_id = $1`, actorID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, storeError("get balance", err)
	}
	return balance, nil
}

// Credit adds amount in a single atomic upsert; concurrent credits to one
// actor serialize on the row lock, so no increment is lost. The ledger row is
// created on first credit.
func (s *LedgerService) Credit(ctx context.Context, actorID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin credit", err)
	}
	defer tx.Rollback()

	now := s.now()
	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_accounts (actor_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_id) DO UPDATE
		SET balance = ledger_accounts.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		RETURNING balance`,
		actorID, amount, now).Scan(&balance)
	if err != nil {
		return 0, storeError("credit balance", err)
	}

	if err := s.createLedgerEntry(ctx, tx, actorID, amount, models.EntryCredit, balance, reason, now); err != nil {
		return 0, storeError("journal credit", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError("commit credit", err)
	}

	s.audit.LogCredit(actorID, amount, balance, reason)
	return balance, nil
}

// Debit subtracts amount unless that would take the balance below zero.
func (s *LedgerService) Debit(ctx context.Context, actorID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeError("begin debit", err)
	}
	defer tx.Rollback()

	now := s.now()
	var balance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_accounts
		SET balance = balance - $1, updated_at = $2
		WHERE actor_id = $3 AND balance >= $1
		RETURNING balance`,
		amount, now, actorID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrInsufficientBalance
	}
	if err != nil {
		return 0, storeError("debit balance", err)
	}

	if err := s.createLedgerEntry(ctx, tx, actorID, -amount, models.EntryDebit, balance, reason, now); err != nil {
		return 0, storeError("journal debit", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeError("commit debit", err)
	}
	return balance, nil
}

// InitializeAccount creates a zero balance row; existing rows are untouched.
func (s *LedgerService) InitializeAccount(ctx context.Context, actorID string) error {
	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, initializeAccountSQL, actorID, s.now()); err != nil {
		return storeError("initialize account", err)
	}
	return nil
}

func (s *LedgerService) InitializeAccountTx(ctx context.Context, tx *sql.Tx, actorID string) error {
	_, err := tx.ExecContext(ctx, initializeAccountSQL, actorID, s.now())
	return err
}

const initializeAccountSQL = `
	INSERT INTO ledger_accounts (actor_id, balance, updated_at)
	VALUES ($1, 0, $2)
	ON CONFLICT (actor_id) DO NOTHING`

// LinkedAccountForActor returns ErrNotLinked when no verified binding exists.
func (s *LedgerService) LinkedAccountForActor(ctx context.Context, actorID string) (*models.LinkedAccount, error) {
	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	var acct models.LinkedAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT external_id, actor_id, actor_name, verified, linked_at
		FROM linked_accounts
		WHERE actor_id = $1`, actorID).
		Scan(&acct.ExternalID, &acct.ActorID, &acct.ActorName, &acct.Verified, &acct.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotLinked
	}
	if err != nil {
		return nil, storeError("lookup linked account", err)
	}
	if !acct.Verified {
		return nil, ErrNotLinked
	}
	return &acct, nil
}

// Entries returns the most recent journal lines for an actor, newest first.
func (s *LedgerService) Entries(ctx context.Context, actorID string, limit int) ([]models.LedgerEntry, error) {
	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, amount, entry_type, balance, reason, created_at
		FROM ledger_entries
		WHERE actor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, storeError("list ledger entries", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Amount, &e.EntryType, &e.Balance, &e.Reason, &e.CreatedAt); err != nil {
			return nil, storeError("scan ledger entry", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("list ledger entries", err)
	}
	return entries, nil
}

func (s *LedgerService) createLedgerEntry(ctx context.Context, tx *sql.Tx, actorID string, amount int64, entryType models.EntryType, balance int64, reason string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (actor_id, amount, entry_type, balance, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		actorID, amount, string(entryType), balance, reason, at)
	return err
}
