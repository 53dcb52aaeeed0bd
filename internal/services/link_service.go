package services

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/mallardlabs/matsledger/internal/audit"
	"github.com/mallardlabs/matsledger/internal/config"
	"github.com/mallardlabs/matsledger/internal/models"
)

const maxLinkAttempts = 3

// AccountLinker binds an external identity to an actor by consuming a
// one-time token. Token lookup, binding, token consumption and ledger row
// creation commit together or not at all; a failed attempt leaves the token
// pending.
type AccountLinker struct {
	db      *sql.DB
	ledger  accountInitializer
	policy  config.RelinkPolicy
	timeout time.Duration
	audit   *audit.AuditLogger
	now     func() time.Time
}

func NewAccountLinker(db *sql.DB, ledger accountInitializer, policy config.RelinkPolicy, timeout time.Duration, auditLogger *audit.AuditLogger) *AccountLinker {
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger()
	}
	if policy == "" {
		policy = config.RelinkOverwrite
	}
	return &AccountLinker{
		db:      db,
		ledger:  ledger,
		policy:  policy,
		timeout: timeout,
		audit:   auditLogger,
		now:     time.Now,
	}
}

// Link runs the linking protocol, retrying on serialization conflicts.
func (l *AccountLinker) Link(ctx context.Context, actorID, actorName, token string) (*models.LinkedAccount, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	var err error
	for attempt := 1; attempt <= maxLinkAttempts; attempt++ {
		var result *linkResult
		result, err = l.linkOnce(ctx, actorID, actorName, token)
		if err == nil {
			l.auditLink(result)
			return &result.account, nil
		}
		if !errors.Is(err, ErrTransactionConflict) {
			break
		}
		log.Printf("[AccountLinker] Link - conflict for actor %s, attempt %d/%d", actorID, attempt, maxLinkAttempts)
	}

	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrTransactionConflict) ||
		errors.Is(err, ErrRejectedData) {
		l.audit.LogError("link", actorID, err)
	}
	return nil, err
}

type linkResult struct {
	account       models.LinkedAccount
	previousActor string
	replacedIDs   []int64
}

func (l *AccountLinker) linkOnce(ctx context.Context, actorID, actorName, token string) (*linkResult, error) {
	ctx, cancel := withStoreTimeout(ctx, l.timeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeError("begin link", err)
	}
	defer tx.Rollback()

	now := l.now()

	linkToken, err := l.lockToken(ctx, tx, token, now)
	if err != nil {
		return nil, err
	}

	previousActor, replaced, err := l.lockBindings(ctx, tx, linkToken.ExternalID, actorID)
	if err != nil {
		return nil, err
	}

	if len(replaced) > 0 {
		if l.policy == config.RelinkReject {
			return nil, ErrActorAlreadyLinked
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM linked_accounts WHERE actor_id = $1 AND external_id <> $2`,
			actorID, linkToken.ExternalID); err != nil {
			return nil, storeError("unlink previous identity", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO linked_accounts (external_id, actor_id, actor_name, verified, linked_at)
		VALUES ($1, $2, $3, TRUE, $4)
		ON CONFLICT (external_id) DO UPDATE
		SET actor_id = EXCLUDED.actor_id, actor_name = EXCLUDED.actor_name,
			verified = TRUE, linked_at = EXCLUDED.linked_at`,
		linkToken.ExternalID, actorID, actorName, now); err != nil {
		return nil, storeError("bind linked account", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE pending_tokens
		SET status = 'used', used_at = $2
		WHERE token = $1 AND status = 'pending'`,
		token, now)
	if err != nil {
		return nil, storeError("consume token", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, storeError("consume token", err)
	} else if n != 1 {
		return nil, ErrAlreadyUsed
	}

	if err := l.ledger.InitializeAccountTx(ctx, tx, actorID); err != nil {
		return nil, storeError("initialize ledger account", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storeError("commit link", err)
	}

	return &linkResult{
		account: models.LinkedAccount{
			ExternalID: linkToken.ExternalID,
			ActorID:    actorID,
			ActorName:  actorName,
			Verified:   true,
			LinkedAt:   now,
		},
		previousActor: previousActor,
		replacedIDs:   replaced,
	}, nil
}

func (l *AccountLinker) lockToken(ctx context.Context, tx *sql.Tx, token string, now time.Time) (*models.LinkToken, error) {
	var (
		lt        models.LinkToken
		expiresAt sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT token, external_id, status, expires_at
		FROM pending_tokens
		WHERE token = $1
		FOR UPDATE`, token).Scan(&lt.Token, &lt.ExternalID, &lt.Status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, storeError("lookup token", err)
	}
	if expiresAt.Valid {
		lt.ExpiresAt = &expiresAt.Time
	}

	switch {
	case lt.Status == models.TokenUsed:
		return nil, ErrAlreadyUsed
	case lt.Status != models.TokenPending:
		return nil, ErrInvalidToken
	case lt.Expired(now):
		return nil, ErrInvalidToken
	}
	return &lt, nil
}

// lockBindings locks existing rows for the identity and the actor. It returns
// the actor currently bound to externalID and the other identities currently
// bound to actorID.
func (l *AccountLinker) lockBindings(ctx context.Context, tx *sql.Tx, externalID int64, actorID string) (string, []int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT external_id, actor_id
		FROM linked_accounts
		WHERE external_id = $1 OR actor_id = $2
		FOR UPDATE`, externalID, actorID)
	if err != nil {
		return "", nil, storeError("lock linked accounts", err)
	}
	defer rows.Close()

	var (
		previousActor string
		replaced      []int64
	)
	for rows.Next() {
		var (
			ext   int64
			actor string
		)
		if err := rows.Scan(&ext, &actor); err != nil {
			return "", nil, storeError("scan linked account", err)
		}
		if ext == externalID {
			previousActor = actor
		} else if actor == actorID {
			replaced = append(replaced, ext)
		}
	}
	if err := rows.Err(); err != nil {
		return "", nil, storeError("lock linked accounts", err)
	}
	return previousActor, replaced, nil
}

func (l *AccountLinker) auditLink(r *linkResult) {
	l.audit.LogLink(r.account.ActorID, r.account.ExternalID, "SUCCESS")
	if r.previousActor != "" && r.previousActor != r.account.ActorID {
		l.audit.LogRelink(r.account.ExternalID, r.previousActor, r.account.ActorID)
	}
	for _, ext := range r.replacedIDs {
		l.audit.LogRelink(ext, r.account.ActorID, r.account.ActorID)
	}
}
