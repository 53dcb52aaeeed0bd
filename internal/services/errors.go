package services

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
)

var (
	ErrInvalidToken        = errors.New("invalid or expired token")
	ErrAlreadyUsed         = errors.New("token already used")
	ErrNotLinked           = errors.New("account not linked")
	ErrActorAlreadyLinked  = errors.New("actor already linked to another account")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrTransactionConflict = errors.New("transaction conflict")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrRejectedData        = errors.New("store rejected the data")
)

// SQLSTATE codes that mean "retry the transaction".
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// SQLSTATE classes for bad input: data exceptions and integrity violations.
const (
	pqClassDataException      = "22"
	pqClassIntegrityViolation = "23"
)

// storeError classifies a database failure into the public taxonomy while
// keeping the original error reachable through errors.Is / errors.As.
// A unique violation means a concurrent writer claimed the key first, so it
// is a conflict; every other data or integrity failure is permanent.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == pqSerializationFailure, pqErr.Code == pqDeadlockDetected,
			pqErr.Code == pqUniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, ErrTransactionConflict, err)
		case pqErr.Code.Class() == pqClassDataException, pqErr.Code.Class() == pqClassIntegrityViolation:
			return fmt.Errorf("%s: %w: %w", op, ErrRejectedData, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// isTransient reports whether retrying the same store call may succeed.
// Constraint and syntax failures from Postgres are permanent.
func isTransient(err error) bool {
	if errors.Is(err, ErrTransactionConflict) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, ErrRejectedData) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58":
			return true
		default:
			return false
		}
	}
	return true
}

// UserMessage turns any error from the core into one line fit for a player.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidToken):
		return "Invalid or expired token."
	case errors.Is(err, ErrAlreadyUsed):
		return "This token has already been used."
	case errors.Is(err, ErrActorAlreadyLinked):
		return "This character is already linked to another account."
	case errors.Is(err, ErrNotLinked):
		return "Sync failed, account not linked."
	case errors.Is(err, ErrInsufficientBalance):
		return "Insufficient balance."
	case errors.Is(err, ErrInvalidAmount):
		return "Amount must be positive."
	case errors.Is(err, ErrTransactionConflict):
		return "The ledger is busy, please try again."
	case errors.Is(err, ErrRejectedData):
		return "That could not be saved, please contact an admin."
	default:
		return "Storage is unavailable, please try again later."
	}
}
