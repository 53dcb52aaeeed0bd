package models

import (
	"time"
)

type EntryType string

const (
	EntryCredit EntryType = "CREDIT"
	EntryDebit  EntryType = "DEBIT"
)

// LedgerEntry is one journal line written alongside every balance mutation.
type LedgerEntry struct {
	ID        int64     `json:"id" db:"id"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Amount    int64     `json:"amount" db:"amount"`
	EntryType EntryType `json:"entry_type" db:"entry_type"`
	Balance   int64     `json:"balance" db:"balance"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerAccount struct {
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Balance   int64     `json:"balance" db:"balance"` // whole Mats, never negative
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
