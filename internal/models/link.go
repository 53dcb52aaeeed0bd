package models

import "time"

type TokenStatus string

const (
	TokenPending TokenStatus = "pending"
	TokenUsed    TokenStatus = "used"
)

// LinkToken is issued by the external identity system and consumed once by /link.
type LinkToken struct {
	Token      string      `json:"token" db:"token"`
	ExternalID int64       `json:"external_id" db:"external_id"`
	Status     TokenStatus `json:"status" db:"status"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	UsedAt     *time.Time  `json:"used_at,omitempty" db:"used_at"`
}

// Expired reports whether the token carries an expiry that has passed.
func (t LinkToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

type LinkedAccount struct {
	ExternalID int64     `json:"external_id" db:"external_id"`
	ActorID    string    `json:"actor_id" db:"actor_id"`
	ActorName  string    `json:"actor_name" db:"actor_name"`
	Verified   bool      `json:"verified" db:"verified"`
	LinkedAt   time.Time `json:"linked_at" db:"linked_at"`
}

// BalanceView is the display-side mirror of one actor's balance.
type BalanceView struct {
	ActorID  string    `json:"actorId"`
	Balance  int64     `json:"balance"`
	Linked   bool      `json:"linked"`
	SyncedAt time.Time `json:"syncedAt"`
}
