package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mallardlabs/matsledger/internal/models"
)

type DisplayKind string

const (
	DisplayBalance DisplayKind = "balance"
	DisplayNotice  DisplayKind = "notice"
)

// DisplayMessage is what the game server overlay receives for one actor.
type DisplayMessage struct {
	Kind    DisplayKind `json:"kind"`
	ActorID string      `json:"actorId"`
	Balance int64       `json:"balance,omitempty"`
	Linked  bool        `json:"linked"`
	Text    string      `json:"text"`
	SentAt  time.Time   `json:"sentAt"`
}

// BalanceDisplay pushes balances and short notices to an actor's overlay.
type BalanceDisplay interface {
	ShowBalance(ctx context.Context, view models.BalanceView) error
	Notify(ctx context.Context, actorID, text string) error
}

// NewBalanceDisplay publishes on channel when redis is available and logs otherwise.
func NewBalanceDisplay(redisClient *redis.Client, channel, currency string) BalanceDisplay {
	if redisClient == nil {
		log.Println("[BalanceDisplay] redis unavailable, display messages will be logged only")
		return &LogDisplay{currency: currency}
	}
	return &RedisDisplay{redis: redisClient, channel: channel, currency: currency, now: time.Now}
}

type RedisDisplay struct {
	redis    *redis.Client
	channel  string
	currency string
	now      func() time.Time
}

func (d *RedisDisplay) ShowBalance(ctx context.Context, view models.BalanceView) error {
	return d.publish(ctx, DisplayMessage{
		Kind:    DisplayBalance,
		ActorID: view.ActorID,
		Balance: view.Balance,
		Linked:  view.Linked,
		Text:    balanceText(view.Balance, d.currency),
	})
}

func (d *RedisDisplay) Notify(ctx context.Context, actorID, text string) error {
	return d.publish(ctx, DisplayMessage{Kind: DisplayNotice, ActorID: actorID, Text: text})
}

func (d *RedisDisplay) publish(ctx context.Context, msg DisplayMessage) error {
	msg.SentAt = d.now()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode display message: %w", err)
	}
	if err := d.redis.Publish(ctx, d.channel, data).Err(); err != nil {
		log.Printf("[RedisDisplay] publish - %s for %s not delivered: %v", msg.Kind, msg.ActorID, err)
		return fmt.Errorf("failed to publish display message: %w", err)
	}
	return nil
}

type LogDisplay struct {
	currency string
}

func (d *LogDisplay) ShowBalance(_ context.Context, view models.BalanceView) error {
	log.Printf("[LogDisplay] %s: %s", view.ActorID, balanceText(view.Balance, d.currency))
	return nil
}

func (d *LogDisplay) Notify(_ context.Context, actorID, text string) error {
	log.Printf("[LogDisplay] %s: %s", actorID, text)
	return nil
}

func balanceText(balance int64, currency string) string {
	return fmt.Sprintf("Your Balance: %d %s", balance, currency)
}
