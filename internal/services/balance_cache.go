package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/spaolacci/murmur3"
)

const mirrorShards = 16

// BalanceReader is the part of the ledger the cache syncs from.
type BalanceReader interface {
	GetBalance(ctx context.Context, actorID string) (int64, error)
	LinkedAccountForActor(ctx context.Context, actorID string) (*models.LinkedAccount, error)
}

type mirrorShard struct {
	mu    sync.RWMutex
	views map[string]models.BalanceView
}

// BalanceCache holds the last known balance per actor for display. It is
// never the source of truth: values come from the ledger after a credit, on
// session sync and from change notifications. Redis is shared across server
// processes; the in-process mirror answers when redis is absent or failing.
type BalanceCache struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	shards [mirrorShards]*mirrorShard
	now    func() time.Time
}

// NewBalanceCache builds a cache. A nil redis client runs on the mirror only.
func NewBalanceCache(redisClient *redis.Client, prefix string, ttl time.Duration) *BalanceCache {
	c := &BalanceCache{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &mirrorShard{views: make(map[string]models.BalanceView)}
	}
	return c
}

func (c *BalanceCache) key(actorID string) string {
	return c.prefix + actorID
}

func (c *BalanceCache) shard(actorID string) *mirrorShard {
	return c.shards[murmur3.Sum32([]byte(actorID))%mirrorShards]
}

// Get returns the cached view for an actor.
func (c *BalanceCache) Get(ctx context.Context, actorID string) (models.BalanceView, bool) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.key(actorID)).Bytes()
		switch {
		case err == nil:
			var view models.BalanceView
			if err := json.Unmarshal(data, &view); err == nil {
				c.storeMirror(view)
				return view, true
			}
			log.Printf("[BalanceCache] Get - corrupt entry for %s", actorID)
		case errors.Is(err, redis.Nil):
		default:
			log.Printf("[BalanceCache] Get - redis unavailable, using mirror: %v", err)
		}
	}
	return c.loadMirror(actorID)
}

// Set records a balance read from the ledger, keeping the actor's known link
// state. The shared redis entry wins over the local mirror, which may never
// have seen the actor or may predate a link made by another process.
func (c *BalanceCache) Set(ctx context.Context, actorID string, balance int64) models.BalanceView {
	prev, _ := c.Get(ctx, actorID)
	view := models.BalanceView{
		ActorID:  actorID,
		Balance:  balance,
		Linked:   prev.Linked,
		SyncedAt: c.now(),
	}
	c.Put(ctx, view)
	return view
}

// MarkUnlinked records that the actor has no verified binding.
func (c *BalanceCache) MarkUnlinked(ctx context.Context, actorID string) models.BalanceView {
	prev, _ := c.Get(ctx, actorID)
	view := models.BalanceView{
		ActorID:  actorID,
		Balance:  prev.Balance,
		Linked:   false,
		SyncedAt: c.now(),
	}
	c.Put(ctx, view)
	return view
}

// SyncFrom refreshes the actor's entry from the ledger. An actor without a
// verified binding is marked unlinked and ErrNotLinked is returned with the view.
func (c *BalanceCache) SyncFrom(ctx context.Context, store BalanceReader, actorID string) (models.BalanceView, error) {
	if _, err := store.LinkedAccountForActor(ctx, actorID); err != nil {
		if errors.Is(err, ErrNotLinked) {
			return c.MarkUnlinked(ctx, actorID), ErrNotLinked
		}
		return models.BalanceView{}, err
	}

	balance, err := store.GetBalance(ctx, actorID)
	if err != nil {
		return models.BalanceView{}, err
	}

	view := models.BalanceView{
		ActorID:  actorID,
		Balance:  balance,
		Linked:   true,
		SyncedAt: c.now(),
	}
	c.Put(ctx, view)
	return view, nil
}

// Put writes a complete view to redis and the mirror.
func (c *BalanceCache) Put(ctx context.Context, view models.BalanceView) {
	c.storeMirror(view)
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(view.ActorID), data, c.ttl).Err(); err != nil {
		log.Printf("[BalanceCache] Put - failed to write %s to redis: %v", view.ActorID, err)
	}
}

func (c *BalanceCache) storeMirror(view models.BalanceView) {
	s := c.shard(view.ActorID)
	s.mu.Lock()
	s.views[view.ActorID] = view
	s.mu.Unlock()
}

func (c *BalanceCache) loadMirror(actorID string) (models.BalanceView, bool) {
	s := c.shard(actorID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.views[actorID]
	return view, ok
}
