package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mallardlabs/matsledger/internal/models"
)

const syncNotice = "Sync Your Account..."

// HarvestSink accepts harvest events for batching.
type HarvestSink interface {
	Accept(ctx context.Context, ev models.HarvestEvent) error
}

// PickupResult describes what a pickup did to the actor's balance.
type PickupResult struct {
	Credited bool  `json:"credited"`
	Amount   int64 `json:"amount"`
	Balance  int64 `json:"balance"`
	Linked   bool  `json:"linked"`
}

// GameEventService is the entry point for world events coming from the game
// server: block harvests, item pickups and actors becoming active.
type GameEventService struct {
	collector  HarvestSink
	ledger     LedgerStore
	cache      *BalanceCache
	display    BalanceDisplay
	tracked    map[models.ResourceKind]struct{}
	rewardItem models.ResourceKind
	currency   string
}

func NewGameEventService(collector HarvestSink, ledger LedgerStore, cache *BalanceCache, display BalanceDisplay, tracked []models.ResourceKind, rewardItem models.ResourceKind, currency string) *GameEventService {
	if len(tracked) == 0 {
		tracked = models.DefaultTrackedKinds
	}
	set := make(map[models.ResourceKind]struct{}, len(tracked))
	for _, k := range tracked {
		set[k] = struct{}{}
	}
	return &GameEventService{
		collector:  collector,
		ledger:     ledger,
		cache:      cache,
		display:    display,
		tracked:    set,
		rewardItem: rewardItem,
		currency:   currency,
	}
}

// Tracks reports whether harvests of kind are recorded.
func (s *GameEventService) Tracks(kind models.ResourceKind) bool {
	_, ok := s.tracked[models.NormalizeKind(string(kind))]
	return ok
}

// OnHarvest records a harvest of a tracked kind. It returns false when the
// kind is not tracked and nothing was recorded.
func (s *GameEventService) OnHarvest(ctx context.Context, actorID string, kind models.ResourceKind, loc models.Location, now time.Time) (bool, error) {
	kind = models.NormalizeKind(string(kind))
	if _, ok := s.tracked[kind]; !ok {
		return false, nil
	}
	ev := models.HarvestEvent{
		ActorID:    actorID,
		Kind:       kind,
		Location:   loc,
		ObservedAt: now,
	}
	if err := s.collector.Accept(ctx, ev); err != nil {
		// the event is buffered or spooled, only the batch write failed
		log.Printf("[GameEventService] OnHarvest - batch for %s not written: %v", actorID, err)
		return true, err
	}
	return true, nil
}

// OnPickup credits the ledger when the reward item is picked up. The ledger
// row is created on first credit, linked or not, so nothing picked up before
// linking is lost.
func (s *GameEventService) OnPickup(ctx context.Context, actorID string, kind models.ResourceKind, quantity int64) (*PickupResult, error) {
	if models.NormalizeKind(string(kind)) != s.rewardItem || quantity <= 0 {
		return &PickupResult{}, nil
	}

	balance, err := s.ledger.Credit(ctx, actorID, quantity, "pickup:"+string(s.rewardItem))
	if err != nil {
		log.Printf("[GameEventService] OnPickup - credit failed for %s: %v", actorID, err)
		s.notify(ctx, actorID, UserMessage(err))
		return nil, err
	}

	linked := true
	if _, err := s.ledger.LinkedAccountForActor(ctx, actorID); err != nil {
		if !errors.Is(err, ErrNotLinked) {
			log.Printf("[GameEventService] OnPickup - link lookup failed for %s: %v", actorID, err)
		}
		linked = false
	}

	view := models.BalanceView{ActorID: actorID, Balance: balance, Linked: linked, SyncedAt: time.Now()}
	s.cache.Put(ctx, view)

	s.notify(ctx, actorID, fmt.Sprintf("+ %d %s", quantity, s.currency))
	if linked {
		s.show(ctx, view)
	} else {
		s.notify(ctx, actorID, UserMessage(ErrNotLinked))
	}

	return &PickupResult{Credited: true, Amount: quantity, Balance: balance, Linked: linked}, nil
}

// OnActorActive syncs the actor's balance from the ledger when they join.
func (s *GameEventService) OnActorActive(ctx context.Context, actorID string) (models.BalanceView, error) {
	s.notify(ctx, actorID, syncNotice)

	view, err := s.cache.SyncFrom(ctx, s.ledger, actorID)
	if err != nil {
		if !errors.Is(err, ErrNotLinked) {
			log.Printf("[GameEventService] OnActorActive - sync failed for %s: %v", actorID, err)
		}
		s.notify(ctx, actorID, UserMessage(err))
		return view, err
	}

	s.show(ctx, view)
	s.notify(ctx, actorID, fmt.Sprintf("Your balance has been updated: %d %s", view.Balance, s.currency))
	return view, nil
}

// Balance returns the cached view, syncing from the ledger on a miss.
func (s *GameEventService) Balance(ctx context.Context, actorID string) (models.BalanceView, error) {
	if view, ok := s.cache.Get(ctx, actorID); ok {
		return view, nil
	}
	return s.cache.SyncFrom(ctx, s.ledger, actorID)
}

// Refresh applies a balance change that was written elsewhere.
func (s *GameEventService) Refresh(ctx context.Context, actorID string, balance int64) {
	view := s.cache.Set(ctx, actorID, balance)
	if view.Linked {
		s.show(ctx, view)
	}
}

func (s *GameEventService) show(ctx context.Context, view models.BalanceView) {
	if s.display == nil {
		return
	}
	if err := s.display.ShowBalance(ctx, view); err != nil {
		log.Printf("[GameEventService] display balance for %s: %v", view.ActorID, err)
	}
}

func (s *GameEventService) notify(ctx context.Context, actorID, text string) {
	if s.display == nil || text == "" {
		return
	}
	if err := s.display.Notify(ctx, actorID, text); err != nil {
		log.Printf("[GameEventService] notify %s: %v", actorID, err)
	}
}
