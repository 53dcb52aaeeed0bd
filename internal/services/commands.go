package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mallardlabs/matsledger/internal/models"
)

const linkUsage = "Usage: /link <token>"

// Linker consumes a link token on behalf of an actor.
type Linker interface {
	Link(ctx context.Context, actorID, actorName, token string) (*models.LinkedAccount, error)
}

// CommandResult is the single line shown to the actor who ran a command.
type CommandResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// CommandDispatcher parses chat commands typed by actors.
type CommandDispatcher struct {
	linker   Linker
	ledger   BalanceReader
	cache    *BalanceCache
	display  BalanceDisplay
	currency string
}

func NewCommandDispatcher(linker Linker, ledger BalanceReader, cache *BalanceCache, display BalanceDisplay, currency string) *CommandDispatcher {
	return &CommandDispatcher{
		linker:   linker,
		ledger:   ledger,
		cache:    cache,
		display:  display,
		currency: currency,
	}
}

// Execute runs one command line such as "/link abc123". The leading slash is optional.
func (d *CommandDispatcher) Execute(ctx context.Context, actorID, actorName, line string) CommandResult {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(fields) == 0 {
		return CommandResult{Message: "Unknown command."}
	}

	switch strings.ToLower(fields[0]) {
	case "link":
		if len(fields) != 2 {
			return CommandResult{Message: linkUsage}
		}
		return d.link(ctx, actorID, actorName, fields[1])
	default:
		return CommandResult{Message: fmt.Sprintf("Unknown command: %s", fields[0])}
	}
}

func (d *CommandDispatcher) link(ctx context.Context, actorID, actorName, token string) CommandResult {
	if _, err := d.linker.Link(ctx, actorID, actorName, token); err != nil {
		log.Printf("[CommandDispatcher] link - actor %s: %v", actorID, err)
		return CommandResult{Message: UserMessage(err), Err: err}
	}

	balance, err := d.ledger.GetBalance(ctx, actorID)
	if err != nil {
		log.Printf("[CommandDispatcher] link - balance lookup for %s: %v", actorID, err)
		return CommandResult{OK: true, Message: "Account successfully linked!"}
	}

	view := models.BalanceView{ActorID: actorID, Balance: balance, Linked: true, SyncedAt: time.Now()}
	if d.cache != nil {
		d.cache.Put(ctx, view)
	}
	if d.display != nil {
		if err := d.display.ShowBalance(ctx, view); err != nil {
			log.Printf("[CommandDispatcher] link - display for %s: %v", actorID, err)
		}
	}

	return CommandResult{
		OK:      true,
		Message: fmt.Sprintf("Account successfully linked! Balance: %d %s", balance, d.currency),
	}
}
