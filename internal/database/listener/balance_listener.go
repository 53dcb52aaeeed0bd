package listener

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/lib/pq"
)

const (
	// ChannelName matches the pg_notify call in the ledger_accounts trigger.
	ChannelName       = "ledger_balance"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// BalanceNotification is the payload emitted whenever a ledger row changes.
type BalanceNotification struct {
	ActorID string `json:"actor_id"`
	Balance int64  `json:"balance"`
}

// BalanceHandler receives every decoded balance notification.
type BalanceHandler func(ctx context.Context, n BalanceNotification)

// BalanceListener keeps display caches in step with balance writes made by
// other processes sharing the same database.
type BalanceListener struct {
	connStr    string
	handler    BalanceHandler
	shutdownCh chan struct{}
	done       chan struct{}
}

// NewBalanceListener creates a listener for ledger balance notifications
func NewBalanceListener(connStr string, handler BalanceHandler) *BalanceListener {
	return &BalanceListener{
		connStr:    connStr,
		handler:    handler,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening for notifications in a background goroutine
func (l *BalanceListener) Start(ctx context.Context) {
	go l.listen(ctx)
	log.Println("Balance notification listener started")
}

// Stop gracefully shuts down the listener
func (l *BalanceListener) Stop() {
	close(l.shutdownCh)
	<-l.done
	log.Println("Balance notification listener stopped")
}

func (l *BalanceListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Reconnecting to PostgreSQL for balance notifications...")
		}
	}
}

func (l *BalanceListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			log.Printf("Disconnected from PostgreSQL notification channel: %v", err)
		case pq.ListenerEventReconnected:
			log.Println("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("Connection attempt failed: %v", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelName); err != nil {
		log.Printf("Failed to listen on channel %s: %v", ChannelName, err)
		return
	}

	log.Printf("Listening on channel: %s", ChannelName)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	l.serve(ctx, listener.Notify, ticker.C, listener.Ping)
}

// serve dispatches notifications until shutdown or connection loss and pings
// the connection on every tick, however busy the channel is.
func (l *BalanceListener) serve(ctx context.Context, notify <-chan *pq.Notification, ticks <-chan time.Time, ping func() error) {
	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case notification := <-notify:
			if notification == nil {
				// connection lost; pq re-establishes it and we re-LISTEN
				return
			}
			l.dispatch(ctx, notification.Extra)
		case <-ticks:
			go func() {
				if err := ping(); err != nil {
					log.Printf("Listener ping failed: %v", err)
				}
			}()
		}
	}
}

func (l *BalanceListener) dispatch(ctx context.Context, payload string) {
	n, err := DecodeNotification(payload)
	if err != nil {
		log.Printf("Ignoring malformed balance notification %q: %v", payload, err)
		return
	}
	l.handler(ctx, n)
}

// DecodeNotification parses a ledger_balance payload.
func DecodeNotification(payload string) (BalanceNotification, error) {
	var n BalanceNotification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return BalanceNotification{}, err
	}
	if n.ActorID == "" {
		return BalanceNotification{}, errMissingActor
	}
	return n, nil
}
