package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/mallardlabs/matsledger/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var handlerNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harvestCall struct {
	actorID string
	kind    models.ResourceKind
	loc     models.Location
	at      time.Time
}

type fakeEvents struct {
	harvests   []harvestCall
	harvestErr error
	pickup     *services.PickupResult
	pickupErr  error
	view       models.BalanceView
	viewErr    error
}

func (f *fakeEvents) OnHarvest(_ context.Context, actorID string, kind models.ResourceKind, loc models.Location, now time.Time) (bool, error) {
	f.harvests = append(f.harvests, harvestCall{actorID, kind, loc, now})
	return true, f.harvestErr
}

func (f *fakeEvents) OnPickup(_ context.Context, _ string, _ models.ResourceKind, _ int64) (*services.PickupResult, error) {
	return f.pickup, f.pickupErr
}

func (f *fakeEvents) OnActorActive(_ context.Context, _ string) (models.BalanceView, error) {
	return f.view, f.viewErr
}

func (f *fakeEvents) Balance(_ context.Context, _ string) (models.BalanceView, error) {
	return f.view, f.viewErr
}

type fakeCommands struct {
	lines  []string
	result services.CommandResult
}

func (f *fakeCommands) Execute(_ context.Context, _, _, line string) services.CommandResult {
	f.lines = append(f.lines, line)
	return f.result
}

func newTestRouter(events *fakeEvents, commands *fakeCommands) http.Handler {
	h := NewGameHandler(events, commands)
	h.now = func() time.Time { return handlerNow }
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestGameHandler_Harvest(t *testing.T) {
	t.Run("valid event is recorded", func(t *testing.T) {
		events := &fakeEvents{}
		router := newTestRouter(events, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/harvest",
			`{"actorId":"actor-1","resourceKind":"block.matscraft.rare_mats_ore","location":{"x":0,"y":-64,"z":7}}`)

		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.JSONEq(t, `{"recorded":true}`, rr.Body.String())
		require.Len(t, events.harvests, 1)
		assert.Equal(t, models.Location{X: 0, Y: -64, Z: 7}, events.harvests[0].loc)
		assert.Equal(t, handlerNow, events.harvests[0].at)
	})

	t.Run("observedAt from the game server is kept", func(t *testing.T) {
		events := &fakeEvents{}
		router := newTestRouter(events, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/harvest",
			`{"actorId":"actor-1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2,"z":3},"observedAt":"2024-04-30T08:00:00Z"}`)

		assert.Equal(t, http.StatusAccepted, rr.Code)
		require.Len(t, events.harvests, 1)
		assert.True(t, events.harvests[0].at.Equal(time.Date(2024, 4, 30, 8, 0, 0, 0, time.UTC)))
	})

	t.Run("lost batch is reported", func(t *testing.T) {
		events := &fakeEvents{harvestErr: &services.FlushError{BatchID: "b1", Events: 100, Err: errors.New("down")}}
		router := newTestRouter(events, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/harvest",
			`{"actorId":"actor-1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2,"z":3}}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("spooled batch is still accepted", func(t *testing.T) {
		events := &fakeEvents{harvestErr: &services.FlushError{BatchID: "b1", Events: 100, Spooled: true, Err: errors.New("down")}}
		router := newTestRouter(events, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/harvest",
			`{"actorId":"actor-1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2,"z":3}}`)
		assert.Equal(t, http.StatusAccepted, rr.Code)
	})

	tests := []struct {
		name string
		body string
	}{
		{"missing location", `{"actorId":"actor-1","resourceKind":"rare_mats_ore"}`},
		{"missing coordinate", `{"actorId":"actor-1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2}}`},
		{"actor id with spaces", `{"actorId":"actor 1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2,"z":3}}`},
		{"unknown field", `{"actorId":"actor-1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2,"z":3},"extra":1}`},
		{"two objects", `{"actorId":"actor-1","resourceKind":"rare_mats_ore","location":{"x":1,"y":2,"z":3}}{}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := &fakeEvents{}
			router := newTestRouter(events, &fakeCommands{})

			rr := do(t, router, http.MethodPost, "/events/harvest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, events.harvests)
		})
	}
}

func TestGameHandler_Pickup(t *testing.T) {
	t.Run("credited", func(t *testing.T) {
		events := &fakeEvents{pickup: &services.PickupResult{Credited: true, Amount: 3, Balance: 13, Linked: true}}
		router := newTestRouter(events, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/pickup", `{"actorId":"actor-1","item":"mats","quantity":3}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"credited":true,"amount":3,"balance":13,"linked":true}`, rr.Body.String())
	})

	t.Run("zero quantity is rejected", func(t *testing.T) {
		router := newTestRouter(&fakeEvents{}, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/pickup", `{"actorId":"actor-1","item":"mats","quantity":0}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var resp services.ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Contains(t, resp.Details, "Quantity")
	})

	t.Run("storage failure", func(t *testing.T) {
		events := &fakeEvents{pickupErr: services.ErrStorageUnavailable}
		router := newTestRouter(events, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/events/pickup", `{"actorId":"actor-1","item":"mats","quantity":1}`)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestGameHandler_ActorActiveAndBalance(t *testing.T) {
	view := models.BalanceView{ActorID: "actor-1", Balance: 40, Linked: true, SyncedAt: handlerNow}

	t.Run("linked", func(t *testing.T) {
		router := newTestRouter(&fakeEvents{view: view}, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/actors/actor-1/active", "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"actorId":"actor-1","balance":40,"linked":true,"syncedAt":"2024-05-01T12:00:00Z"}`, rr.Body.String())

		rr = do(t, router, http.MethodGet, "/actors/actor-1/balance", "")
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("not linked is not a failure on join", func(t *testing.T) {
		router := newTestRouter(&fakeEvents{view: models.BalanceView{ActorID: "actor-1"}, viewErr: services.ErrNotLinked}, &fakeCommands{})

		rr := do(t, router, http.MethodPost, "/actors/actor-1/active", "")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "Sync failed, account not linked.")

		rr = do(t, router, http.MethodGet, "/actors/actor-1/balance", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("invalid actor id", func(t *testing.T) {
		router := newTestRouter(&fakeEvents{view: view}, &fakeCommands{})

		rr := do(t, router, http.MethodGet, "/actors/"+strings.Repeat("a", 65)+"/balance", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestGameHandler_CommandsAndLink(t *testing.T) {
	t.Run("command line is passed through", func(t *testing.T) {
		commands := &fakeCommands{result: services.CommandResult{OK: true, Message: "Account successfully linked! Balance: 5 Mats"}}
		router := newTestRouter(&fakeEvents{}, commands)

		rr := do(t, router, http.MethodPost, "/actors/actor-1/commands", `{"actorName":"Steve","line":"/link abc123"}`)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"/link abc123"}, commands.lines)
		assert.JSONEq(t, `{"ok":true,"message":"Account successfully linked! Balance: 5 Mats"}`, rr.Body.String())
	})

	t.Run("usage errors are bad requests", func(t *testing.T) {
		commands := &fakeCommands{result: services.CommandResult{Message: "Usage: /link <token>"}}
		router := newTestRouter(&fakeEvents{}, commands)

		rr := do(t, router, http.MethodPost, "/actors/actor-1/commands", `{"line":"/link"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("link endpoint builds the command", func(t *testing.T) {
		commands := &fakeCommands{result: services.CommandResult{Message: "This token has already been used.", Err: services.ErrAlreadyUsed}}
		router := newTestRouter(&fakeEvents{}, commands)

		rr := do(t, router, http.MethodPost, "/actors/actor-1/link", `{"actorName":"Steve","token":"abc123"}`)
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, []string{"link abc123"}, commands.lines)
	})

	t.Run("token with whitespace never reaches the linker", func(t *testing.T) {
		commands := &fakeCommands{}
		router := newTestRouter(&fakeEvents{}, commands)

		rr := do(t, router, http.MethodPost, "/actors/actor-1/link", `{"token":"abc 123"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Empty(t, commands.lines)
	})
}
