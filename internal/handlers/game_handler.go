package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mallardlabs/matsledger/internal/models"
	"github.com/mallardlabs/matsledger/internal/services"
)

const maxBodyBytes = 1_048_576

// GameEvents is the slice of the game event service the HTTP API drives.
type GameEvents interface {
	OnHarvest(ctx context.Context, actorID string, kind models.ResourceKind, loc models.Location, now time.Time) (bool, error)
	OnPickup(ctx context.Context, actorID string, kind models.ResourceKind, quantity int64) (*services.PickupResult, error)
	OnActorActive(ctx context.Context, actorID string) (models.BalanceView, error)
	Balance(ctx context.Context, actorID string) (models.BalanceView, error)
}

// Commands runs actor chat commands.
type Commands interface {
	Execute(ctx context.Context, actorID, actorName, line string) services.CommandResult
}

type GameHandler struct {
	events    GameEvents
	commands  Commands
	validator *services.ValidationHelper
	now       func() time.Time
}

func NewGameHandler(events GameEvents, commands Commands) *GameHandler {
	return &GameHandler{
		events:    events,
		commands:  commands,
		validator: services.NewValidationHelper(),
		now:       time.Now,
	}
}

// Routes mounts the game endpoints on r.
func (h *GameHandler) Routes(r chi.Router) {
	r.Post("/events/harvest", h.Harvest)
	r.Post("/events/pickup", h.Pickup)
	r.Route("/actors/{actorId}", func(r chi.Router) {
		r.Post("/active", h.ActorActive)
		r.Get("/balance", h.GetBalance)
		r.Post("/commands", h.Command)
		r.Post("/link", h.Link)
	})
}

type locationRequest struct {
	X *int `json:"x" validate:"required"`
	Y *int `json:"y" validate:"required"`
	Z *int `json:"z" validate:"required"`
}

type harvestRequest struct {
	ActorID      string           `json:"actorId" validate:"required,actor_id"`
	ResourceKind string           `json:"resourceKind" validate:"required,max=128"`
	Location     *locationRequest `json:"location" validate:"required"`
	ObservedAt   *time.Time       `json:"observedAt,omitempty"`
}

// Harvest records that an actor broke a block.
func (h *GameHandler) Harvest(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if !h.decode(w, r, "Harvest", &req) {
		return
	}

	observedAt := h.now()
	if req.ObservedAt != nil {
		observedAt = *req.ObservedAt
	}
	loc := models.Location{X: *req.Location.X, Y: *req.Location.Y, Z: *req.Location.Z}

	recorded, err := h.events.OnHarvest(r.Context(), req.ActorID, models.ResourceKind(req.ResourceKind), loc, observedAt)
	var flushErr *services.FlushError
	if errors.As(err, &flushErr) && !flushErr.Spooled {
		log.Printf("[GameHandler] Harvest - batch lost: %v", err)
		services.SendErrorResponse(w, services.UserMessage(services.ErrStorageUnavailable), http.StatusServiceUnavailable, nil)
		return
	}

	services.SendJSON(w, http.StatusAccepted, map[string]bool{"recorded": recorded})
}

type pickupRequest struct {
	ActorID  string `json:"actorId" validate:"required,actor_id"`
	Item     string `json:"item" validate:"required,max=128"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
}

// Pickup credits the actor when they pick up the reward item.
func (h *GameHandler) Pickup(w http.ResponseWriter, r *http.Request) {
	var req pickupRequest
	if !h.decode(w, r, "Pickup", &req) {
		return
	}

	result, err := h.events.OnPickup(r.Context(), req.ActorID, models.ResourceKind(req.Item), req.Quantity)
	if err != nil {
		services.SendErrorResponse(w, services.UserMessage(err), services.StatusForError(err), nil)
		return
	}
	services.SendJSON(w, http.StatusOK, result)
}

type balanceResponse struct {
	models.BalanceView
	Message string `json:"message,omitempty"`
}

// ActorActive syncs an actor's balance when they join the world.
func (h *GameHandler) ActorActive(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}

	view, err := h.events.OnActorActive(r.Context(), actorID)
	switch {
	case errors.Is(err, services.ErrNotLinked):
		services.SendJSON(w, http.StatusOK, balanceResponse{BalanceView: view, Message: services.UserMessage(err)})
	case err != nil:
		services.SendErrorResponse(w, services.UserMessage(err), services.StatusForError(err), nil)
	default:
		services.SendJSON(w, http.StatusOK, balanceResponse{BalanceView: view})
	}
}

// GetBalance returns the actor's cached balance.
func (h *GameHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}

	view, err := h.events.Balance(r.Context(), actorID)
	if err != nil {
		services.SendErrorResponse(w, services.UserMessage(err), services.StatusForError(err), nil)
		return
	}
	services.SendJSON(w, http.StatusOK, balanceResponse{BalanceView: view})
}

type commandRequest struct {
	ActorName string `json:"actorName" validate:"max=64"`
	Line      string `json:"line" validate:"required,max=256"`
}

// Command runs a chat command typed by the actor.
func (h *GameHandler) Command(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}

	var req commandRequest
	if !h.decode(w, r, "Command", &req) {
		return
	}

	h.sendCommandResult(w, h.commands.Execute(r.Context(), actorID, req.ActorName, req.Line))
}

type linkRequest struct {
	ActorName string `json:"actorName" validate:"max=64"`
	Token     string `json:"token" validate:"required,max=128"`
}

// Link consumes a link token for the actor.
func (h *GameHandler) Link(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}

	var req linkRequest
	if !h.decode(w, r, "Link", &req) {
		return
	}
	if strings.ContainsFunc(req.Token, isSpace) {
		services.SendErrorResponse(w, services.UserMessage(services.ErrInvalidToken), http.StatusBadRequest, nil)
		return
	}

	h.sendCommandResult(w, h.commands.Execute(r.Context(), actorID, req.ActorName, "link "+req.Token))
}

func (h *GameHandler) sendCommandResult(w http.ResponseWriter, result services.CommandResult) {
	status := http.StatusOK
	switch {
	case result.OK:
	case result.Err != nil:
		status = services.StatusForError(result.Err)
	default:
		status = http.StatusBadRequest
	}
	services.SendJSON(w, status, result)
}

func (h *GameHandler) actorID(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID := chi.URLParam(r, "actorId")
	if err := h.validator.ValidateVar(actorID, "required,actor_id"); err != nil {
		services.SendErrorResponse(w, "Invalid actor id", http.StatusBadRequest, nil)
		return "", false
	}
	return actorID, true
}

// decode reads exactly one JSON object with no unknown fields and validates it.
func (h *GameHandler) decode(w http.ResponseWriter, r *http.Request, op string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		log.Printf("[GameHandler] %s - Decode error: %v", op, err)
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		log.Printf("[GameHandler] %s - Multiple JSON objects detected", op)
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		log.Printf("[GameHandler] %s - Validation error: %v", op, err)
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
