package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wagerchess/internal/game"
	"wagerchess/internal/matchmaking"
	"wagerchess/internal/registry"
	"wagerchess/internal/storage"
)

// Handler wires the transport to the hub, queue, registry and store.
type Handler struct {
	Hub      *game.Hub
	Registry *registry.Registry
	Queue    *matchmaking.Queue
	Store    *storage.Store

	router *Router
}

// NewHandler creates a handler instance and registers all event routes.
func NewHandler(hub *game.Hub, reg *registry.Registry, queue *matchmaking.Queue, store *storage.Store) *Handler {
	h := &Handler{Hub: hub, Registry: reg, Queue: queue, Store: store}
	r := NewRouter()
	r.Handle("joinRoom", h.handleJoinRoom)
	// reconnecting is joining again: the join path reattaches the
	// transport, marks the seat connected and notifies the room
	r.Handle("reconnect", h.handleJoinRoom)
	r.Handle("leaveRoom", h.handleLeaveRoom)
	r.Handle("move", h.handleMove)
	r.Handle("resign", h.handleResign)
	r.Handle("offerDraw", h.handleOfferDraw)
	r.Handle("respondDraw", h.handleRespondDraw)
	r.Handle("chat", h.handleChat)
	r.Handle("seek", h.handleSeek)
	r.Handle("cancelSeek", h.handleCancelSeek)
	r.Handle("placeBet", h.handlePlaceBet)
	h.router = r
	return h
}

// Router exposes the event router (used by the socket read loop and by
// tests).
func (h *Handler) Router() *Router {
	return h.router
}

// RoomCreated tells both paired seekers where to go.
type RoomCreated struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	White string `json:"white"`
	Black string `json:"black"`
}

// SeekPending acknowledges a parked seek with its cancellation ticket.
type SeekPending struct {
	Kind   string `json:"kind"`
	Ticket string `json:"ticket"`
}

// PresencePayload announces a net presence change to related users.
type PresencePayload struct {
	Kind   string `json:"kind"`
	User   string `json:"user"`
	Online bool   `json:"online"`
}

func (h *Handler) handleJoinRoom(ctx context.Context, c *Client, ev Event) error {
	if ev.Room == "" {
		return fmt.Errorf("%w: missing room", game.ErrValidation)
	}
	snap, err := h.Hub.JoinRoom(ctx, ev.Room, c.UserID, c.Out)
	if err != nil {
		return err
	}
	c.trackRoom(ev.Room)
	c.Deliver(snap)
	return nil
}

func (h *Handler) handleLeaveRoom(ctx context.Context, c *Client, ev Event) error {
	if ev.Room == "" {
		return fmt.Errorf("%w: missing room", game.ErrValidation)
	}
	h.Hub.LeaveRoom(ctx, ev.Room, c.UserID, c.Out)
	c.untrackRoom(ev.Room)
	return nil
}

func (h *Handler) handleMove(ctx context.Context, c *Client, ev Event) error {
	uci := strings.ToLower(strings.TrimSpace(ev.UCI))
	if ev.Room == "" || uci == "" {
		return fmt.Errorf("%w: missing room or move", game.ErrValidation)
	}
	_, err := h.Hub.SubmitMove(ctx, ev.Room, c.UserID, uci)
	return err
}

func (h *Handler) handleResign(ctx context.Context, c *Client, ev Event) error {
	if ev.Room == "" {
		return fmt.Errorf("%w: missing room", game.ErrValidation)
	}
	_, err := h.Hub.Resign(ctx, ev.Room, c.UserID)
	return err
}

func (h *Handler) handleOfferDraw(ctx context.Context, c *Client, ev Event) error {
	if ev.Room == "" {
		return fmt.Errorf("%w: missing room", game.ErrValidation)
	}
	return h.Hub.OfferDraw(ctx, ev.Room, c.UserID)
}

func (h *Handler) handleRespondDraw(ctx context.Context, c *Client, ev Event) error {
	if ev.Room == "" || ev.Accept == nil {
		return fmt.Errorf("%w: missing room or accept", game.ErrValidation)
	}
	_, err := h.Hub.RespondDraw(ctx, ev.Room, c.UserID, *ev.Accept)
	return err
}

func (h *Handler) handleChat(ctx context.Context, c *Client, ev Event) error {
	if ev.Room == "" {
		return fmt.Errorf("%w: missing room", game.ErrValidation)
	}
	return h.Hub.Chat(ctx, ev.Room, c.UserID, strings.TrimSpace(ev.Text))
}

func (h *Handler) handleSeek(ctx context.Context, c *Client, ev Event) error {
	if registry.IsGuest(c.UserID) {
		return fmt.Errorf("%w: guests cannot seek rated games", game.ErrValidation)
	}
	seek := matchmaking.Seeker{
		UserID: c.UserID,
		Bet:    ev.Bet,
		TimeControl: matchmaking.TimeControl{
			Initial:   time.Duration(ev.InitialMS) * time.Millisecond,
			Increment: time.Duration(ev.IncrementMS) * time.Millisecond,
		},
	}
	ticket, session, err := h.Queue.Enqueue(ctx, seek)
	if err != nil {
		return err
	}
	if session == nil {
		c.Deliver(SeekPending{Kind: "seekPending", Ticket: ticket.ID})
		return nil
	}
	rec := session.Record()
	payload := RoomCreated{Kind: "roomCreated", ID: session.ID, White: rec.WhiteID, Black: rec.BlackID}
	c.Deliver(payload)
	opponent := rec.WhiteID
	if opponent == c.UserID {
		opponent = rec.BlackID
	}
	if data, err := json.Marshal(payload); err == nil {
		h.Registry.SendTo(opponent, data)
	}
	return nil
}

func (h *Handler) handleCancelSeek(ctx context.Context, c *Client, ev Event) error {
	if ev.Ticket == "" {
		return fmt.Errorf("%w: missing ticket", game.ErrValidation)
	}
	return h.Queue.Cancel(ctx, ev.Ticket, c.UserID)
}

func (h *Handler) handlePlaceBet(ctx context.Context, c *Client, ev Event) error {
	predicted, ok := game.ParseColor(ev.Predicted)
	if ev.Room == "" || !ok {
		return fmt.Errorf("%w: missing room or predicted winner", game.ErrValidation)
	}
	return h.Hub.PlaceSpectatorBet(ctx, ev.Room, c.UserID, ev.Stake, predicted)
}

// HandleNew creates a practice room against the engine seat. The room
// activates on the player's first move.
func (h *Handler) HandleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "POST only"})
		return
	}
	var body struct {
		User        string `json:"user"`
		InitialMS   int64  `json:"initialMs"`
		IncrementMS int64  `json:"incrementMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "bad json"})
		return
	}
	user := strings.TrimSpace(body.User)
	if user == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "missing user"})
		return
	}
	initial := 10 * time.Minute
	if body.InitialMS > 0 {
		initial = time.Duration(body.InitialMS) * time.Millisecond
	}
	s, err := h.Hub.CreateRoom(r.Context(),
		game.Seat{UserID: user, Rating: storage.DefaultRating},
		game.Seat{UserID: "engine", Rating: storage.DefaultRating},
		game.RoomConfig{
			InitialTime: initial,
			Increment:   time.Duration(body.IncrementMS) * time.Millisecond,
			VsAI:        true,
		})
	if err != nil {
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "id": s.ID})
}

// HandleStats serves aggregate game counts.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.FetchStats(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "storage unavailable"})
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
