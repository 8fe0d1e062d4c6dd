package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"wagerchess/internal/game"
	"wagerchess/internal/logging"
)

// Event is the single inbound message shape. Type selects the handler;
// the remaining fields are per-type payload. The core assumes only this
// structure, not a specific wire encoding.
type Event struct {
	Type        string `json:"type"`
	Room        string `json:"room,omitempty"`
	UCI         string `json:"uci,omitempty"`
	Accept      *bool  `json:"accept,omitempty"`
	Text        string `json:"text,omitempty"`
	Stake       int64  `json:"stake,omitempty"`
	Predicted   string `json:"predicted,omitempty"`
	Bet         int64  `json:"bet,omitempty"`
	InitialMS   int64  `json:"initialMs,omitempty"`
	IncrementMS int64  `json:"incrementMs,omitempty"`
	Ticket      string `json:"ticket,omitempty"`
}

// ErrorPayload is sent only to the offending connection, never the
// room.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps the error taxonomy onto stable wire codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, game.ErrValidation):
		return "validation"
	case errors.Is(err, game.ErrNotParticipant):
		return "not_participant"
	case errors.Is(err, game.ErrNotYourTurn):
		return "not_your_turn"
	case errors.Is(err, game.ErrGameNotActive):
		return "game_not_active"
	case errors.Is(err, game.ErrStateConflict):
		return "state_conflict"
	case errors.Is(err, game.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, game.ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, game.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "internal"
	}
}

// Client is one connected transport: a user identity plus an outbound
// channel that room broadcasts and direct sends both feed.
type Client struct {
	UserID string
	ConnID string

	Out chan []byte

	mu      sync.Mutex
	rooms   map[string]struct{}
	closeFn func() error
}

// NewClient creates a client with a buffered outbound channel.
func NewClient(userID, connID string) *Client {
	return &Client{
		UserID: userID,
		ConnID: connID,
		Out:    make(chan []byte, 64),
		rooms:  make(map[string]struct{}),
	}
}

// Send implements registry.Transport. Slow clients are skipped rather
// than blocking the sender.
func (c *Client) Send(data []byte) error {
	select {
	case c.Out <- data:
	default:
	}
	return nil
}

// Close implements registry.Transport.
func (c *Client) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

// Deliver marshals a payload and sends it to this client only.
func (c *Client) Deliver(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) trackRoom(id string) {
	c.mu.Lock()
	c.rooms[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) untrackRoom(id string) {
	c.mu.Lock()
	delete(c.rooms, id)
	c.mu.Unlock()
}

// Rooms returns the ids of rooms this client has joined.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// HandlerFunc processes one inbound event for one client.
type HandlerFunc func(ctx context.Context, c *Client, ev Event) error

// Router dispatches inbound events by type. Handlers are plain
// functions over (client, event), so they are testable without a live
// socket.
type Router struct {
	routes map[string]HandlerFunc
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

// Handle registers a handler for an event type.
func (r *Router) Handle(eventType string, fn HandlerFunc) {
	r.routes[eventType] = fn
}

// Dispatch routes one event. Failures are reported to the sending
// client only.
func (r *Router) Dispatch(ctx context.Context, c *Client, ev Event) {
	fn, ok := r.routes[ev.Type]
	if !ok {
		c.Deliver(ErrorPayload{Kind: "error", Code: "validation", Message: "unknown event type"})
		return
	}
	if err := fn(ctx, c, ev); err != nil {
		logging.Debugf("event %s from %s: %v", ev.Type, c.UserID, err)
		c.Deliver(ErrorPayload{Kind: "error", Code: errorCode(err), Message: err.Error()})
	}
}
