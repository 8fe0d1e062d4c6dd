package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"wagerchess/internal/logging"
	"wagerchess/internal/registry"
	"wagerchess/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 15 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWS upgrades the connection, registers presence, and pumps
// events between the socket and the router. Identity comes from the
// `user` query parameter; without one the connection gets an ephemeral
// guest identity.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if userID == "" {
		userID = registry.GuestPrefix + utils.RandomHex(8)
	}
	if !registry.IsGuest(userID) && h.Store != nil {
		if _, err := h.Store.EnsureUser(r.Context(), userID); err != nil {
			logging.Errorf("ensuring account for %s: %v", userID, err)
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debugf("ws upgrade from %s failed: %v", ClientIP(r), err)
		return
	}

	c := NewClient(userID, utils.RandomHex(8))
	c.closeFn = conn.Close
	h.Registry.Register(userID, c.ConnID, c)

	go h.writeLoop(conn, c)
	h.readLoop(r.Context(), conn, c)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, c *Client) {
	defer h.teardown(conn, c)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.Deliver(ErrorPayload{Kind: "error", Code: "validation", Message: "bad json"})
			continue
		}
		h.router.Dispatch(ctx, c, ev)
	}
}

func (h *Handler) writeLoop(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.Out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown detaches the client from its rooms and defers presence
// removal to the registry's grace window.
func (h *Handler) teardown(conn *websocket.Conn, c *Client) {
	_ = conn.Close()
	for _, id := range c.Rooms() {
		h.Hub.LeaveRoom(context.Background(), id, c.UserID, c.Out)
	}
	h.Registry.Unregister(c.UserID, c.ConnID)
}
