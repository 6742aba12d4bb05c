// Package ws pushes engine events to connected app clients over websockets.
// Each connection belongs to one user and only receives that user's events.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/papertrader/internal/domain"
	"github.com/alanyoungcy/papertrader/internal/notify"
	"github.com/alanyoungcy/papertrader/internal/server/middleware"
)

// maxReplay bounds how many stored events a reconnecting client gets back.
const maxReplay = 200

// Origins are enforced by the CORS and auth middleware in front of the hub.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub tracks the open connections of each user. Events reach it from the
// signal bus when processes share Redis, or through Broadcast when the
// dispatcher runs in the same process.
type Hub struct {
	bus    domain.SignalBus
	logger *slog.Logger

	mu     sync.RWMutex
	users  map[string]map[*conn]struct{}
	closed bool
}

var _ notify.Broadcaster = (*Hub)(nil)

// NewHub creates a Hub. bus may be nil.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:    bus,
		logger: logger.With(slog.String("component", "ws")),
		users:  make(map[string]map[*conn]struct{}),
	}
}

// Run relays bus events until ctx is cancelled, then closes every connection
// and refuses new ones.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.relay(ctx, notify.EventsChannelPrefix+"*")
	}
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	for _, set := range h.users {
		for c := range set {
			close(c.send)
		}
	}
	clear(h.users)
	h.mu.Unlock()
	return ctx.Err()
}

// Broadcast hands payload to each of userID's connections. It never blocks:
// a connection whose queue is full misses the payload.
func (h *Hub) Broadcast(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.users[userID] {
		if !c.offer(payload) {
			h.logger.Warn("ws: slow client, event dropped", slog.String("user_id", userID))
		}
	}
}

// ClientCount returns the number of open connections of userID.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set := h.users[c.userID]
	if set == nil {
		set = make(map[*conn]struct{})
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.users[c.userID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.users, c.userID)
	}
}

// relay routes bus events by the user_id of their envelope.
func (h *Hub) relay(ctx context.Context, pattern string) {
	events, err := h.bus.Subscribe(ctx, pattern)
	if err != nil {
		h.logger.Error("ws: subscribe failed", slog.String("pattern", pattern), slog.String("error", err.Error()))
		return
	}
	for payload := range events {
		var env struct {
			UserID string `json:"user_id"`
		}
		if json.Unmarshal(payload, &env) != nil || env.UserID == "" {
			h.logger.Debug("ws: event without user id dropped")
			continue
		}
		h.Broadcast(env.UserID, payload)
	}
}

// HandleWS upgrades the request to a websocket for the user in the request
// context.
//
// GET /ws?user_id=...[&since=<stream id>]
//
// With since, events stored after that id are sent first, then live events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"missing user id"}`, http.StatusBadRequest)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConn(h, ws, userID)
	c.offer(hello(userID))
	if since := r.URL.Query().Get("since"); since != "" {
		h.replay(r.Context(), c, since)
	}
	if !h.add(c) {
		_ = ws.Close()
		return
	}
	h.logger.Info("ws: client connected", slog.String("user_id", userID), slog.Int("user_clients", h.ClientCount(userID)))

	go c.writeLoop()
	go c.readLoop()
}

func (h *Hub) replay(ctx context.Context, c *conn, since string) {
	if h.bus == nil {
		return
	}
	msgs, err := h.bus.StreamRead(ctx, notify.EventsChannel(c.userID), since, maxReplay)
	if err != nil {
		h.logger.Warn("ws: replay failed", slog.String("user_id", c.userID), slog.String("error", err.Error()))
		return
	}
	for _, m := range msgs {
		c.offer(m.Payload)
	}
}

func hello(userID string) []byte {
	b, _ := json.Marshal(map[string]any{
		"type":        "hello",
		"user_id":     userID,
		"server_time": time.Now().UTC(),
	})
	return b
}
