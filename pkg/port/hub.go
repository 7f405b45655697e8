package port

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nobletooth/podium/pkg/board"
)

const (
	subscriberBuffer = 256
	wsWriteTimeout   = 5 * time.Second
)

// ScoreUpdate is the message streamed to websocket subscribers for every accepted write.
type ScoreUpdate struct {
	PlayerID board.PlayerID `json:"player_id"`
	Score    int64          `json:"score"`
	At       time.Time      `json:"at"`
}

// Hub fans score updates out to subscribers. Slow subscribers miss updates instead of blocking writers.
type Hub struct {
	mux  sync.RWMutex
	subs map[int]chan ScoreUpdate
	next int
}

// NewHub creates a hub without subscribers.
func NewHub() *Hub { return &Hub{subs: make(map[int]chan ScoreUpdate)} }

// Subscribe registers a subscriber; the channel is closed by Unsubscribe.
func (h *Hub) Subscribe(buffer int) (int, <-chan ScoreUpdate) {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.next++
	ch := make(chan ScoreUpdate, buffer)
	h.subs[h.next] = ch
	return h.next, ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mux.Lock()
	defer h.mux.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mux.RLock()
	defer h.mux.RUnlock()
	return len(h.subs)
}

// Publish delivers the update to every subscriber with room in its buffer.
func (h *Hub) Publish(update ScoreUpdate) {
	h.mux.RLock()
	defer h.mux.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- update:
		default: // Drop for full subscribers.
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams updates until either side goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("Failed to upgrade websocket.", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	id, updates := h.Subscribe(subscriberBuffer)
	defer h.Unsubscribe(id)

	// Reading is only needed to notice the peer closing the connection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(update)
			if err != nil {
				slog.Error("Failed to encode score update.", "error", err)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
