package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"trading/internal/purchase"
	"trading/internal/purchase/saga"

	"github.com/gorilla/websocket"
)

// defaultWriteWait bounds a single websocket write so a stalled peer cannot hold up other users.
const defaultWriteWait = 5 * time.Second

// ErrHubBusy is returned when the delivery queue is full and a status push is dropped.
var ErrHubBusy = errors.New("realtime hub queue full")

// Client is one websocket connection owned by a user.
type Client struct {
	UserID string
	Conn   *websocket.Conn
}

type delivery struct {
	userID  string
	payload []byte
}

// Hub tracks websocket connections per user and writes status pushes to the owner only.
type Hub struct {
	users      map[string]map[*websocket.Conn]struct{}
	Register   chan Client
	Unregister chan Client
	deliveries chan delivery
	done       chan struct{}
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewHub constructs a Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		users:      make(map[string]map[*websocket.Conn]struct{}),
		Register:   make(chan Client),
		Unregister: make(chan Client),
		deliveries: make(chan delivery, 256),
		done:       make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		writeWait:  defaultWriteWait,
		logger:     logger,
	}
}

// Run processes register/unregister/delivery events until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, conns := range h.users {
				for conn := range conns {
					conn.Close()
				}
				delete(h.users, userID)
			}
			h.mu.Unlock()
			return
		case c := <-h.Register:
			h.mu.Lock()
			conns, ok := h.users[c.UserID]
			if !ok {
				conns = make(map[*websocket.Conn]struct{})
				h.users[c.UserID] = conns
			}
			conns[c.Conn] = struct{}{}
			h.mu.Unlock()
		case c := <-h.Unregister:
			h.mu.Lock()
			h.remove(c.UserID, c.Conn)
			h.mu.Unlock()
		case d := <-h.deliveries:
			h.mu.Lock()
			for conn := range h.users[d.userID] {
				if err := h.write(conn, d.payload); err != nil {
					h.logger.Debug("dropping websocket client", "user_id", d.userID, "err", err)
					h.remove(d.userID, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, payload []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// remove must be called with mu held.
func (h *Hub) remove(userID string, conn *websocket.Conn) {
	conns, ok := h.users[userID]
	if !ok {
		return
	}
	if _, ok := conns[conn]; !ok {
		return
	}
	delete(conns, conn)
	conn.Close()
	if len(conns) == 0 {
		delete(h.users, userID)
	}
}

// Connections returns the number of open connections for userID.
func (h *Hub) Connections(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

// Deliver queues an already encoded payload for userID without blocking.
func (h *Hub) Deliver(userID string, payload []byte) error {
	select {
	case h.deliveries <- delivery{userID: userID, payload: payload}:
		return nil
	default:
		return ErrHubBusy
	}
}

// Notify pushes the snapshot to the owning user's connections.
func (h *Hub) Notify(ctx context.Context, userID string, snapshot saga.PurchaseSaga) error {
	payload, err := json.Marshal(purchase.NewStatus(snapshot))
	if err != nil {
		return err
	}
	return h.Deliver(userID, payload)
}

// ServeWS upgrades /ws?user_id=<id> and keeps the connection registered until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := Client{UserID: userID, Conn: conn}
	select {
	case h.Register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients only listen; reading detects the close frame.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.Unregister <- client:
				case <-h.done:
				}
				return
			}
		}
	}()
}
