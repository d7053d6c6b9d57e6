package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"orchard/internal/shared/async"
	"orchard/internal/shared/logging"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 45 * time.Second
	sendBufferSize = 32
)

// Hub is a WebSocket fan-out implementing Notifier. Clients subscribe to all
// updates or to a single task id; messages to a full client buffer are
// dropped rather than blocking the broadcaster.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn   *websocket.Conn
	send   chan Update
	taskID string // empty subscribes to everything
}

var _ Notifier = (*Hub)(nil)

// NewHub creates a hub accepting connections from the given origins. An
// empty origin list allows all, matching dev defaults.
func NewHub(allowedOrigins []string) *Hub {
	checkOrigin := func(r *http.Request) bool { return true }
	if len(allowedOrigins) > 0 {
		allowed := make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			allowed[o] = true
		}
		checkOrigin = func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger:  logging.NewComponentLogger("NotifyHub"),
		clients: make(map[*client]struct{}),
	}
}

// HandleConnection upgrades an HTTP request to a subscription. taskID filters
// delivery to one task; empty subscribes to all updates.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, taskID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		conn:   conn,
		send:   make(chan Update, sendBufferSize),
		taskID: taskID,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	async.Go(h.logger, "notify.write", func() { h.writeLoop(c) })
	async.Go(h.logger, "notify.read", func() { h.readLoop(c) })
	return nil
}

// NotifyTaskUpdate delivers an update to every matching subscriber.
func (h *Hub) NotifyTaskUpdate(ctx context.Context, update Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.taskID != "" && c.taskID != update.TaskID && c.taskID != update.ParentID {
			continue
		}
		select {
		case c.send <- update:
		default:
			// Subscriber is not keeping up; drop rather than block.
		}
	}
}

// SubscribedTasks returns the distinct task ids that have at least one
// task-scoped subscriber. Producers poll this to know which rows to watch.
func (h *Hub) SubscribedTasks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var ids []string
	for c := range h.clients {
		if c.taskID == "" {
			continue
		}
		if _, dup := seen[c.taskID]; dup {
			continue
		}
		seen[c.taskID] = struct{}{}
		ids = append(ids, c.taskID)
	}
	return ids
}

// ClientCount reports the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all subscribers and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case update, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(update); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop drains control frames and detects client disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
