package websocket

import (
	"io"
	"sort"
	"sync"
	"time"
)

// Client is one user's signaling connection as seen by the hub.
type Client struct {
	UserID      string
	ConnectedAt time.Time

	send      chan []byte
	conn      io.Closer
	closeOnce sync.Once
}

func NewClient(userID string, conn io.Closer, buffer int, now time.Time) *Client {
	return &Client{
		UserID:      userID,
		ConnectedAt: now,
		send:        make(chan []byte, buffer),
		conn:        conn,
	}
}

// Outbound is drained by the connection's write pump. It is closed when the
// client leaves the hub.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// TrySend queues payload without blocking. It reports false when the buffer
// is full or the client is already closed.
func (c *Client) TrySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.closeSend()
}

// Hub keeps at most one connection per user.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Add registers client and returns the connection it replaced, which has
// already been closed.
func (h *Hub) Add(client *Client) (replaced *Client) {
	h.mu.Lock()
	old := h.clients[client.UserID]
	h.clients[client.UserID] = client
	h.mu.Unlock()

	if old != nil && old != client {
		old.Close()
		return old
	}
	return nil
}

// Remove drops client if it is still the registered connection for its
// user. A connection that was replaced does not evict its successor.
func (h *Hub) Remove(client *Client) bool {
	h.mu.Lock()
	current, ok := h.clients[client.UserID]
	removed := ok && current == client
	if removed {
		delete(h.clients, client.UserID)
	}
	h.mu.Unlock()

	client.closeSend()
	return removed
}

func (h *Hub) get(userID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[userID]
}

// SendTo queues payload for userID. A client whose buffer is full is
// disconnected.
func (h *Hub) SendTo(userID string, payload []byte) bool {
	client := h.get(userID)
	if client == nil {
		return false
	}
	if !client.TrySend(payload) {
		_ = client.conn.Close()
		return false
	}
	return true
}

// SendToMany queues payload for every listed user that is online and
// returns how many accepted it.
func (h *Hub) SendToMany(userIDs []string, payload []byte) int {
	var n int
	for _, id := range userIDs {
		if h.SendTo(id, payload) {
			n++
		}
	}
	return n
}

func (h *Hub) IsOnline(userID string) bool {
	return h.get(userID) != nil
}

// OnlineUsers returns the connected user ids in ascending order.
func (h *Hub) OnlineUsers() []string {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects everyone.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
