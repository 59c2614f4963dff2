// Package hub provides the connection registry for WebSocket clients.
package hub

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kvnkishore11/agentickanban/ingress/internal/metrics"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID          string
	ConnectedAt time.Time
	Conn        *websocket.Conn
	Send        chan []byte

	clientID     atomic.Value
	lastActivity atomic.Int64
	closed       atomic.Bool
	mu           sync.Mutex
}

// Info is a read-only view of a registered connection.
type Info struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Healthy      bool      `json:"healthy"`
}

// Registry owns every live connection. It is the only component that
// enumerates listeners.
type Registry struct {
	connections map[string]*Connection
	bufferSize  int
	metrics     *metrics.Metrics

	mu sync.RWMutex
}

// NewRegistry creates a registry whose connections buffer up to bufferSize
// outbound frames.
func NewRegistry(bufferSize int, m *metrics.Metrics) *Registry {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Registry{
		connections: make(map[string]*Connection),
		bufferSize:  bufferSize,
		metrics:     m,
	}
}

// NewConnection wraps a websocket in a connection that is not yet registered.
func (r *Registry) NewConnection(ws *websocket.Conn) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:          "conn_" + uuid.New().String()[:8],
		ConnectedAt: now,
		Conn:        ws,
		Send:        make(chan []byte, r.bufferSize),
	}
	conn.lastActivity.Store(now.UnixNano())
	return conn
}

// Register adds a connection and returns its id.
func (r *Registry) Register(conn *Connection) string {
	r.mu.Lock()
	r.connections[conn.ID] = conn
	count := len(r.connections)
	r.mu.Unlock()

	r.metrics.SetConnections(count)
	log.Printf("Connection registered: %s", conn.ID)
	return conn.ID
}

// Unregister removes a connection and closes its send buffer. Unknown ids
// are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if ok {
		delete(r.connections, id)
		conn.closed.Store(true)
		close(conn.Send)
	}
	count := len(r.connections)
	r.mu.Unlock()

	if ok {
		r.metrics.SetConnections(count)
		log.Printf("Connection unregistered: %s", id)
	}
}

// Send enqueues data for one connection. It reports false when the
// connection is unknown or its buffer is full; a full buffer also removes
// the connection.
func (r *Registry) Send(id string, data []byte) bool {
	r.mu.RLock()
	conn, ok := r.connections[id]
	delivered := ok && enqueue(conn, data)
	r.mu.RUnlock()

	if ok && !delivered {
		log.Printf("WARN: connection %s buffer full, closing", id)
		r.metrics.ObserveDrop()
		r.Unregister(id)
	}
	return delivered
}

// Broadcast enqueues data for every connection that completed hello, except
// those excluded, and returns how many accepted it. Connections with a full
// buffer are removed without affecting delivery to the rest.
func (r *Registry) Broadcast(data []byte, exclude ...string) int {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var (
		delivered int
		dead      []string
	)
	r.mu.RLock()
	for id, conn := range r.connections {
		if skip[id] || conn.ClientID() == "" {
			continue
		}
		if enqueue(conn, data) {
			delivered++
		} else {
			dead = append(dead, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range dead {
		log.Printf("WARN: connection %s buffer full, closing", id)
		r.metrics.ObserveDrop()
		r.Unregister(id)
	}
	return delivered
}

// enqueue must be called with the registry read lock held so the channel
// cannot be closed concurrently.
func enqueue(conn *Connection, data []byte) bool {
	select {
	case conn.Send <- data:
		return true
	default:
		return false
	}
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// Get returns a live connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(id string) {
	if conn, ok := r.Get(id); ok {
		conn.lastActivity.Store(time.Now().UnixNano())
	}
}

// Connections returns a snapshot of every live connection ordered by
// connect time.
func (r *Registry) Connections() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.connections))
	for _, conn := range r.connections {
		infos = append(infos, conn.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// ClientID returns the identity bound by the hello handshake.
func (c *Connection) ClientID() string {
	v, _ := c.clientID.Load().(string)
	return v
}

// BindClient binds the client identity announced in hello.
func (c *Connection) BindClient(clientID string) {
	c.clientID.Store(clientID)
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Info returns a read-only view of the connection.
func (c *Connection) Info() Info {
	return Info{
		ID:           c.ID,
		ClientID:     c.ClientID(),
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.LastActivity(),
		Healthy:      !c.closed.Load(),
	}
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying websocket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
