package realtime

import (
	"sync"
)

// connSendBuffer bounds the per-connection outbound queue. A consumer that
// falls further behind than this starts losing frames rather than blocking
// the broadcaster.
const connSendBuffer = 32

// Conn is the ephemeral handle for one open push channel. A connection is
// owned by exactly one identity; an identity may hold several concurrent
// connections (tabs, devices).
type Conn struct {
	UserID string

	send   chan []byte
	closed bool
	mu     sync.Mutex
}

// NewConn creates an unregistered connection owned by the given identity.
func NewConn(userID string) *Conn {
	return &Conn{
		UserID: userID,
		send:   make(chan []byte, connSendBuffer),
	}
}

// Receive exposes the connection's outbound frames for the transport loop.
func (c *Conn) Receive() <-chan []byte {
	return c.send
}

// push enqueues a frame without blocking. Frames to a saturated connection
// are dropped; delivery is best effort.
func (c *Conn) push(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub is the connection registry and room abstraction the presence tracker
// and notification router sit on top of. All maps are guarded by one mutex;
// every operation is a bounded in-memory step with no suspension point.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Conn]struct{}
	rooms  map[string]map[*Conn]struct{}
	joined map[*Conn]map[string]struct{}
}

// NewHub creates an empty connection registry.
func NewHub() *Hub {
	return &Hub{
		byUser: make(map[string]map[*Conn]struct{}),
		rooms:  make(map[string]map[*Conn]struct{}),
		joined: make(map[*Conn]map[string]struct{}),
	}
}

// Register admits a connection to the registry.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.byUser[c.UserID]
	if !ok {
		conns = make(map[*Conn]struct{})
		h.byUser[c.UserID] = conns
	}
	conns[c] = struct{}{}
}

// Unregister removes the connection from the registry and every room it
// joined, then closes its send channel.
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	if conns, ok := h.byUser[c.UserID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	for room := range h.joined[c] {
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.joined, c)
	h.mu.Unlock()
	c.close()
}

// Join subscribes the connection to a room.
func (h *Hub) Join(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	rs, ok := h.joined[c]
	if !ok {
		rs = make(map[string]struct{})
		h.joined[c] = rs
	}
	rs[room] = struct{}{}
}

// Leave removes the connection from a room.
func (h *Hub) Leave(c *Conn, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rs, ok := h.joined[c]; ok {
		delete(rs, room)
	}
}

// Broadcast pushes a frame to every connection currently subscribed to the
// room and reports how many connections accepted it.
func (h *Hub) Broadcast(room string, msg []byte) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.push(msg) {
			delivered++
		}
	}
	return delivered
}

// Push delivers a frame to every open connection of one identity and reports
// how many connections accepted it.
func (h *Hub) Push(userID string, msg []byte) int {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if c.push(msg) {
			delivered++
		}
	}
	return delivered
}

// LiveConnections reports how many open connections the identity holds.
func (h *Hub) LiveConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// ProjectRoom names the room carrying a project's board state-sync messages.
func ProjectRoom(projectID string) string {
	return "project:" + projectID
}
