package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"

	"chat-gateway/internal/models"
	"chat-gateway/internal/observability"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSlowConsumer        = errors.New("outbound queue full")
)

// Outbound accepts encoded frames for one live connection without blocking.
type Outbound interface {
	Deliver(payload []byte) error
}

type connection struct {
	userID string
	out    Outbound
	rooms  map[string]struct{}
}

type recipient struct {
	connID string
	out    Outbound
}

// Registry tracks live connections and the rooms each one has joined.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Connect registers a connection with no joined rooms.
func (r *Registry) Connect(connID, userID string, out Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return ErrDuplicateConnection
	}
	r.conns[connID] = &connection{userID: userID, out: out, rooms: make(map[string]struct{})}
	return nil
}

// Disconnect drops the connection together with all of its room associations.
func (r *Registry) Disconnect(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	for roomID := range conn.rooms {
		r.removeFromRoom(roomID, connID)
	}
	delete(r.conns, connID)
	return nil
}

// JoinRoom adds roomID to the connection's live set. Durable membership is
// the caller's concern.
func (r *Registry) JoinRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.rooms[roomID] = struct{}{}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	return nil
}

// LeaveRoom removes roomID from the connection's live set. Leaving a room
// that was never joined is a no-op.
func (r *Registry) LeaveRoom(connID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ErrConnectionNotFound
	}
	delete(conn.rooms, roomID)
	r.removeFromRoom(roomID, connID)
	return nil
}

func (r *Registry) removeFromRoom(roomID, connID string) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Rooms returns the sorted live room set of a connection.
func (r *Registry) Rooms(connID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return nil, ErrConnectionNotFound
	}
	rooms := make([]string, 0, len(conn.rooms))
	for roomID := range conn.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms, nil
}

// UserID returns the user a connection was opened for.
func (r *Registry) UserID(connID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return "", ErrConnectionNotFound
	}
	return conn.userID, nil
}

// ConnectionSummary is a point-in-time view of one live connection.
type ConnectionSummary struct {
	ConnID string   `json:"conn_id"`
	UserID string   `json:"user_id"`
	Rooms  []string `json:"rooms"`
}

// Snapshot lists every live connection, ordered by connection id.
func (r *Registry) Snapshot() []ConnectionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectionSummary, 0, len(r.conns))
	for connID, conn := range r.conns {
		rooms := make([]string, 0, len(conn.rooms))
		for roomID := range conn.rooms {
			rooms = append(rooms, roomID)
		}
		sort.Strings(rooms)
		out = append(out, ConnectionSummary{ConnID: connID, UserID: conn.userID, Rooms: rooms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize reports how many live connections have joined roomID.
func (r *Registry) RoomSize(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// BroadcastToRoom delivers event to the connections in roomID at call time
// and returns how many accepted it.
func (r *Registry) BroadcastToRoom(roomID string, event models.Event) int {
	r.mu.RLock()
	members := r.rooms[roomID]
	targets := make([]recipient, 0, len(members))
	for connID := range members {
		targets = append(targets, recipient{connID: connID, out: r.conns[connID].out})
	}
	r.mu.RUnlock()

	return deliver("room", event, targets)
}

// BroadcastToAll delivers event to every live connection.
func (r *Registry) BroadcastToAll(event models.Event) int {
	r.mu.RLock()
	targets := make([]recipient, 0, len(r.conns))
	for connID, conn := range r.conns {
		targets = append(targets, recipient{connID: connID, out: conn.out})
	}
	r.mu.RUnlock()

	return deliver("all", event, targets)
}

func deliver(scope string, event models.Event, targets []recipient) int {
	if len(targets) == 0 {
		return 0
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("ws broadcast marshal failed type=%s err=%v", event.Type, err)
		return 0
	}

	delivered := 0
	for _, target := range targets {
		if err := target.out.Deliver(payload); err != nil {
			log.Printf("ws delivery dropped scope=%s type=%s conn_id=%s err=%v", scope, event.Type, target.connID, err)
			continue
		}
		delivered++
	}
	observability.ObserveBroadcast(scope, delivered, len(targets)-delivered)
	return delivered
}
