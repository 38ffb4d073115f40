package core

import (
	"hash/maphash"
	"sync"

	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
)

const shardCount = 32

type userShard struct {
	mu sync.Mutex
	// userID -> connection ID -> client
	users map[string]map[string]*Client
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// Registry tracks live connections by user and by room.
//
// Every mutation for one user runs under that user's shard lock, so
// register, unregister, join and leave for the same identity never
// interleave. Room shards are taken after the user shard, never before.
type Registry struct {
	seed  maphash.Seed
	users [shardCount]userShard
	rooms [shardCount]roomShard
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{seed: maphash.MakeSeed()}
	for i := range r.users {
		r.users[i].users = make(map[string]map[string]*Client)
	}
	for i := range r.rooms {
		r.rooms[i].rooms = make(map[string]map[*Client]struct{})
	}
	return r
}

func (r *Registry) userShard(userID string) *userShard {
	return &r.users[maphash.String(r.seed, userID)%shardCount]
}

func (r *Registry) roomShard(roomID string) *roomShard {
	return &r.rooms[maphash.String(r.seed, roomID)%shardCount]
}

// Register adds the client and subscribes it to rooms in one step.
func (r *Registry) Register(c *Client, rooms []string) {
	us := r.userShard(c.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()

	conns, ok := us.users[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		us.users[c.UserID] = conns
	}
	conns[c.ID] = c
	metrics.ConnectionsActive.Inc()

	for _, roomID := range rooms {
		r.joinLocked(c, roomID)
	}
}

// Unregister removes the client from its user and all its rooms and closes it.
// offline reports that the user has no other registered connection.
func (r *Registry) Unregister(c *Client) (offline bool) {
	us := r.userShard(c.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()

	conns := us.users[c.UserID]
	if conns[c.ID] != c {
		return len(conns) == 0
	}
	delete(conns, c.ID)
	metrics.ConnectionsActive.Dec()
	if len(conns) == 0 {
		delete(us.users, c.UserID)
		offline = true
	}

	for _, roomID := range c.Rooms() {
		r.leaveLocked(c, roomID)
	}
	c.close()
	return offline
}

// Join subscribes a registered client to roomID. It returns false when the
// client was already in the room or is no longer registered.
func (r *Registry) Join(c *Client, roomID string) bool {
	us := r.userShard(c.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()

	if us.users[c.UserID][c.ID] != c {
		return false
	}
	return r.joinLocked(c, roomID)
}

// Leave unsubscribes the client from roomID. It returns false when the client was not in it.
func (r *Registry) Leave(c *Client, roomID string) bool {
	us := r.userShard(c.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return r.leaveLocked(c, roomID)
}

// joinLocked requires the client's user shard lock.
func (r *Registry) joinLocked(c *Client, roomID string) bool {
	if !c.addRoom(roomID) {
		return false
	}
	rs := r.roomShard(roomID)
	rs.mu.Lock()
	members, ok := rs.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		rs.rooms[roomID] = members
	}
	members[c] = struct{}{}
	rs.mu.Unlock()
	return true
}

// leaveLocked requires the client's user shard lock.
func (r *Registry) leaveLocked(c *Client, roomID string) bool {
	if !c.removeRoom(roomID) {
		return false
	}
	rs := r.roomShard(roomID)
	rs.mu.Lock()
	if members, ok := rs.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(rs.rooms, roomID)
		}
	}
	rs.mu.Unlock()
	return true
}

// RoomClients returns a snapshot of the clients subscribed to roomID.
func (r *Registry) RoomClients(roomID string) []*Client {
	rs := r.roomShard(roomID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	members := rs.rooms[roomID]
	out := make([]*Client, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// UserClients returns a snapshot of the user's registered clients.
func (r *Registry) UserClients(userID string) []*Client {
	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	conns := us.users[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// UserInRoom reports whether any connection of userID is subscribed to roomID.
func (r *Registry) UserInRoom(userID, roomID string) bool {
	for _, c := range r.UserClients(userID) {
		if c.InRoom(roomID) {
			return true
		}
	}
	return false
}

// Broadcast sends ev to every client in roomID and returns how many accepted it.
func (r *Registry) Broadcast(roomID string, ev *Event) int {
	delivered := 0
	for _, c := range r.RoomClients(roomID) {
		if c.Send(ev) {
			delivered++
		}
	}
	return delivered
}

// SendToUser sends ev to every connection of userID and returns how many accepted it.
func (r *Registry) SendToUser(userID string, ev *Event) int {
	delivered := 0
	for _, c := range r.UserClients(userID) {
		if c.Send(ev) {
			delivered++
		}
	}
	return delivered
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.users {
		us := &r.users[i]
		us.mu.Lock()
		for _, conns := range us.users {
			n += len(conns)
		}
		us.mu.Unlock()
	}
	return n
}

// Close unregisters every client.
func (r *Registry) Close() {
	for i := range r.users {
		us := &r.users[i]
		us.mu.Lock()
		var clients []*Client
		for _, conns := range us.users {
			for _, c := range conns {
				clients = append(clients, c)
			}
		}
		us.mu.Unlock()

		for _, c := range clients {
			r.Unregister(c)
		}
	}
}
