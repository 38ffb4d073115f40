package core

import (
	"sort"
	"sync"

	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
)

// DefaultEventBuffer is the outbound buffer used when none is configured.
const DefaultEventBuffer = 64

// Client is one live connection of an authenticated user.
type Client struct {
	ID     string
	UserID string
	// Events is drained by the connection's single writer. It is never closed;
	// watch Done to learn the client was unregistered.
	Events chan *Event

	mu    sync.RWMutex
	rooms map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient constructs a client with an outbound buffer of the given size.
func NewClient(id, userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Client{
		ID:     id,
		UserID: userID,
		Events: make(chan *Event, buffer),
		rooms:  make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Send queues an event without blocking. Events for a slow or closed client are dropped.
func (c *Client) Send(ev *Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.Events <- ev:
		return true
	default:
		metrics.EventsDropped.Inc()
		return false
	}
}

// InRoom reports whether the client currently receives traffic for roomID.
func (c *Client) InRoom(roomID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the joined room IDs in sorted order.
func (c *Client) Rooms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Done is closed once the client has been unregistered.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) addRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

func (c *Client) removeRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
