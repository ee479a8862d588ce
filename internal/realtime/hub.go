// Package realtime fans events out to websocket connections grouped by
// conversation. A Hub delivers locally; with a Broker configured, events go
// through the broker so every instance delivers to its own connections.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Envelope is one fan-out event addressed to a group.
type Envelope struct {
	Group         string          `json:"group"`
	Payload       json.RawMessage `json:"payload"`
	ExcludeUserID uuid.UUID       `json:"exclude_user_id"`
}

type Broker interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls deliver for every envelope until ctx is done.
	Subscribe(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

type room struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

type Hub struct {
	mu        sync.Mutex
	rooms     map[string]*room
	broker    Broker
	closeOnce sync.Once
}

// NewHub returns a hub; broker may be nil for single-process delivery.
func NewHub(broker Broker) *Hub {
	return &Hub{rooms: make(map[string]*room), broker: broker}
}

func (h *Hub) Join(group string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[group]
	if r == nil {
		r = &room{conns: make(map[string]*Connection)}
		h.rooms[group] = r
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

func (h *Hub) Leave(group string, c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rooms[group]
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, c.ID)
	empty := len(r.conns) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, group)
	}
}

// Count reports the local connections bound to group.
func (h *Hub) Count(group string) int {
	r := h.room(group)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (h *Hub) room(group string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[group]
}

// Publish sends payload to every connection in group, skipping connections
// of excludeUser when it is not uuid.Nil.
func (h *Hub) Publish(ctx context.Context, group string, payload []byte, excludeUser uuid.UUID) error {
	env := Envelope{Group: group, Payload: payload, ExcludeUserID: excludeUser}
	if h.broker == nil {
		h.deliver(env)
		return nil
	}
	return h.broker.Publish(ctx, env)
}

func (h *Hub) deliver(env Envelope) int {
	r := h.room(env.Group)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		if env.ExcludeUserID != uuid.Nil && c.UserID == env.ExcludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(env.Payload); err != nil {
			slog.Debug("realtime delivery skipped", "group", env.Group, "connection_id", c.ID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Run consumes the broker until ctx is done. Without a broker it returns at once.
func (h *Hub) Run(ctx context.Context) error {
	if h.broker == nil {
		return nil
	}
	return h.broker.Subscribe(ctx, func(env Envelope) { h.deliver(env) })
}

// Close terminates every local connection and releases the broker. Later
// calls are no-ops.
func (h *Hub) Close() {
	h.closeOnce.Do(h.close)
}

func (h *Hub) close() {
	h.mu.Lock()
	var all []*Connection
	for _, r := range h.rooms {
		r.mu.RLock()
		for _, c := range r.conns {
			all = append(all, c)
		}
		r.mu.RUnlock()
	}
	h.rooms = make(map[string]*room)
	h.mu.Unlock()

	for _, c := range all {
		c.Close(1001, "server shutdown")
	}
	if h.broker != nil {
		if err := h.broker.Close(); err != nil {
			slog.Warn("realtime broker close", "error", err)
		}
	}
}
