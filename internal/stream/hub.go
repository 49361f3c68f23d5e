// Package stream fans out market and account events to websocket
// subscribers. The hub knows nothing about the channel grammar; callers
// publish to opaque channel names and the transport layer decides who may
// subscribe to what.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// sendBuffer is the per-connection queue depth. A consumer that falls
// this far behind starts losing events rather than blocking publishers.
const sendBuffer = 256

// Event is the wire envelope for every published message.
type Event struct {
	Channel string      `json:"channel"`
	Type    string      `json:"type"`
	At      time.Time   `json:"at"`
	Data    interface{} `json:"data"`
}

// Conn is one attached consumer. The transport drains Send and writes the
// frames to the socket.
type Conn struct {
	id      string
	send    chan []byte
	dropped atomic.Int64
}

// ID returns the connection identity assigned at attach time.
func (c *Conn) ID() string { return c.id }

// Send is the outbound frame queue. It is closed when the connection is
// detached.
func (c *Conn) Send() <-chan []byte { return c.send }

// Dropped returns how many events were discarded because this consumer
// was too slow.
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Hub routes published events to the connections subscribed to their
// channel. Publishing never blocks: a full consumer queue drops the
// event and counts it.
type Hub struct {
	mu        sync.RWMutex
	conns     map[string]*Conn
	rooms     map[string]map[string]*Conn
	connRooms map[string]map[string]struct{}
	onDrop    func(channel string)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Conn),
		rooms:     make(map[string]map[string]*Conn),
		connRooms: make(map[string]map[string]struct{}),
	}
}

// SetDropHook installs a callback invoked (outside the hub lock) each
// time an event is dropped, keyed by channel. Used to feed metrics.
func (h *Hub) SetDropHook(fn func(channel string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = fn
}

// Attach registers a connection and returns its queue. Attaching an id
// that is already present detaches the old connection first, so a
// reconnect cannot leak the stale one.
func (h *Hub) Attach(id string) *Conn {
	h.mu.Lock()
	old := h.conns[id]
	if old != nil {
		h.detachLocked(id)
	}
	c := &Conn{id: id, send: make(chan []byte, sendBuffer)}
	h.conns[id] = c
	h.connRooms[id] = make(map[string]struct{})
	total := len(h.conns)
	h.mu.Unlock()

	log.Debug().Str("conn_id", id).Int("total", total).Msg("stream: connection attached")
	return c
}

// Detach removes a connection from every room and closes its queue.
// Detaching an unknown id is a no-op.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	detached := h.detachLocked(id)
	total := len(h.conns)
	h.mu.Unlock()

	if detached {
		log.Debug().Str("conn_id", id).Int("total", total).Msg("stream: connection detached")
	}
}

func (h *Hub) detachLocked(id string) bool {
	c, ok := h.conns[id]
	if !ok {
		return false
	}
	for channel := range h.connRooms[id] {
		delete(h.rooms[channel], id)
		if len(h.rooms[channel]) == 0 {
			delete(h.rooms, channel)
		}
	}
	delete(h.connRooms, id)
	delete(h.conns, id)
	close(c.send)
	return true
}

// Subscribe adds the connection to a channel. It reports false when the
// connection is not attached.
func (h *Hub) Subscribe(connID, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return false
	}
	if h.rooms[channel] == nil {
		h.rooms[channel] = make(map[string]*Conn)
	}
	h.rooms[channel][connID] = c
	h.connRooms[connID][channel] = struct{}{}
	return true
}

// Unsubscribe removes the connection from a channel.
func (h *Hub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.connRooms[connID], channel)
	delete(h.rooms[channel], connID)
	if len(h.rooms[channel]) == 0 {
		delete(h.rooms, channel)
	}
}

// Publish marshals the event once and queues it to every subscriber of
// the channel. Slow consumers lose the event; everyone else still gets it.
// The exclusive lock serializes concurrent publishers, so every consumer
// of a channel sees events in the same order.
func (h *Hub) Publish(channel, eventType string, data interface{}) {
	evt := Event{Channel: channel, Type: eventType, At: time.Now().UTC(), Data: data}
	frame, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("stream: failed to marshal event")
		return
	}

	var droppedFrom []string
	h.mu.Lock()
	onDrop := h.onDrop
	for _, c := range h.rooms[channel] {
		select {
		case c.send <- frame:
		default:
			c.dropped.Add(1)
			droppedFrom = append(droppedFrom, c.id)
		}
	}
	h.mu.Unlock()

	for _, id := range droppedFrom {
		if onDrop != nil {
			onDrop(channel)
		}
		log.Warn().Str("conn_id", id).Str("channel", channel).Msg("stream: consumer queue full, event dropped")
	}
}

// Broadcast queues the event to every attached connection regardless of
// subscriptions. Used for venue-wide notices.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	evt := Event{Channel: "system", Type: eventType, At: time.Now().UTC(), Data: data}
	frame, err := json.Marshal(evt)
	if err != nil {
		log.Error().Err(err).Msg("stream: failed to marshal broadcast")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		select {
		case c.send <- frame:
		default:
			c.dropped.Add(1)
		}
	}
}

// Conns returns the number of attached connections.
func (h *Hub) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Subscribers returns the number of connections in a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[channel])
}
