package fabric

import (
	"sync"

	"github.com/mossy-p/rtm-calling/internal/models"
)

// Conn is the outbound half of a client connection. Send must not block;
// it reports false when the frame was dropped.
type Conn interface {
	ID() string
	Send(f models.Frame) bool
}

type subscription struct {
	conn Conn
	opts models.SubscribeOptions
}

// Hub maps channels to the local connections subscribed to them.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]subscription // channel -> connID -> sub
}

func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]subscription)}
}

// Add subscribes conn to channel. It returns false and only refreshes the
// options when conn was already subscribed.
func (h *Hub) Add(channel string, conn Conn, opts models.SubscribeOptions) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]subscription)
		h.channels[channel] = subs
	}
	_, existed := subs[conn.ID()]
	subs[conn.ID()] = subscription{conn: conn, opts: opts}
	return !existed
}

func (h *Hub) Remove(channel, connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
	return true
}

// Subscribers returns the number of local connections on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Deliver sends d to every local subscriber that asked for its kind. Presence
// events are not echoed to the connection that caused them. It returns the
// number of connections that accepted the frame and the number that dropped it.
func (h *Hub) Deliver(d Delivery) (sent, dropped int) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.channels[d.Channel]))
	for id, sub := range h.channels[d.Channel] {
		if d.TargetConn != "" && id != d.TargetConn {
			continue
		}
		switch d.Event.Kind {
		case models.EventMessage:
			if !sub.opts.WithMessage {
				continue
			}
		case models.EventPresence:
			if !sub.opts.WithPresence || id == d.OriginConn {
				continue
			}
		case models.EventLock:
			if !sub.opts.WithLock {
				continue
			}
		case models.EventStorage:
			if !sub.opts.WithMetadata {
				continue
			}
		}
		targets = append(targets, sub.conn)
	}
	h.mu.RUnlock()

	ev := d.Event
	frame := models.Frame{Type: models.FrameEvent, Event: &ev}
	for _, c := range targets {
		if c.Send(frame) {
			sent++
		} else {
			dropped++
		}
	}
	return sent, dropped
}
