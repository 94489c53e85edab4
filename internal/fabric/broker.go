package fabric

import (
	"context"
	"errors"
	"sync"

	"github.com/mossy-p/rtm-calling/internal/models"
)

var ErrBrokerClosed = errors.New("fabric: broker closed")

// Delivery is one event addressed to every local subscriber of Channel.
// OriginConn identifies the connection that caused it, if any. A non-empty
// TargetConn restricts the delivery to that one connection.
type Delivery struct {
	Channel    string       `json:"channel"`
	OriginConn string       `json:"originConn,omitempty"`
	TargetConn string       `json:"targetConn,omitempty"`
	Event      models.Event `json:"event"`
}

// Broker carries deliveries between fabric instances. Deliveries must come
// out in the order they were published.
type Broker interface {
	Publish(ctx context.Context, d Delivery) error
	Deliveries() <-chan Delivery
	Close() error
}

// MemoryBroker is a single-process Broker.
type MemoryBroker struct {
	out chan Delivery

	mu     sync.RWMutex
	closed bool
}

func NewMemoryBroker(buffer int) *MemoryBroker {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryBroker{out: make(chan Delivery, buffer)}
}

func (b *MemoryBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	select {
	case b.out <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Deliveries() <-chan Delivery {
	return b.out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.out)
	}
	return nil
}
