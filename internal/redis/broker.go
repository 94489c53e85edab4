package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/redis/go-redis/v9"
)

// Broker fans deliveries out through Redis pub/sub so that every fabric
// instance sees every channel.
type Broker struct {
	client *redis.Client
	pubsub *redis.PubSub
	out    chan fabric.Delivery
	log    *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewBroker pattern-subscribes to all channel keys. The subscription is
// confirmed before NewBroker returns.
func NewBroker(ctx context.Context, client *redis.Client, log *slog.Logger) (*Broker, error) {
	if log == nil {
		log = slog.Default()
	}
	ps := client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
	}

	b := &Broker{
		client: client,
		pubsub: ps,
		out:    make(chan fabric.Delivery, 1024),
		log:    log,
		done:   make(chan struct{}),
	}
	go b.pump()
	return b, nil
}

func (b *Broker) pump() {
	defer close(b.out)
	for msg := range b.pubsub.Channel() {
		d, err := decodeDelivery(msg.Channel, msg.Payload)
		if err != nil {
			b.log.Warn("dropping malformed delivery", "channel", msg.Channel, "err", err)
			continue
		}
		select {
		case b.out <- d:
		case <-b.done:
			return
		}
	}
}

func (b *Broker) Publish(ctx context.Context, d fabric.Delivery) error {
	select {
	case <-b.done:
		return fabric.ErrBrokerClosed
	default:
	}
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	return b.client.Publish(ctx, channelKey(d.Channel), data).Err()
}

func (b *Broker) Deliveries() <-chan fabric.Delivery {
	return b.out
}

func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.pubsub.Close()
	})
	return err
}

func decodeDelivery(redisChannel, payload string) (fabric.Delivery, error) {
	var d fabric.Delivery
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return d, err
	}
	if d.Channel == "" {
		d.Channel = strings.TrimPrefix(redisChannel, channelPrefix)
	}
	return d, nil
}
