package fabric

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/metrics"
	"github.com/mossy-p/rtm-calling/internal/models"
)

type Options struct {
	// ExpiryWarning is the lead time before token expiry at which a
	// tokenExpiring event is sent.
	ExpiryWarning time.Duration
	// OpTimeout bounds each broker or presence store call.
	OpTimeout time.Duration
}

// Service is one fabric instance. Several instances sharing a Broker and a
// PresenceStore behave like one fabric.
type Service struct {
	hub     *Hub
	broker  Broker
	store   PresenceStore
	signer  *auth.Signer
	metrics *metrics.Metrics
	log     *slog.Logger
	opts    Options

	// presenceMu serialises, per channel, a presence store change with the
	// broker publish that announces it, so the broker order matches the
	// store order.
	presenceMu [64]sync.Mutex
}

func NewService(broker Broker, store PresenceStore, signer *auth.Signer, m *metrics.Metrics, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	if opts.ExpiryWarning <= 0 {
		opts.ExpiryWarning = 30 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Second
	}
	return &Service{
		hub:     NewHub(),
		broker:  broker,
		store:   store,
		signer:  signer,
		metrics: m,
		log:     log,
		opts:    opts,
	}
}

// Run pumps broker deliveries into the local hub until ctx is done or the
// broker is closed.
func (s *Service) Run(ctx context.Context) error {
	deliveries := s.broker.Deliveries()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if _, dropped := s.hub.Deliver(d); dropped > 0 {
				s.metrics.DroppedFrames.WithLabelValues(metrics.DropReasonBufferFull).Add(float64(dropped))
				s.log.Warn("delivery dropped for slow subscribers", "channel", d.Channel, "kind", d.Event.Kind, "dropped", dropped)
			}
		}
	}
}

// Members lists the identities present in channel.
func (s *Service) Members(ctx context.Context, channel string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()
	return s.store.Members(ctx, channel)
}

func (s *Service) lockPresence(channel string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	mu := &s.presenceMu[h.Sum32()%uint32(len(s.presenceMu))]
	mu.Lock()
	return mu.Unlock
}

// publishSnapshot queues a SNAPSHOT for one connection behind every presence
// event already published on the channel.
func (s *Service) publishSnapshot(ctx context.Context, targetConn string, ev models.PresenceEvent) error {
	return s.broker.Publish(ctx, Delivery{
		Channel:    ev.ChannelName,
		TargetConn: targetConn,
		Event:      models.Event{Kind: models.EventPresence, Presence: &ev},
	})
}

func (s *Service) publishPresence(ctx context.Context, originConn string, ev models.PresenceEvent) error {
	s.metrics.PresenceEvents.WithLabelValues(string(ev.EventType)).Inc()
	return s.broker.Publish(ctx, Delivery{
		Channel:    ev.ChannelName,
		OriginConn: originConn,
		Event:      models.Event{Kind: models.EventPresence, Presence: &ev},
	})
}
