package session

import (
	"context"

	"github.com/mossy-p/rtm-calling/internal/models"
)

// dispatch routes fabric events by kind until ctx ends or the stream closes.
func (m *Manager) dispatch(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	events := m.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.log.Info("event stream closed")
				return
			}
			m.route(ctx, ev)
		}
	}
}

func (m *Manager) route(ctx context.Context, ev models.Event) {
	switch ev.Kind {
	case models.EventPresence:
		if ev.Presence == nil {
			return
		}
		if err := m.Tracker().Apply(*ev.Presence); err != nil {
			m.log.Warn("dropping presence event", "err", err)
		}

	case models.EventMessage:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		if msg.CustomType.IsCallSignal() {
			if err := m.Machine().HandleMessage(ctx, msg); err != nil {
				m.log.Warn("call message not delivered", "from", msg.Publisher, "err", err)
			}
			return
		}
		m.chat(msg)

	case models.EventTokenExpiring:
		// Renewal runs beside the dispatcher so delivery never waits on it.
		if m.renewing.CompareAndSwap(false, true) {
			go func() {
				defer m.renewing.Store(false)
				m.renew(ctx)
			}()
		}

	case models.EventStatus:
		if ev.Status != nil {
			m.log.Info("connection status", "state", ev.Status.State, "reason", ev.Status.Reason)
		}

	default:
		m.log.Debug("unhandled event", "kind", ev.Kind)
	}
}

func (m *Manager) chat(msg models.Message) {
	if msg.Publisher == m.Self() {
		return
	}
	p, err := models.ParsePayload(msg.Message)
	if err != nil {
		m.log.Warn("dropping chat message", "from", msg.Publisher, "channel", msg.ChannelName, "err", err)
		return
	}
	if m.opts.OnChat != nil {
		m.opts.OnChat(msg, p)
		return
	}
	m.log.Info("chat", "from", msg.Publisher, "channel", msg.ChannelName, "message", p.Message)
}

// renew swaps in a fresh token for the same identity. Failure is logged and
// the session carries on until the old token lapses.
func (m *Manager) renew(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.RenewTimeout)
	defer cancel()

	self, channel := m.Self(), m.Channel()
	tok, err := m.EnsureToken(ctx, self)
	if err != nil {
		m.log.Error("token renewal failed", "err", err)
		return
	}
	if err := m.client.RenewToken(ctx, tok.Value, channel); err != nil {
		m.log.Error("token renewal rejected", "err", err)
		return
	}

	m.mu.Lock()
	m.token = tok
	m.mu.Unlock()
	m.log.Info("token renewed", "expires_at", tok.ExpiresAt)
}
