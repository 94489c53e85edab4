package fabric

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mossy-p/rtm-calling/internal/models"
)

// Peer is the protocol state of one client connection: who is logged in,
// which channels it joined and when its token lapses.
type Peer struct {
	svc  *Service
	conn Conn
	log  *slog.Logger

	mu       sync.Mutex
	userID   string
	loggedIn bool
	subs     map[string]models.SubscribeOptions
	expiry   *time.Timer
}

func (s *Service) NewPeer(conn Conn) *Peer {
	s.metrics.Connections.Inc()
	return &Peer{
		svc:  s,
		conn: conn,
		log:  s.log.With("conn", conn.ID()),
		subs: make(map[string]models.SubscribeOptions),
	}
}

// UserID returns the logged-in identity, or "" before login.
func (p *Peer) UserID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID
}

// Handle processes one client frame and answers it with an ack or error.
func (p *Peer) Handle(ctx context.Context, f models.Frame) {
	ctx, cancel := context.WithTimeout(ctx, p.svc.opts.OpTimeout)
	defer cancel()

	switch f.Type {
	case models.FrameLogin:
		p.handleLogin(f)
	case models.FrameLogout:
		p.leaveAll(ctx)
		p.logout()
		p.ack(f.ReqID, nil)
	case models.FrameSubscribe:
		p.handleSubscribe(ctx, f)
	case models.FrameUnsubscribe:
		p.handleUnsubscribe(ctx, f)
	case models.FramePublish:
		p.handlePublish(ctx, f)
	case models.FrameRenewToken:
		p.handleRenew(f)
	default:
		p.fail(f.ReqID, models.CodeBadRequest, "unsupported frame type "+string(f.Type))
	}
}

// Close drops every subscription held by the connection.
func (p *Peer) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.svc.opts.OpTimeout)
	defer cancel()

	p.leaveAll(ctx)
	p.mu.Lock()
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	p.loggedIn = false
	p.mu.Unlock()
	p.svc.metrics.Connections.Dec()
}

func (p *Peer) handleLogin(f models.Frame) {
	if f.UserID == "" || f.Token == "" {
		p.fail(f.ReqID, models.CodeBadRequest, "userId and token are required")
		return
	}

	p.mu.Lock()
	current, loggedIn := p.userID, p.loggedIn
	p.mu.Unlock()
	if loggedIn && current != f.UserID {
		p.fail(f.ReqID, models.CodeAuth, "connection already logged in as another user")
		return
	}

	claims, err := p.svc.signer.VerifyFor(f.Token, f.UserID)
	if err != nil {
		p.svc.metrics.Logins.WithLabelValues("rejected").Inc()
		p.log.Info("login rejected", "user", f.UserID, "err", err)
		p.fail(f.ReqID, models.CodeAuth, err.Error())
		return
	}

	p.mu.Lock()
	p.userID = f.UserID
	p.loggedIn = true
	p.mu.Unlock()

	p.svc.metrics.Logins.WithLabelValues("ok").Inc()
	p.log.Info("login", "user", f.UserID)
	p.ack(f.ReqID, nil)
	p.sendStatus(models.StateConnected, "LOGIN_SUCCESS")
	p.armExpiry(claims.ExpiresAt.Time)
}

func (p *Peer) logout() {
	p.mu.Lock()
	wasLoggedIn := p.loggedIn
	p.loggedIn = false
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	p.mu.Unlock()
	if wasLoggedIn {
		p.sendStatus(models.StateDisconnected, "LOGOUT")
	}
}

func (p *Peer) handleSubscribe(ctx context.Context, f models.Frame) {
	userID, ok := p.requireLogin(f.ReqID)
	if !ok {
		return
	}
	if f.Channel == "" {
		p.fail(f.ReqID, models.CodeBadRequest, "channel is required")
		return
	}
	opts := models.SubscribeOptions{WithMessage: true, WithPresence: true}
	if f.Options != nil {
		opts = *f.Options
	}

	p.mu.Lock()
	_, already := p.subs[f.Channel]
	p.subs[f.Channel] = opts
	p.mu.Unlock()

	fresh := p.svc.hub.Add(f.Channel, p.conn, opts)
	if already || !fresh {
		// Re-subscribe only refreshes options; no second snapshot or join.
		p.ack(f.ReqID, nil)
		return
	}

	unlock := p.svc.lockPresence(f.Channel)
	defer unlock()

	joined, err := p.svc.store.Add(ctx, f.Channel, userID)
	if err != nil {
		p.svc.hub.Remove(f.Channel, p.conn.ID())
		p.mu.Lock()
		delete(p.subs, f.Channel)
		p.mu.Unlock()
		p.log.Error("presence add failed", "channel", f.Channel, "err", err)
		p.fail(f.ReqID, models.CodeInternal, "subscribe failed")
		return
	}
	if joined {
		ev := models.PresenceEvent{EventType: models.PresenceRemoteJoin, ChannelName: f.Channel, Publisher: userID}
		if err := p.svc.publishPresence(ctx, p.conn.ID(), ev); err != nil {
			p.log.Warn("publish join failed", "channel", f.Channel, "err", err)
		}
	}

	p.ack(f.ReqID, nil)

	if opts.WithPresence {
		// Read and queued under the channel lock: no join or leave can slip
		// between the snapshot and the events that follow it.
		members, err := p.svc.store.Members(ctx, f.Channel)
		if err != nil {
			p.log.Warn("snapshot failed", "channel", f.Channel, "err", err)
			return
		}
		if err := p.svc.publishSnapshot(ctx, p.conn.ID(), models.NewSnapshot(f.Channel, members)); err != nil {
			p.log.Warn("publish snapshot failed", "channel", f.Channel, "err", err)
			return
		}
	}
	p.log.Debug("subscribed", "user", userID, "channel", f.Channel)
}

func (p *Peer) handleUnsubscribe(ctx context.Context, f models.Frame) {
	if _, ok := p.requireLogin(f.ReqID); !ok {
		return
	}
	if f.Channel == "" {
		p.fail(f.ReqID, models.CodeBadRequest, "channel is required")
		return
	}
	p.leave(ctx, f.Channel)
	p.ack(f.ReqID, nil)
}

func (p *Peer) handlePublish(ctx context.Context, f models.Frame) {
	userID, ok := p.requireLogin(f.ReqID)
	if !ok {
		return
	}
	if f.Channel == "" {
		p.fail(f.ReqID, models.CodeBadRequest, "channel is required")
		return
	}
	channelType := f.ChannelType
	if channelType == "" {
		channelType = models.ChannelTypeMessage
	}
	if channelType != models.ChannelTypeMessage {
		p.fail(f.ReqID, models.CodeBadRequest, "unsupported channel type "+string(channelType))
		return
	}

	now := time.Now().UTC()
	msg := models.Message{
		ChannelName: f.Channel,
		ChannelType: channelType,
		Publisher:   userID,
		CustomType:  f.CustomType,
		Message:     f.Message,
		PublishTime: now,
	}
	err := p.svc.broker.Publish(ctx, Delivery{
		Channel:    f.Channel,
		OriginConn: p.conn.ID(),
		Event:      models.Event{Kind: models.EventMessage, Message: &msg},
	})
	if err != nil {
		p.log.Error("publish failed", "channel", f.Channel, "err", err)
		p.fail(f.ReqID, models.CodeInternal, "publish failed")
		return
	}
	p.svc.metrics.Published.WithLabelValues(string(f.CustomType)).Inc()
	p.ack(f.ReqID, &now)
}

func (p *Peer) handleRenew(f models.Frame) {
	userID, ok := p.requireLogin(f.ReqID)
	if !ok {
		return
	}
	claims, err := p.svc.signer.VerifyFor(f.Token, userID)
	if err != nil {
		p.fail(f.ReqID, models.CodeAuth, err.Error())
		return
	}
	p.armExpiry(claims.ExpiresAt.Time)
	p.log.Info("token renewed", "user", userID, "expires_at", claims.ExpiresAt.Time)
	p.ack(f.ReqID, nil)
}

func (p *Peer) leave(ctx context.Context, channel string) {
	p.mu.Lock()
	_, ok := p.subs[channel]
	delete(p.subs, channel)
	userID := p.userID
	p.mu.Unlock()
	if !ok {
		return
	}

	p.svc.hub.Remove(channel, p.conn.ID())

	unlock := p.svc.lockPresence(channel)
	defer unlock()
	left, err := p.svc.store.Remove(ctx, channel, userID)
	if err != nil {
		p.log.Warn("presence remove failed", "channel", channel, "err", err)
		return
	}
	if left {
		ev := models.PresenceEvent{EventType: models.PresenceRemoteLeave, ChannelName: channel, Publisher: userID}
		if err := p.svc.publishPresence(ctx, p.conn.ID(), ev); err != nil && !errors.Is(err, ErrBrokerClosed) {
			p.log.Warn("publish leave failed", "channel", channel, "err", err)
		}
	}
}

func (p *Peer) leaveAll(ctx context.Context) {
	p.mu.Lock()
	channels := make([]string, 0, len(p.subs))
	for ch := range p.subs {
		channels = append(channels, ch)
	}
	p.mu.Unlock()

	for _, ch := range channels {
		p.leave(ctx, ch)
	}
}

// armExpiry schedules the tokenExpiring warning, replacing any earlier one.
func (p *Peer) armExpiry(exp time.Time) {
	wait := time.Until(exp) - p.svc.opts.ExpiryWarning
	if wait < 0 {
		wait = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expiry != nil {
		p.expiry.Stop()
	}
	p.expiry = time.AfterFunc(wait, func() {
		p.svc.metrics.TokenWarnings.Inc()
		p.conn.Send(models.Frame{Type: models.FrameEvent, Event: &models.Event{
			Kind:          models.EventTokenExpiring,
			TokenExpiring: &models.TokenExpiringEvent{ExpiresAt: exp},
		}})
	})
}

func (p *Peer) requireLogin(reqID string) (string, bool) {
	p.mu.Lock()
	userID, loggedIn := p.userID, p.loggedIn
	p.mu.Unlock()
	if !loggedIn {
		p.fail(reqID, models.CodeNotLoggedIn, "login required")
		return "", false
	}
	return userID, true
}

func (p *Peer) sendStatus(state models.ConnectionState, reason string) {
	p.conn.Send(models.Frame{Type: models.FrameEvent, Event: &models.Event{
		Kind:   models.EventStatus,
		Status: &models.StatusEvent{State: state, Reason: reason, Timestamp: time.Now().UTC()},
	}})
}

func (p *Peer) ack(reqID string, publishTime *time.Time) {
	p.conn.Send(models.Frame{Type: models.FrameAck, ReqID: reqID, PublishTime: publishTime})
}

func (p *Peer) fail(reqID, code, msg string) {
	p.conn.Send(models.Frame{Type: models.FrameError, ReqID: reqID, Code: code, Error: msg})
}
