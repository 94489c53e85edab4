// Package session ties identity, tokens, the fabric client, presence and
// the call machine into one logged-in session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/rtm-calling/internal/call"
	"github.com/mossy-p/rtm-calling/internal/models"
	"github.com/mossy-p/rtm-calling/internal/presence"
	"github.com/mossy-p/rtm-calling/internal/rtm"
	"github.com/mossy-p/rtm-calling/internal/tokens"
)

var ErrNotStarted = errors.New("session: not started")

type Identifier interface {
	Identify() string
}

type TokenSource interface {
	Fetch(ctx context.Context, uid string) (tokens.Token, error)
}

type Options struct {
	// LobbyChannel is joined after the client's own direct channel.
	LobbyChannel string
	AppID        string
	MediaChannel string
	Media        call.Media
	// OnChat receives plain (non call) messages. Without it they are logged.
	OnChat func(msg models.Message, payload models.Payload)
	// Attach, when set, runs with the new tracker and machine before login,
	// so listeners it registers see the first snapshot and early invites.
	Attach func(*presence.Tracker, *call.Machine)
	// RenewTimeout bounds one token renewal.
	RenewTimeout time.Duration
	Log          *slog.Logger
}

// Manager owns one session: it is created once and may be started and
// logged out repeatedly.
type Manager struct {
	id     Identifier
	tokens TokenSource
	client rtm.Client
	opts   Options
	log    *slog.Logger

	mu       sync.Mutex
	started  bool
	self     string
	token    tokens.Token
	channel  string
	tracker  *presence.Tracker
	machine  *call.Machine
	stop     context.CancelFunc
	stopped  chan struct{}
	renewing atomic.Bool
}

func New(id Identifier, ts TokenSource, client rtm.Client, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.RenewTimeout <= 0 {
		opts.RenewTimeout = 15 * time.Second
	}
	return &Manager{
		id:     id,
		tokens: ts,
		client: client,
		opts:   opts,
		log:    opts.Log.With("component", "session"),
	}
}

// EnsureToken fetches a token for identity. Errors match tokens.ErrToken.
func (m *Manager) EnsureToken(ctx context.Context, identity string) (tokens.Token, error) {
	tok, err := m.tokens.Fetch(ctx, identity)
	if err != nil {
		return tokens.Token{}, fmt.Errorf("session: token for %s: %w", identity, err)
	}
	return tok, nil
}

// Start identifies, fetches a token, logs in and subscribes to the client's
// own direct channel and then the lobby. On any failure the manager stays
// logged out.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	self := m.id.Identify()
	tok, err := m.EnsureToken(ctx, self)
	if err != nil {
		return err
	}

	tracker := presence.NewTracker(self, m.opts.Log)
	machine := call.New(self, m.client, call.Options{
		Media:     m.opts.Media,
		MediaJoin: m.mediaJoin,
		Log:       m.opts.Log,
	})
	if m.opts.Attach != nil {
		m.opts.Attach(tracker, machine)
	}

	// The dispatcher attaches before any subscribe so no early event is lost.
	dctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	stopped := make(chan struct{})

	m.mu.Lock()
	m.self = self
	m.token = tok
	m.tracker = tracker
	m.machine = machine
	m.stop = stop
	m.stopped = stopped
	m.mu.Unlock()

	go m.dispatch(dctx, stopped)

	abort := func(err error) error {
		stop()
		<-stopped
		machine.Close()
		_ = m.client.Logout(context.WithoutCancel(ctx))
		return err
	}

	if _, err := m.client.Login(ctx, self, tok.Value); err != nil {
		return abort(fmt.Errorf("session: login: %w", err))
	}
	channels := []string{call.DirectChannelFor(self)}
	if m.opts.LobbyChannel != "" && m.opts.LobbyChannel != channels[0] {
		channels = append(channels, m.opts.LobbyChannel)
	}
	for _, ch := range channels {
		if err := m.client.Subscribe(ctx, ch, rtm.DefaultSubscribeOptions); err != nil {
			return abort(fmt.Errorf("session: join %s: %w", ch, err))
		}
	}

	m.mu.Lock()
	m.started = true
	m.channel = channels[len(channels)-1]
	m.mu.Unlock()

	m.log.Info("session started", "self", self, "channels", channels, "token_expires_at", tok.ExpiresAt)
	return nil
}

// Join subscribes to another channel and makes it the current channel.
func (m *Manager) Join(ctx context.Context, channel string) error {
	if !m.isStarted() {
		return ErrNotStarted
	}
	if err := m.client.Subscribe(ctx, channel, rtm.DefaultSubscribeOptions); err != nil {
		return err
	}
	m.mu.Lock()
	m.channel = channel
	m.mu.Unlock()
	return nil
}

// Leave unsubscribes from channel and forgets its members.
func (m *Manager) Leave(ctx context.Context, channel string) error {
	if !m.isStarted() {
		return ErrNotStarted
	}
	if err := m.client.Unsubscribe(ctx, channel); err != nil {
		return err
	}
	m.Tracker().Forget(channel)
	return nil
}

// Logout hangs up locally, leaves the fabric and stops event dispatch. It is
// safe to call when the session never started.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	machine, stop, stopped := m.machine, m.stop, m.stopped
	m.mu.Unlock()

	if err := machine.HangUp(ctx); err != nil {
		m.log.Warn("hang up on logout", "err", err)
	}
	err := m.client.Logout(ctx)
	stop()
	<-stopped
	machine.Close()

	m.log.Info("session ended")
	return err
}

// Call invites peer.
func (m *Manager) Call(ctx context.Context, peer string) error {
	if !m.isStarted() {
		return ErrNotStarted
	}
	return m.Machine().Call(ctx, peer)
}

func (m *Manager) Self() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

func (m *Manager) Token() tokens.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// Channel is the current channel, used as the renewal context.
func (m *Manager) Channel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

func (m *Manager) Tracker() *presence.Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker
}

func (m *Manager) Machine() *call.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine
}

func (m *Manager) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *Manager) mediaJoin(string) call.MediaJoin {
	return call.MediaJoin{
		AppID:   m.opts.AppID,
		Channel: m.opts.MediaChannel,
		Token:   m.Token().Value,
	}
}
