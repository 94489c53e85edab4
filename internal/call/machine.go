// Package call runs the invite/accept handshake that sets up a call
// between two identities.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mossy-p/rtm-calling/internal/models"
	"github.com/mossy-p/rtm-calling/internal/rtm"
)

var (
	ErrBusy        = errors.New("call: already in a call")
	ErrNoInvite    = errors.New("call: no pending invite")
	ErrInvalidPeer = errors.New("call: invalid peer")
	ErrStopped     = errors.New("call: machine stopped")
)

// Publisher is the slice of rtm.Client the machine needs.
type Publisher interface {
	Publish(ctx context.Context, channel, payload string, opts rtm.PublishOptions) (rtm.PublishAck, error)
}

type Options struct {
	Media Media
	// MediaJoin builds the media room parameters for a call with peer.
	MediaJoin func(peer string) MediaJoin
	Log       *slog.Logger
}

type command struct {
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
}

// Machine is the call slot of one client. Every user action and inbound
// message is applied by a single goroutine, one at a time, in arrival order.
type Machine struct {
	self      string
	pub       Publisher
	media     Media
	mediaJoin func(string) MediaJoin
	log       *slog.Logger

	cmds chan command
	done chan struct{}
	once sync.Once

	// state is written only by the loop goroutine.
	stateMu sync.RWMutex
	state   State

	listenerMu sync.Mutex
	listeners  []chan Notification
}

// New starts a machine for identity self.
func New(self string, pub Publisher, opts Options) *Machine {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MediaJoin == nil {
		opts.MediaJoin = func(string) MediaJoin { return MediaJoin{} }
	}
	m := &Machine{
		self:      self,
		pub:       pub,
		media:     opts.Media,
		mediaJoin: opts.MediaJoin,
		log:       opts.Log.With("component", "call", "self", self),
		cmds:      make(chan command, 64),
		done:      make(chan struct{}),
	}
	go m.loop()
	return m
}

// Close stops the machine. Pending and later operations fail with
// ErrStopped. The media layer is left if a call was active.
func (m *Machine) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Machine) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Call invites peer. It publishes CALLING into the peer's direct channel and
// moves to RingingOutbound once the publish is acknowledged.
func (m *Machine) Call(ctx context.Context, peer string) error {
	return m.do(ctx, func(ctx context.Context) error {
		if peer == "" || peer == m.self {
			return fmt.Errorf("%w: %q", ErrInvalidPeer, peer)
		}
		if cur := m.State(); cur.Kind != Idle {
			return fmt.Errorf("%w: %s", ErrBusy, cur)
		}
		if err := m.publish(ctx, peer, models.CustomTypeCalling); err != nil {
			return err
		}
		m.transition(State{Kind: RingingOutbound, Peer: peer})
		return nil
	})
}

// Accept answers the pending invite with ACCEPT_CALL and enters the call.
func (m *Machine) Accept(ctx context.Context) error {
	return m.do(ctx, func(ctx context.Context) error {
		cur := m.State()
		if cur.Kind != RingingInbound {
			return ErrNoInvite
		}
		if err := m.publish(ctx, cur.Peer, models.CustomTypeAcceptCall); err != nil {
			return err
		}
		m.transition(State{Kind: InCall, Peer: cur.Peer})
		return nil
	})
}

// Reject drops the pending invite. Nothing is sent; the caller keeps
// ringing until it hangs up.
func (m *Machine) Reject(ctx context.Context) error {
	return m.do(ctx, func(context.Context) error {
		cur := m.State()
		if cur.Kind != RingingInbound {
			return ErrNoInvite
		}
		m.log.Info("invite rejected", "caller", cur.Peer)
		m.transition(State{Kind: Idle})
		return nil
	})
}

// HangUp returns to Idle from any state. Teardown is local only; the remote
// side is not told.
func (m *Machine) HangUp(ctx context.Context) error {
	return m.do(ctx, func(context.Context) error {
		if m.State().Kind == Idle {
			return nil
		}
		m.transition(State{Kind: Idle})
		return nil
	})
}

// HandleMessage queues an inbound message. It does not wait for the message
// to be applied.
func (m *Machine) HandleMessage(ctx context.Context, msg models.Message) error {
	cmd := command{ctx: ctx, run: func(context.Context) error {
		m.receive(msg)
		return nil
	}}
	select {
	case m.cmds <- cmd:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) Subscribe() chan Notification {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	ch := make(chan Notification, 32)
	m.listeners = append(m.listeners, ch)
	return ch
}

func (m *Machine) Unsubscribe(ch chan Notification) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Machine) do(ctx context.Context, run func(ctx context.Context) error) error {
	cmd := command{ctx: ctx, run: run, reply: make(chan error, 1)}
	select {
	case m.cmds <- cmd:
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return ErrStopped
	}
}

func (m *Machine) loop() {
	defer func() {
		if m.State().Kind == InCall {
			m.setMedia(m.State().Peer, false)
		}
	}()
	for {
		select {
		case <-m.done:
			return
		case cmd := <-m.cmds:
			err := cmd.run(cmd.ctx)
			if cmd.reply != nil {
				cmd.reply <- err
			}
		}
	}
}

func (m *Machine) receive(msg models.Message) {
	if msg.Publisher == m.self || !msg.CustomType.IsCallSignal() {
		return
	}
	if _, err := models.ParsePayload(msg.Message); err != nil {
		m.log.Warn("dropping call message", "from", msg.Publisher, "type", msg.CustomType, "err", err)
		return
	}

	cur := m.State()
	switch msg.CustomType {
	case models.CustomTypeCalling:
		if cur.Kind != Idle {
			m.log.Info("ignoring invite while busy", "from", msg.Publisher, "state", cur)
			m.notify(Notification{Kind: InviteIgnored, State: cur, Peer: msg.Publisher})
			return
		}
		invite := msg
		m.transition(State{Kind: RingingInbound, Peer: msg.Publisher, Invite: &invite})
		m.notify(Notification{Kind: InviteReceived, State: m.State(), Peer: msg.Publisher})

	case models.CustomTypeAcceptCall:
		if cur.Kind != RingingOutbound || cur.Peer != msg.Publisher {
			m.log.Info("ignoring unexpected accept", "from", msg.Publisher, "state", cur)
			m.notify(Notification{Kind: AcceptIgnored, State: cur, Peer: msg.Publisher})
			return
		}
		m.transition(State{Kind: InCall, Peer: msg.Publisher})
	}
}

func (m *Machine) publish(ctx context.Context, peer string, ct models.CustomType) error {
	_, err := m.pub.Publish(ctx, DirectChannelFor(peer), models.EncodePayload(models.CallingText), rtm.PublishOptions{
		CustomType:  ct,
		ChannelType: models.ChannelTypeMessage,
	})
	if err != nil {
		return fmt.Errorf("call: send %s to %s: %w", ct, peer, err)
	}
	return nil
}

// transition must only run on the loop goroutine.
func (m *Machine) transition(next State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = next
	m.stateMu.Unlock()

	if prev.Kind == InCall && next.Kind != InCall {
		m.setMedia(prev.Peer, false)
	}
	if next.Kind == InCall && prev.Kind != InCall {
		m.setMedia(next.Peer, true)
	}

	m.log.Info("call state", "from", prev, "to", next)
	m.notify(Notification{Kind: StateChanged, State: next, Peer: next.Peer})
}

func (m *Machine) setMedia(peer string, joined bool) {
	if m.media == nil {
		return
	}
	m.media.SetJoined(m.mediaJoin(peer), joined)
}

func (m *Machine) notify(n Notification) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for _, ch := range m.listeners {
		select {
		case ch <- n:
		default:
			m.log.Warn("call listener full, dropping notification", "kind", n.Kind)
		}
	}
}
