package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/rtm-calling/internal/call"
	"github.com/mossy-p/rtm-calling/internal/models"
	"github.com/mossy-p/rtm-calling/internal/presence"
	"github.com/mossy-p/rtm-calling/internal/rtm"
	"github.com/mossy-p/rtm-calling/internal/tokens"
)

type fixedID string

func (f fixedID) Identify() string { return string(f) }

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTokens) Fetch(_ context.Context, uid string) (tokens.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return tokens.Token{}, f.err
	}
	return tokens.Token{Value: fmt.Sprintf("T%d-%s", f.calls, uid), ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeClient struct {
	events chan models.Event
	// onLogin is queued on the event stream by a successful Login.
	onLogin []models.Event

	mu        sync.Mutex
	loginErr  error
	renewErr  error
	loggedIn  bool
	subs      []string
	renewals  []string
	logouts   int
	published []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan models.Event, 16)}
}

func (c *fakeClient) Login(_ context.Context, userID, token string) (rtm.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loginErr != nil {
		return rtm.Session{}, c.loginErr
	}
	c.loggedIn = true
	for _, ev := range c.onLogin {
		c.events <- ev
	}
	return rtm.Session{UserID: userID}, nil
}

func (c *fakeClient) Logout(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		c.logouts++
	}
	c.loggedIn = false
	return nil
}

func (c *fakeClient) Subscribe(_ context.Context, channel string, _ rtm.SubscribeOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, channel)
	return nil
}

func (c *fakeClient) Unsubscribe(context.Context, string) error { return nil }

func (c *fakeClient) Publish(_ context.Context, channel, _ string, opts rtm.PublishOptions) (rtm.PublishAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, channel+":"+string(opts.CustomType))
	return rtm.PublishAck{Channel: channel, PublishTime: time.Now()}, nil
}

func (c *fakeClient) RenewToken(_ context.Context, token, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewErr != nil {
		return c.renewErr
	}
	c.renewals = append(c.renewals, token+"@"+channel)
	return nil
}

func (c *fakeClient) Events() <-chan models.Event { return c.events }
func (c *fakeClient) Close() error                { return nil }

func (c *fakeClient) snapshot() (subs, renewals []string, logouts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.subs), slices.Clone(c.renewals), c.logouts
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startedManager(t *testing.T, opts Options) (*Manager, *fakeClient, *fakeTokens) {
	t.Helper()
	client := newFakeClient()
	ts := &fakeTokens{}
	if opts.LobbyChannel == "" {
		opts.LobbyChannel = "cowin"
	}
	opts.Log = quietLog()
	m := New(fixedID("alice"), ts, client, opts)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Logout(context.Background()) })
	return m, client, ts
}

func TestStart_SubscribesOwnChannelThenLobby(t *testing.T) {
	m, client, _ := startedManager(t, Options{})

	subs, _, _ := client.snapshot()
	if !slices.Equal(subs, []string{"alice", "cowin"}) {
		t.Fatalf("subscriptions=%v", subs)
	}
	if m.Self() != "alice" || m.Channel() != "cowin" {
		t.Fatalf("self=%q channel=%q", m.Self(), m.Channel())
	}
	if m.Token().Value == "" {
		t.Fatalf("no token recorded")
	}
}

func TestStart_AttachSeesFirstSnapshot(t *testing.T) {
	client := newFakeClient()
	snap := models.NewSnapshot("cowin", []string{"alice", "bob"})
	client.onLogin = []models.Event{{Kind: models.EventPresence, Presence: &snap}}

	var (
		changes       chan presence.Change
		attachedEarly bool
	)
	m := New(fixedID("alice"), &fakeTokens{}, client, Options{
		LobbyChannel: "cowin",
		Log:          quietLog(),
		Attach: func(tr *presence.Tracker, _ *call.Machine) {
			client.mu.Lock()
			attachedEarly = !client.loggedIn
			client.mu.Unlock()
			changes = tr.Subscribe()
		},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = m.Logout(context.Background()) })

	if !attachedEarly {
		t.Fatalf("Attach ran after login")
	}
	select {
	case c := <-changes:
		if c.Channel != "cowin" || c.Peer != "bob" || !c.Joined {
			t.Fatalf("change=%#v, want bob joined cowin", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("initial snapshot never reached the listener")
	}
}

func TestStart_TokenFailureStopsBeforeLogin(t *testing.T) {
	client := newFakeClient()
	ts := &fakeTokens{err: tokens.ErrToken}
	m := New(fixedID("alice"), ts, client, Options{Log: quietLog()})

	if err := m.Start(context.Background()); !errors.Is(err, tokens.ErrToken) {
		t.Fatalf("err=%v, want ErrToken", err)
	}
	client.mu.Lock()
	loggedIn := client.loggedIn
	client.mu.Unlock()
	if loggedIn {
		t.Fatalf("login attempted without a token")
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout of unstarted session: %v", err)
	}
}

func TestStart_LoginFailure(t *testing.T) {
	client := newFakeClient()
	client.loginErr = rtm.ErrAuth
	m := New(fixedID("alice"), &fakeTokens{}, client, Options{Log: quietLog()})

	if err := m.Start(context.Background()); !errors.Is(err, rtm.ErrAuth) {
		t.Fatalf("err=%v, want ErrAuth", err)
	}
	if err := m.Call(context.Background(), "bob"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("call after failed start err=%v", err)
	}
}

func TestDispatch_RoutesByKind(t *testing.T) {
	var (
		chatMu sync.Mutex
		chats  []string
	)
	m, client, _ := startedManager(t, Options{OnChat: func(msg models.Message, p models.Payload) {
		chatMu.Lock()
		chats = append(chats, msg.Publisher+":"+p.Message)
		chatMu.Unlock()
	}})

	snap := models.NewSnapshot("cowin", []string{"alice", "bob"})
	client.events <- models.Event{Kind: models.EventPresence, Presence: &snap}
	client.events <- models.Event{Kind: models.EventMessage, Message: &models.Message{
		ChannelName: "cowin", Publisher: "bob", Message: models.EncodePayload("hi"),
	}}
	client.events <- models.Event{Kind: models.EventMessage, Message: &models.Message{
		ChannelName: "cowin", Publisher: "bob", Message: "{broken",
	}}
	client.events <- models.Event{Kind: models.EventMessage, Message: &models.Message{
		ChannelName: "alice", Publisher: "bob", CustomType: models.CustomTypeCalling,
		Message: models.EncodePayload(models.CallingText),
	}}
	client.events <- models.Event{Kind: models.EventStatus, Status: &models.StatusEvent{State: models.StateConnected}}

	eventually(t, "presence applied", func() bool {
		return slices.Equal(m.Tracker().CurrentPeers("cowin"), []string{"alice", "bob"})
	})
	eventually(t, "invite received", func() bool {
		s := m.Machine().State()
		return s.Kind == call.RingingInbound && s.Peer == "bob"
	})
	chatMu.Lock()
	defer chatMu.Unlock()
	if !slices.Equal(chats, []string{"bob:hi"}) {
		t.Fatalf("chats=%v", chats)
	}
}

func TestDispatch_RenewsOnTokenExpiring(t *testing.T) {
	m, client, _ := startedManager(t, Options{})
	before := m.Token().Value

	client.events <- models.Event{Kind: models.EventTokenExpiring, TokenExpiring: &models.TokenExpiringEvent{}}

	eventually(t, "renewal", func() bool {
		_, renewals, _ := client.snapshot()
		return len(renewals) == 1
	})
	_, renewals, _ := client.snapshot()
	if renewals[0] != m.Token().Value+"@cowin" || m.Token().Value == before {
		t.Fatalf("renewals=%v token=%q before=%q", renewals, m.Token().Value, before)
	}
}

func TestDispatch_RenewalFailureIsContained(t *testing.T) {
	m, client, ts := startedManager(t, Options{})
	before := m.Token()
	ts.fail(tokens.ErrToken)

	client.events <- models.Event{Kind: models.EventTokenExpiring, TokenExpiring: &models.TokenExpiringEvent{}}
	snap := models.NewSnapshot("cowin", []string{"carol"})
	client.events <- models.Event{Kind: models.EventPresence, Presence: &snap}

	// Delivery continues after the failed renewal.
	eventually(t, "presence after failed renewal", func() bool {
		return slices.Equal(m.Tracker().CurrentPeers("cowin"), []string{"carol"})
	})
	if m.Token() != before {
		t.Fatalf("token replaced after failed renewal")
	}
	if _, renewals, _ := client.snapshot(); len(renewals) != 0 {
		t.Fatalf("renewals=%v", renewals)
	}
}

func TestLogout(t *testing.T) {
	m, client, _ := startedManager(t, Options{})
	ctx := context.Background()

	if err := m.Call(ctx, "bob"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	machine := m.Machine()
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, _, logouts := client.snapshot(); logouts != 1 {
		t.Fatalf("logouts=%d", logouts)
	}
	if err := machine.Call(ctx, "bob"); !errors.Is(err, call.ErrStopped) {
		t.Fatalf("machine still running after logout: %v", err)
	}
	if err := m.Logout(ctx); err != nil {
		t.Fatalf("second logout: %v", err)
	}
}
