package rtm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/rtm-calling/internal/models"
)

const writeWait = 10 * time.Second

type Options struct {
	// RPCTimeout bounds every request that waits for a fabric reply.
	RPCTimeout time.Duration
	Dialer     *websocket.Dialer
	Log        *slog.Logger
}

// connection is one websocket session. done closes when its reader exits.
type connection struct {
	ws   *websocket.Conn
	done chan struct{}
}

// WSClient implements Client over the fabric websocket protocol. The socket
// is dialed by Login and dropped by Logout.
type WSClient struct {
	url     string
	dialer  *websocket.Dialer
	timeout time.Duration
	log     *slog.Logger

	events chan models.Event
	queue  *eventQueue
	done   chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *connection
	pending  map[string]chan models.Frame
	userID   string
	loggedIn bool
	subs     map[string]SubscribeOptions
	closed   bool
}

var _ Client = (*WSClient)(nil)

func NewWSClient(url string, opts Options) *WSClient {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = 10 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	c := &WSClient{
		url:     url,
		dialer:  opts.Dialer,
		timeout: opts.RPCTimeout,
		log:     opts.Log,
		events:  make(chan models.Event, 64),
		queue:   newEventQueue(),
		done:    make(chan struct{}),
		pending: make(map[string]chan models.Frame),
		subs:    make(map[string]SubscribeOptions),
	}
	go c.queue.run(c.events, c.done)
	return c
}

func (c *WSClient) Events() <-chan models.Event {
	return c.events
}

func (c *WSClient) Login(ctx context.Context, userID, token string) (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Session{}, ErrClosed
	}
	if c.loggedIn && c.userID != userID {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: already logged in as %s", ErrAuth, c.userID)
	}
	c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}
	if _, err := c.rpc(ctx, models.Frame{Type: models.FrameLogin, UserID: userID, Token: token}); err != nil {
		return Session{}, fmt.Errorf("%w: %w", ErrAuth, err)
	}

	c.mu.Lock()
	c.userID = userID
	c.loggedIn = true
	c.mu.Unlock()

	c.log.Info("rtm login", "user", userID)
	return Session{UserID: userID, LoggedInAt: time.Now()}, nil
}

func (c *WSClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	loggedIn, conn := c.loggedIn, c.conn
	c.loggedIn = false
	c.subs = make(map[string]SubscribeOptions)
	c.mu.Unlock()
	if !loggedIn || conn == nil {
		return nil
	}

	_, err := c.rpc(ctx, models.Frame{Type: models.FrameLogout})
	c.dropConn(conn)
	if err != nil {
		c.log.Warn("rtm logout", "err", err)
		return err
	}
	return nil
}

func (c *WSClient) Subscribe(ctx context.Context, channel string, opts SubscribeOptions) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	current, subscribed := c.subs[channel]
	c.mu.Unlock()

	if !loggedIn {
		return fmt.Errorf("%w: %w", ErrSubscribe, ErrNotLoggedIn)
	}
	if subscribed && current == opts {
		return nil
	}

	o := opts
	if _, err := c.rpc(ctx, models.Frame{Type: models.FrameSubscribe, Channel: channel, Options: &o}); err != nil {
		if remoteCode(err) == models.CodeNotLoggedIn {
			return fmt.Errorf("%w: %w", ErrSubscribe, ErrNotLoggedIn)
		}
		return fmt.Errorf("%w: %s: %w", ErrSubscribe, channel, err)
	}

	c.mu.Lock()
	c.subs[channel] = opts
	c.mu.Unlock()
	return nil
}

func (c *WSClient) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	_, subscribed := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()

	if !loggedIn {
		return ErrNotLoggedIn
	}
	if !subscribed {
		return nil
	}
	if _, err := c.rpc(ctx, models.Frame{Type: models.FrameUnsubscribe, Channel: channel}); err != nil {
		return fmt.Errorf("rtm: unsubscribe %s: %w", channel, err)
	}
	return nil
}

func (c *WSClient) Publish(ctx context.Context, channel, payload string, opts PublishOptions) (PublishAck, error) {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return PublishAck{}, fmt.Errorf("%w: %w", ErrPublish, ErrNotLoggedIn)
	}

	reply, err := c.rpc(ctx, models.Frame{
		Type:        models.FramePublish,
		Channel:     channel,
		ChannelType: opts.ChannelType,
		CustomType:  opts.CustomType,
		Message:     payload,
	})
	if err != nil {
		if remoteCode(err) == models.CodeNotLoggedIn {
			return PublishAck{}, fmt.Errorf("%w: %w", ErrPublish, ErrNotLoggedIn)
		}
		return PublishAck{}, fmt.Errorf("%w: %s: %w", ErrPublish, channel, err)
	}

	ack := PublishAck{Channel: channel, PublishTime: time.Now()}
	if reply.PublishTime != nil {
		ack.PublishTime = *reply.PublishTime
	}
	return ack, nil
}

func (c *WSClient) RenewToken(ctx context.Context, token, channel string) error {
	c.mu.Lock()
	loggedIn := c.loggedIn
	c.mu.Unlock()
	if !loggedIn {
		return fmt.Errorf("%w: %w", ErrAuth, ErrNotLoggedIn)
	}
	if _, err := c.rpc(ctx, models.Frame{Type: models.FrameRenewToken, Token: token, Channel: channel}); err != nil {
		return fmt.Errorf("%w: renew: %w", ErrAuth, err)
	}
	return nil
}

// Close drops the connection and ends the event stream.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.loggedIn = false
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.dropConn(conn)
	}
	close(c.done)
	return nil
}

func (c *WSClient) ensureConn(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	conn := &connection{ws: ws, done: make(chan struct{})}
	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Login.
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *WSClient) dropConn(conn *connection) {
	c.writeMu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	conn.ws.Close()
	<-conn.done
}

// rpc sends f with a fresh request id and waits for its ack or error.
func (c *WSClient) rpc(ctx context.Context, f models.Frame) (models.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return models.Frame{}, errors.New("not connected")
	}
	f.ReqID = uuid.NewString()
	reply := make(chan models.Frame, 1)
	c.pending[f.ReqID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, f.ReqID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err := conn.ws.WriteJSON(f)
	c.writeMu.Unlock()
	if err != nil {
		return models.Frame{}, fmt.Errorf("write %s: %w", f.Type, err)
	}

	select {
	case r := <-reply:
		if r.Type == models.FrameError {
			return r, &RemoteError{Code: r.Code, Message: r.Error}
		}
		return r, nil
	case <-conn.done:
		return models.Frame{}, errors.New("connection closed")
	case <-ctx.Done():
		return models.Frame{}, fmt.Errorf("%s: %w", f.Type, ctx.Err())
	}
}

func (c *WSClient) readLoop(conn *connection) {
	defer c.connLost(conn)

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("rtm connection lost", "err", err)
			}
			return
		}

		f, err := models.ParseFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}

		switch f.Type {
		case models.FrameAck, models.FrameError:
			c.mu.Lock()
			reply, ok := c.pending[f.ReqID]
			c.mu.Unlock()
			if ok {
				reply <- f
			} else if f.Type == models.FrameError {
				c.log.Warn("fabric error", "code", f.Code, "error", f.Error)
			}
		case models.FrameEvent:
			c.queue.push(*f.Event)
		default:
			c.log.Debug("ignoring frame", "type", f.Type)
		}
	}
}

func (c *WSClient) connLost(conn *connection) {
	close(conn.done)
	conn.ws.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasLoggedIn := c.loggedIn
	c.loggedIn = false
	c.subs = make(map[string]SubscribeOptions)
	c.mu.Unlock()

	if wasLoggedIn {
		c.queue.push(models.Event{Kind: models.EventStatus, Status: &models.StatusEvent{
			State:     models.StateDisconnected,
			Reason:    "CONNECTION_LOST",
			Timestamp: time.Now().UTC(),
		}})
	}
}
