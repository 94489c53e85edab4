package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/mossy-p/rtm-calling/internal/metrics"
	"github.com/mossy-p/rtm-calling/internal/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Gateway upgrades fabric clients to websockets and feeds their frames to a
// fabric.Peer.
type Gateway struct {
	svc      *fabric.Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      config.FabricConfig
	upgrader websocket.Upgrader
}

func NewGateway(svc *fabric.Service, m *metrics.Metrics, log *slog.Logger, cfg config.FabricConfig) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	return &Gateway{
		svc:     svc,
		metrics: m,
		log:     log,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin checking is handled by middleware
				return true
			},
		},
	}
}

// wsConn is the fabric.Conn of one websocket client.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(f models.Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("failed to marshal frame", "type", f.Type, "err", err)
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("send buffer full, dropping frame", "type", f.Type)
		return false
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// HandleRTM serves one fabric client until its connection drops.
func (g *Gateway) HandleRTM(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("failed to upgrade connection", "err", err)
		return
	}

	id := uuid.NewString()
	client := &wsConn{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  g.log.With("conn", id),
	}
	peer := g.svc.NewPeer(client)
	client.log.Debug("fabric client connected", "remote", c.ClientIP())

	go g.writePump(client)

	// The request context ends when this handler returns, so the read loop
	// runs here rather than in its own goroutine.
	ctx := c.Request.Context()
	g.readPump(ctx, client, peer)

	peer.Close(context.WithoutCancel(ctx))
	client.close()
	client.log.Debug("fabric client disconnected", "user", peer.UserID())
}

func (g *Gateway) readPump(ctx context.Context, c *wsConn, peer *fabric.Peer) {
	pongWait := g.cfg.PingInterval * 10 / 9
	limiter := newLimiter(g.cfg)

	if g.cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(g.cfg.MaxMessageBytes)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				g.metrics.DroppedFrames.WithLabelValues(metrics.DropReasonTooLarge).Inc()
				c.log.Warn("frame exceeds read limit", "limit", g.cfg.MaxMessageBytes)
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("websocket error", "err", err)
			}
			return
		}

		f, err := models.ParseFrame(message)
		if err != nil {
			g.metrics.DroppedFrames.WithLabelValues(metrics.DropReasonMalformed).Inc()
			c.Send(models.Frame{Type: models.FrameError, Code: models.CodeBadRequest, Error: err.Error()})
			continue
		}
		if !limiter.Allow() {
			g.metrics.DroppedFrames.WithLabelValues(metrics.DropReasonRateLimited).Inc()
			c.Send(models.Frame{Type: models.FrameError, ReqID: f.ReqID, Code: models.CodeRateLimited, Error: "rate limit exceeded"})
			continue
		}
		peer.Handle(ctx, f)
	}
}

func (g *Gateway) writePump(c *wsConn) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Info("failed to write frame", "err", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newLimiter(cfg config.FabricConfig) *rate.Limiter {
	if cfg.MessagesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.MessageBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSec), burst)
}
