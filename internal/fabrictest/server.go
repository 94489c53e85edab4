// Package fabrictest runs an in-process fabric server for tests.
package fabrictest

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/mossy-p/rtm-calling/internal/handlers"
	"github.com/mossy-p/rtm-calling/internal/metrics"
	"github.com/mossy-p/rtm-calling/internal/models"
)

const Secret = "fabrictest-secret"

type Server struct {
	*httptest.Server
	Config  *config.Config
	Signer  *auth.Signer
	Service *fabric.Service
	Metrics *metrics.Metrics
}

// NewServer starts a memory-backed fabric with its token issuer. mutate may
// adjust the configuration before the server starts. The server is closed
// when the test ends.
func NewServer(t testing.TB, mutate ...func(*config.Config)) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Port:           "0",
		Environment:    "test",
		AllowedOrigins: []string{"*"},
		Auth: config.AuthConfig{
			JWTSecret:     Secret,
			DefaultExpire: time.Hour,
			MaxExpire:     24 * time.Hour,
			ExpiryWarning: 30 * time.Second,
		},
		Fabric: config.FabricConfig{
			Backend:         "memory",
			MaxMessageBytes: 32 << 10,
			PingInterval:    54 * time.Second,
		},
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	signer := auth.NewSigner(cfg.Auth.JWTSecret)
	svc := fabric.NewService(fabric.NewMemoryBroker(0), fabric.NewMemoryPresenceStore(), signer, m, log, fabric.Options{
		ExpiryWarning: cfg.Auth.ExpiryWarning,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Run(ctx) }()

	srv := httptest.NewServer(handlers.NewRouter(handlers.Deps{
		Config:  cfg,
		Service: svc,
		Signer:  signer,
		Metrics: m,
		Log:     log,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})

	return &Server{Server: srv, Config: cfg, Signer: signer, Service: svc, Metrics: m}
}

// WSURL is the fabric websocket endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws/rtm"
}

// BaseURL is the token issuer base, with the trailing slash clients expect.
func (s *Server) BaseURL() string {
	return s.URL + "/"
}

// Token signs an RTM token for uid.
func (s *Server) Token(t testing.TB, uid string, ttl time.Duration) string {
	t.Helper()
	tok, _, err := s.Signer.Sign(uid, models.TokenTypeRTM, "", ttl)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}
