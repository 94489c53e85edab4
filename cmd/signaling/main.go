package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/auth"
	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/mossy-p/rtm-calling/internal/handlers"
	"github.com/mossy-p/rtm-calling/internal/logger"
	"github.com/mossy-p/rtm-calling/internal/metrics"
	"github.com/mossy-p/rtm-calling/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	log := logger.Init(logger.Config{
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Env:       cfg.Environment,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
	})

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, store, closeBackend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	m := metrics.New()
	signer := auth.NewSigner(cfg.Auth.JWTSecret)
	svc := fabric.NewService(broker, store, signer, m, log, fabric.Options{
		ExpiryWarning: cfg.Auth.ExpiryWarning,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.Deps{
		Config:  cfg,
		Service: svc,
		Signer:  signer,
		Metrics: m,
		Log:     log,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting rtm fabric server", "port", cfg.Port, "backend", cfg.Fabric.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (fabric.Broker, fabric.PresenceStore, func(), error) {
	if cfg.Fabric.Backend != "redis" {
		broker := fabric.NewMemoryBroker(0)
		return broker, fabric.NewMemoryPresenceStore(), func() { _ = broker.Close() }, nil
	}

	client, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Info("Redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	broker, err := redis.NewBroker(ctx, client, log)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}
	closeFn := func() {
		_ = broker.Close()
		_ = client.Close()
	}
	return broker, redis.NewPresenceStore(client, cfg.Fabric.PresenceTTL), closeFn, nil
}
