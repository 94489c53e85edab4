// Package logger configures the process-wide slog logger. The std backend
// writes text for local development; the zap backend writes JSON through
// slog-zap for staging and production.
package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

type Backend string

const (
	BackendStd Backend = "std"
	BackendZap Backend = "zap"
)

type Config struct {
	Service    string
	Version    string
	InstanceID string
	Env        string

	Level     slog.Level
	Backend   Backend
	Debug     bool
	AddSource bool

	// Zap sampling
	SampleInitial    int
	SampleThereafter int
}

var def *slog.Logger

// Init builds the logger and installs it as slog's default.
func Init(cfg Config) *slog.Logger {
	if cfg.Service == "" {
		cfg.Service = "rtm-calling"
	}
	if cfg.Env == "" {
		cfg.Env = "development"
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	if cfg.Backend == "" {
		if cfg.Env == "production" {
			cfg.Backend = BackendZap
		} else {
			cfg.Backend = BackendStd
		}
	}

	var h slog.Handler
	switch cfg.Backend {
	case BackendZap:
		h = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}

	h = h.WithAttrs([]slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", cfg.Env),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	})

	base := slog.New(h)
	slog.SetDefault(base)
	def = base
	return base
}

// L returns the configured logger, initialising a default one on first use.
func L() *slog.Logger {
	if def != nil {
		return def
	}
	return Init(Config{})
}

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}
	hn, _ := os.Hostname()
	return hn + "-" + uuid.New().String()[:8]
}

func level(cfg Config) slog.Level {
	if cfg.Debug && cfg.Level == 0 {
		return slog.LevelDebug
	}
	return cfg.Level
}

func newStdHandler(cfg Config) slog.Handler {
	return slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level(cfg),
		AddSource: cfg.AddSource,
	})
}
