package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           string        `yaml:"port"`
	Environment    string        `yaml:"environment"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	Auth           AuthConfig    `yaml:"auth"`
	Redis          RedisConfig   `yaml:"redis"`
	Fabric         FabricConfig  `yaml:"fabric"`
	Client         ClientConfig  `yaml:"client"`
	Logging        LoggingConfig `yaml:"logging"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	// DefaultExpire is used when a token request omits expire.
	DefaultExpire time.Duration `yaml:"defaultExpire"`
	MaxExpire     time.Duration `yaml:"maxExpire"`
	// ExpiryWarning is how long before exp the fabric emits tokenExpiring.
	ExpiryWarning time.Duration `yaml:"expiryWarning"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FabricConfig struct {
	Backend         string        `yaml:"backend"` // memory|redis
	PresenceTTL     time.Duration `yaml:"presenceTTL"`
	MessagesPerSec  float64       `yaml:"messagesPerSec"`
	MessageBurst    int           `yaml:"messageBurst"`
	MaxMessageBytes int64         `yaml:"maxMessageBytes"`
	PingInterval    time.Duration `yaml:"pingInterval"`
}

type ClientConfig struct {
	FabricURL      string        `yaml:"fabricURL"`
	TokenServerURL string        `yaml:"tokenServerURL"`
	AppID          string        `yaml:"appID"`
	LobbyChannel   string        `yaml:"lobbyChannel"`
	MediaChannel   string        `yaml:"mediaChannel"`
	TokenExpire    time.Duration `yaml:"tokenExpire"`
	RPCTimeout     time.Duration `yaml:"rpcTimeout"`
}

type LoggingConfig struct {
	Service   string `yaml:"service"`
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"` // std|zap
	AddSource bool   `yaml:"addSource"`
	Debug     bool   `yaml:"debug"`
}

// Load builds the configuration from defaults, then the optional YAML file at
// CONFIG_PATH, then environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:           "8080",
		Environment:    "development",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		Auth: AuthConfig{
			JWTSecret:     "change-me-in-production",
			DefaultExpire: time.Hour,
			MaxExpire:     24 * time.Hour,
			ExpiryWarning: 30 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: "6379",
		},
		Fabric: FabricConfig{
			Backend:         "memory",
			PresenceTTL:     24 * time.Hour,
			MessagesPerSec:  50,
			MessageBurst:    100,
			MaxMessageBytes: 32 << 10,
			PingInterval:    54 * time.Second,
		},
		Client: ClientConfig{
			FabricURL:      "ws://localhost:8080/ws/rtm",
			TokenServerURL: "http://localhost:8080/",
			LobbyChannel:   "cowin",
			MediaChannel:   "test",
			TokenExpire:    time.Hour,
			RPCTimeout:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Service: "rtm-calling",
			Version: "v0.1.0",
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	if originsStr := os.Getenv("ALLOWED_ORIGINS"); originsStr != "" {
		// comma-separated
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
	}

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.DefaultExpire = parseDurationOr(cfg.Auth.DefaultExpire, os.Getenv("TOKEN_DEFAULT_EXPIRE"))
	cfg.Auth.ExpiryWarning = parseDurationOr(cfg.Auth.ExpiryWarning, os.Getenv("TOKEN_EXPIRY_WARNING"))

	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
		cfg.Redis.DB = db
	}

	cfg.Fabric.Backend = getEnv("FABRIC_BACKEND", cfg.Fabric.Backend)

	cfg.Client.FabricURL = getEnv("RTM_FABRIC_URL", cfg.Client.FabricURL)
	cfg.Client.TokenServerURL = getEnv("TOKEN_SERVER_URL", cfg.Client.TokenServerURL)
	cfg.Client.AppID = getEnv("APP_ID", cfg.Client.AppID)
	cfg.Client.LobbyChannel = getEnv("LOBBY_CHANNEL", cfg.Client.LobbyChannel)
	cfg.Client.MediaChannel = getEnv("MEDIA_CHANNEL", cfg.Client.MediaChannel)
	cfg.Client.RPCTimeout = parseDurationOr(cfg.Client.RPCTimeout, os.Getenv("RTM_RPC_TIMEOUT"))

	cfg.Logging.Backend = getEnv("LOG_BACKEND", cfg.Logging.Backend)
	if os.Getenv("LOG_DEBUG") == "true" {
		cfg.Logging.Debug = true
	}
}

func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwtSecret is required")
	}
	if c.Auth.DefaultExpire <= 0 || c.Auth.MaxExpire < c.Auth.DefaultExpire {
		return fmt.Errorf("auth: invalid expire bounds default=%s max=%s", c.Auth.DefaultExpire, c.Auth.MaxExpire)
	}
	switch c.Fabric.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("fabric.backend must be memory or redis, got %q", c.Fabric.Backend)
	}
	if c.Client.RPCTimeout <= 0 {
		return errors.New("client.rpcTimeout must be positive")
	}
	return nil
}

// IsProduction reports whether the server runs in release mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOr(def time.Duration, s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
