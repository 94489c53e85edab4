package redis

import (
	"context"
	"fmt"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix  = "rtm:chan:"
	presencePrefix = "rtm:presence:"
)

// Connect opens a client and pings it once.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func channelKey(channel string) string  { return channelPrefix + channel }
func presenceKey(channel string) string { return presencePrefix + channel }
