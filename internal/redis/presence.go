package redis

import (
	"context"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// PresenceStore keeps per-channel connection counts in a Redis hash so that
// presence is shared between fabric instances.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PresenceStore{client: client, ttl: ttl}
}

func (s *PresenceStore) Add(ctx context.Context, channel, userID string) (bool, error) {
	key := presenceKey(channel)
	pipe := s.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, userID, 1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() == 1, nil
}

// removeScript decrements a user's count and drops the field at zero in one
// step, so a concurrent Add cannot be deleted by a stale HDEL.
var removeScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

func (s *PresenceStore) Remove(ctx context.Context, channel, userID string) (bool, error) {
	n, err := removeScript.Run(ctx, s.client, []string{presenceKey(channel)}, userID).Int64()
	if err != nil {
		return false, err
	}
	// n < 0 means the user was not present.
	return n == 0, nil
}

func (s *PresenceStore) Members(ctx context.Context, channel string) ([]string, error) {
	ids, err := s.client.HKeys(ctx, presenceKey(channel)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}
