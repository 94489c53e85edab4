package redis

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/fabric"
	"github.com/mossy-p/rtm-calling/internal/models"
)

// liveClient connects to the Redis at RTM_TEST_REDIS_ADDR (host:port) and
// skips the test when it is unset.
func liveClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("RTM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RTM_TEST_REDIS_ADDR not set")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("RTM_TEST_REDIS_ADDR=%q: %v", addr, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Connect(ctx, config.RedisConfig{Host: host, Port: port})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testChannel(t *testing.T, client *redis.Client) string {
	ch := "test-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), presenceKey(ch)) })
	return ch
}

func TestPresenceStore_Live(t *testing.T) {
	client := liveClient(t)
	store := NewPresenceStore(client, time.Minute)
	ctx := context.Background()
	ch := testChannel(t, client)

	if joined, err := store.Add(ctx, ch, "alice"); err != nil || !joined {
		t.Fatalf("first add joined=%v err=%v", joined, err)
	}
	if joined, _ := store.Add(ctx, ch, "alice"); joined {
		t.Fatalf("second connection should not re-join")
	}
	if left, _ := store.Remove(ctx, ch, "alice"); left {
		t.Fatalf("one connection remains, should not leave")
	}
	if m, _ := store.Members(ctx, ch); len(m) != 1 || m[0] != "alice" {
		t.Fatalf("members=%v", m)
	}
	if left, _ := store.Remove(ctx, ch, "alice"); !left {
		t.Fatalf("last connection should leave")
	}
	if left, _ := store.Remove(ctx, ch, "bob"); left {
		t.Fatalf("unknown member should not leave")
	}
	if m, _ := store.Members(ctx, ch); len(m) != 0 {
		t.Fatalf("members=%v, want none", m)
	}
}

func TestPresenceStore_LiveChurnKeepsHeldMember(t *testing.T) {
	client := liveClient(t)
	store := NewPresenceStore(client, time.Minute)
	ctx := context.Background()
	ch := testChannel(t, client)

	// One connection stays for the whole test while others come and go.
	if _, err := store.Add(ctx, ch, "alice"); err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := store.Add(ctx, ch, "alice"); err != nil {
					t.Errorf("add: %v", err)
					return
				}
				if left, err := store.Remove(ctx, ch, "alice"); err != nil || left {
					t.Errorf("remove left=%v err=%v while a connection is held", left, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if m, _ := store.Members(ctx, ch); len(m) != 1 || m[0] != "alice" {
		t.Fatalf("members=%v, want [alice]", m)
	}
	if left, _ := store.Remove(ctx, ch, "alice"); !left {
		t.Fatalf("held connection should be the last one")
	}
}

func TestBroker_LiveRoundTrip(t *testing.T) {
	client := liveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b, err := NewBroker(ctx, client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	defer b.Close()

	ch := "test-" + uuid.NewString()
	snap := models.NewSnapshot(ch, []string{"alice"})
	want := fabric.Delivery{
		Channel:    ch,
		TargetConn: "conn-1",
		Event:      models.Event{Kind: models.EventPresence, Presence: &snap},
	}
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for {
		select {
		case d := <-b.Deliveries():
			if d.Channel != ch {
				continue // traffic from another test run
			}
			if d.TargetConn != "conn-1" || d.Event.Presence == nil || d.Event.Presence.EventType != models.PresenceSnapshot {
				t.Fatalf("delivery=%#v", d)
			}
			_ = b.Close()
			if err := b.Publish(context.Background(), want); err != fabric.ErrBrokerClosed {
				t.Fatalf("publish after close err=%v", err)
			}
			return
		case <-ctx.Done():
			t.Fatalf("no delivery for %s", ch)
		}
	}
}
