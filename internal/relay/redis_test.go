package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"motionforge/internal/config"
	"motionforge/internal/models"
	"motionforge/internal/redis"
)

func TestRedisMirrorFollowFromOtherInstance(t *testing.T) {
	mirror, cleanup := newRedisMirror(t)
	defer cleanup()

	owner := NewHub(mirror)
	follower := NewHub(mirror)
	owner.Open("mirror-1")
	if _, err := owner.Publish("mirror-1", models.ThinkingEvent("first", models.PhaseStatus)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := follower.Subscribe(context.Background(), "mirror-1", 0)
	if err != nil {
		t.Fatalf("follower subscribe: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = owner.Publish("mirror-1", models.SearchEvent("q", nil))
		_, _ = owner.Publish("mirror-1", models.DoneEvent(&models.DoneLinks{SessionID: "mirror-1"}))
	}()

	events := collect(t, sub)
	assertSingleTerminal(t, events, models.EventDone)
	if len(events) != 3 {
		t.Fatalf("expected 3 mirrored events, got %+v", events)
	}

	owner.Evict("mirror-1")
	if _, err := follower.Subscribe(context.Background(), "mirror-1", 0); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected unknown session after forget, got %v", err)
	}
}

func TestRedisMirrorResumeAfterTerminal(t *testing.T) {
	mirror, cleanup := newRedisMirror(t)
	defer cleanup()

	owner := NewHub(mirror)
	follower := NewHub(mirror)
	owner.Open("mirror-2")
	if _, err := owner.Publish("mirror-2", models.ThinkingEvent("first", models.PhaseStatus)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := owner.Fail("mirror-2", "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	for name, hub := range map[string]*Hub{"owner": owner, "follower": follower} {
		sub, err := hub.Subscribe(context.Background(), "mirror-2", 2)
		if err != nil {
			t.Fatalf("%s subscribe: %v", name, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = sub.Next(ctx)
		cancel()
		sub.Close()
		if !errors.Is(err, io.EOF) {
			t.Fatalf("%s: expected EOF after the terminal event, got %v", name, err)
		}
	}
}

func newRedisMirror(t *testing.T) (*RedisMirror, func()) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("atoi port: %v", err)
	}
	db := 0
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			db = parsed
		}
	}
	cfg := &config.Config{
		Redis: config.RedisConfig{
			Host: host,
			Port: port,
			DB:   db,
		},
	}
	client, err := redis.NewRedisClient(cfg)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	if raw := client.Raw(); raw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := raw.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush db: %v", err)
		}
	}
	return NewRedisMirror(client, time.Minute), func() {
		client.Close()
	}
}
