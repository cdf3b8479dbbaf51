package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"motionforge/internal/models"
	"motionforge/internal/redis"
)

const (
	mirrorEventsKey   = "relay:events:%s"
	mirrorLiveChannel = "relay:live:%s"
	defaultMirrorTTL  = 24 * time.Hour
)

// RedisMirror keeps a copy of every session log in a redis list and
// broadcasts new events on a per-session pub/sub channel.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func (m *RedisMirror) Append(ctx context.Context, sessionID string, ev models.Event) error {
	if m == nil || m.client == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := m.client.AppendWithTTL(ctx, fmt.Sprintf(mirrorEventsKey, sessionID), m.ttl, payload); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := m.client.Publish(ctx, fmt.Sprintf(mirrorLiveChannel, sessionID), payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Follow subscribes to the live channel before reading the backlog so no event
// published in between is lost; duplicates are dropped by sequence number.
func (m *RedisMirror) Follow(ctx context.Context, sessionID string, afterSeq int64) (Subscription, error) {
	if m == nil || m.client == nil || m.client.Raw() == nil {
		return nil, ErrUnknownSession
	}
	pubsub := m.client.Raw().Subscribe(ctx, fmt.Sprintf(mirrorLiveChannel, sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}
	raw, err := m.client.Range(ctx, fmt.Sprintf(mirrorEventsKey, sessionID), 0, -1)
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		pubsub.Close()
		return nil, fmt.Errorf("read session %s backlog: %w", sessionID, err)
	}
	if len(raw) == 0 {
		pubsub.Close()
		return nil, ErrUnknownSession
	}
	backlog := make([]models.Event, 0, len(raw))
	for _, item := range raw {
		var ev models.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			log.Printf("[relay] decode mirrored event for %s failed: %v", sessionID, err)
			continue
		}
		backlog = append(backlog, ev)
	}
	activeSubscribers.Inc()
	return &mirrorCursor{
		pubsub:  pubsub,
		live:    pubsub.Channel(),
		backlog: backlog,
		last:    afterSeq,
	}, nil
}

func (m *RedisMirror) Forget(ctx context.Context, sessionID string) error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Del(ctx, fmt.Sprintf(mirrorEventsKey, sessionID))
}

type mirrorCursor struct {
	pubsub  *goredis.PubSub
	live    <-chan *goredis.Message
	backlog []models.Event
	last    int64
	done    bool
	close   sync.Once
}

func (c *mirrorCursor) Next(ctx context.Context) (models.Event, error) {
	if c.done {
		return models.Event{}, io.EOF
	}
	for len(c.backlog) > 0 {
		ev := c.backlog[0]
		c.backlog = c.backlog[1:]
		if ev.Seq <= c.last {
			if ev.Terminal() {
				c.done = true
			}
			continue
		}
		return c.emit(ev), nil
	}
	if c.done {
		// resumed past the terminal event
		return models.Event{}, io.EOF
	}
	for {
		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case msg, ok := <-c.live:
			if !ok {
				return models.Event{}, errors.New("mirror subscription closed")
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[relay] decode live event failed: %v", err)
				continue
			}
			if ev.Seq <= c.last {
				continue
			}
			return c.emit(ev), nil
		}
	}
}

func (c *mirrorCursor) emit(ev models.Event) models.Event {
	c.last = ev.Seq
	if ev.Terminal() {
		c.done = true
	}
	return ev
}

func (c *mirrorCursor) Close() {
	c.close.Do(func() {
		activeSubscribers.Dec()
		_ = c.pubsub.Close()
	})
}
