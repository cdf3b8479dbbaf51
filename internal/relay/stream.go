package relay

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"motionforge/internal/models"
)

// stream is the append-only event log of one session.
type stream struct {
	id string

	mu       sync.Mutex
	events   []models.Event
	wake     chan struct{} // closed and replaced on every append
	closed   bool
	relaying bool
	session  models.Session
	thinking strings.Builder
}

func newStream(id string) *stream {
	now := time.Now().UTC()
	return &stream{
		id:   id,
		wake: make(chan struct{}),
		session: models.Session{
			ID:        id,
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

func (s *stream) append(ev models.Event) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ev, ErrStreamClosed
	}
	ev.Seq = int64(len(s.events)) + 1
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events = append(s.events, ev)
	s.apply(ev)
	if ev.Terminal() {
		s.closed = true
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return ev, nil
}

// apply folds the event into the session view. Caller holds s.mu.
func (s *stream) apply(ev models.Event) {
	switch ev.Type {
	case models.EventThinking:
		s.thinking.WriteString(ev.Content)
	case models.EventSearch:
		if ev.Search != nil {
			s.session.Searches = append(s.session.Searches, *ev.Search)
		}
	case models.EventDone:
		s.session.Status = models.StatusDone
		s.session.Links = ev.Links
	case models.EventError:
		s.session.Status = models.StatusError
		s.session.Error = ev.Message
	}
	s.session.UpdatedAt = ev.CreatedAt
}

// claim marks the stream as relaying; it succeeds once.
func (s *stream) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relaying || s.closed {
		return false
	}
	s.relaying = true
	s.session.Status = models.StatusRunning
	s.session.UpdatedAt = time.Now().UTC()
	return true
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) last() (models.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return models.Event{}, false
	}
	return s.events[len(s.events)-1], true
}

func (s *stream) snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.session
	out.Thinking = s.thinking.String()
	out.Searches = append([]models.SearchPayload(nil), s.session.Searches...)
	return out
}

// localCursor walks a stream from a given position without blocking publishers.
type localCursor struct {
	s     *stream
	next  int
	close sync.Once
}

func newLocalCursor(s *stream, afterSeq int64) *localCursor {
	if afterSeq < 0 {
		afterSeq = 0
	}
	activeSubscribers.Inc()
	return &localCursor{s: s, next: int(afterSeq)}
}

func (c *localCursor) Next(ctx context.Context) (models.Event, error) {
	for {
		c.s.mu.Lock()
		if c.next < len(c.s.events) {
			ev := c.s.events[c.next]
			c.next++
			c.s.mu.Unlock()
			return ev, nil
		}
		if c.s.closed {
			c.s.mu.Unlock()
			return models.Event{}, io.EOF
		}
		wake := c.s.wake
		c.s.mu.Unlock()

		select {
		case <-ctx.Done():
			return models.Event{}, ctx.Err()
		case <-wake:
		}
	}
}

func (c *localCursor) Close() {
	c.close.Do(activeSubscribers.Dec)
}
