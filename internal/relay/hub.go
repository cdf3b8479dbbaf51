// Package relay multiplexes one upstream model stream per session into an
// ordered event log that any number of SSE subscribers can follow.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"motionforge/internal/models"
)

var (
	ErrUnknownSession  = errors.New("unknown session")
	ErrStreamClosed    = errors.New("session stream closed")
	ErrAlreadyRelaying = errors.New("session upstream already opened")
)

const mirrorTimeout = 2 * time.Second

// Upstream produces classified chunks in arrival order.
type Upstream interface {
	Stream(ctx context.Context, yield func(models.Chunk) error) error
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, yield func(models.Chunk) error) error

func (f UpstreamFunc) Stream(ctx context.Context, yield func(models.Chunk) error) error {
	return f(ctx, yield)
}

// Finalizer turns the accumulated answer into download links.
type Finalizer func(ctx context.Context, answer string) (*models.DoneLinks, error)

// Subscription is a cursor over one session's events. Next returns io.EOF after
// the terminal event has been delivered.
type Subscription interface {
	Next(ctx context.Context) (models.Event, error)
	Close()
}

// Mirror copies published events somewhere other instances can follow them.
type Mirror interface {
	Append(ctx context.Context, sessionID string, ev models.Event) error
	Follow(ctx context.Context, sessionID string, afterSeq int64) (Subscription, error)
	Forget(ctx context.Context, sessionID string) error
}

// Hub is the lookup table of live session streams.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]*stream
	mirror  Mirror
}

// NewHub builds a hub; mirror may be nil.
func NewHub(mirror Mirror) *Hub {
	return &Hub{
		streams: make(map[string]*stream),
		mirror:  mirror,
	}
}

// Open registers the session stream if it does not exist yet.
func (h *Hub) Open(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[sessionID]; ok {
		return false
	}
	h.streams[sessionID] = newStream(sessionID)
	openStreams.Inc()
	return true
}

func (h *Hub) get(sessionID string) *stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams[sessionID]
}

// Publish appends an event to the session log and wakes its subscribers.
func (h *Hub) Publish(sessionID string, ev models.Event) (models.Event, error) {
	s := h.get(sessionID)
	if s == nil {
		return ev, ErrUnknownSession
	}
	out, err := s.append(ev)
	if err != nil {
		return out, err
	}
	eventsPublished.WithLabelValues(string(out.Type)).Inc()
	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := h.mirror.Append(ctx, sessionID, out); err != nil {
			log.Printf("[relay] mirror append session %s seq %d failed: %v", sessionID, out.Seq, err)
		}
		cancel()
	}
	return out, nil
}

// Relay opens the upstream at most once and pumps it into the session log.
// It always ends the stream with exactly one done or error event, which it returns.
func (h *Hub) Relay(ctx context.Context, sessionID string, up Upstream, finalize Finalizer) (models.Event, error) {
	s := h.get(sessionID)
	if s == nil {
		return models.Event{}, ErrUnknownSession
	}
	if !s.claim() {
		return models.Event{}, ErrAlreadyRelaying
	}

	var answer strings.Builder
	err := up.Stream(ctx, func(chunk models.Chunk) error {
		var ev models.Event
		switch chunk.Kind {
		case models.ChunkReasoning:
			if chunk.Text == "" {
				return nil
			}
			ev = models.ThinkingEvent(chunk.Text, models.PhaseReasoning)
		case models.ChunkAnswer:
			if chunk.Text == "" {
				return nil
			}
			answer.WriteString(chunk.Text)
			ev = models.ThinkingEvent(chunk.Text, models.PhaseDraft)
		case models.ChunkSearch:
			ev = models.SearchEvent(chunk.Query, chunk.Results)
		default:
			return fmt.Errorf("unknown chunk kind %d", chunk.Kind)
		}
		_, err := h.Publish(sessionID, ev)
		return err
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return h.terminate(sessionID, models.ErrorEvent(upstreamMessage(err)))
	}

	var links *models.DoneLinks
	if finalize != nil {
		links, err = finalize(ctx, answer.String())
		if err != nil {
			return h.terminate(sessionID, models.ErrorEvent(fmt.Sprintf("Document assembly error: %v", err)))
		}
	}
	return h.terminate(sessionID, models.DoneEvent(links))
}

// Fail ends the session with an error before any upstream was opened.
func (h *Hub) Fail(sessionID, message string) (models.Event, error) {
	h.Open(sessionID)
	return h.terminate(sessionID, models.ErrorEvent(message))
}

// terminate publishes ev unless the stream already ended, in which case the
// existing terminal event is returned.
func (h *Hub) terminate(sessionID string, ev models.Event) (models.Event, error) {
	out, err := h.Publish(sessionID, ev)
	if errors.Is(err, ErrStreamClosed) {
		if s := h.get(sessionID); s != nil {
			if last, ok := s.last(); ok {
				return last, nil
			}
		}
	}
	return out, err
}

func upstreamMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Generation error: upstream timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "Generation error: generation cancelled"
	}
	return fmt.Sprintf("Generation error: %v", err)
}

// Subscribe returns a cursor over events with seq > afterSeq.
func (h *Hub) Subscribe(ctx context.Context, sessionID string, afterSeq int64) (Subscription, error) {
	if s := h.get(sessionID); s != nil {
		return newLocalCursor(s, afterSeq), nil
	}
	if h.mirror != nil {
		return h.mirror.Follow(ctx, sessionID, afterSeq)
	}
	return nil, ErrUnknownSession
}

// Snapshot returns the live session view.
func (h *Hub) Snapshot(sessionID string) (models.Session, bool) {
	s := h.get(sessionID)
	if s == nil {
		return models.Session{}, false
	}
	return s.snapshot(), true
}

// Evict drops a stream, ending it with an error first if it is still open.
func (h *Hub) Evict(sessionID string) {
	s := h.get(sessionID)
	if s == nil {
		return
	}
	if !s.isClosed() {
		_, _ = h.terminate(sessionID, models.ErrorEvent("session expired"))
	}
	h.mu.Lock()
	if _, ok := h.streams[sessionID]; ok {
		delete(h.streams, sessionID)
		openStreams.Dec()
	}
	h.mu.Unlock()
	if h.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		if err := h.mirror.Forget(ctx, sessionID); err != nil {
			log.Printf("[relay] mirror forget session %s failed: %v", sessionID, err)
		}
		cancel()
	}
}
