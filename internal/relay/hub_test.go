package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"motionforge/internal/models"
)

func scriptedUpstream(chunks []models.Chunk, failWith error) Upstream {
	return UpstreamFunc(func(ctx context.Context, yield func(models.Chunk) error) error {
		for _, c := range chunks {
			if err := yield(c); err != nil {
				return err
			}
		}
		return failWith
	})
}

func collect(t *testing.T, sub Subscription) []models.Event {
	t.Helper()
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var out []models.Event
	for {
		ev, err := sub.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("subscription error: %v", err)
		}
		out = append(out, ev)
	}
}

func assertSingleTerminal(t *testing.T, events []models.Event, want models.EventType) {
	t.Helper()
	if len(events) == 0 {
		t.Fatalf("no events")
	}
	for i, ev := range events {
		if ev.Seq != int64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.Terminal() && i != len(events)-1 {
			t.Fatalf("terminal event %s at position %d of %d", ev.Type, i, len(events))
		}
	}
	if last := events[len(events)-1]; last.Type != want {
		t.Fatalf("expected terminal %s, got %s", want, last.Type)
	}
}

func TestRelayPreservesOrderAndEndsWithDone(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s1")
	sub, err := hub.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	chunks := []models.Chunk{
		{Kind: models.ChunkReasoning, Text: "think "},
		{Kind: models.ChunkSearch, Query: "compassionate release", Results: []models.SearchResult{{Title: "t", URL: "u"}}},
		{Kind: models.ChunkReasoning, Text: ""},
		{Kind: models.ChunkAnswer, Text: "===MOTION START==="},
		{Kind: models.ChunkAnswer, Text: "body"},
	}
	var gotAnswer string
	term, err := hub.Relay(context.Background(), "s1", scriptedUpstream(chunks, nil), func(ctx context.Context, answer string) (*models.DoneLinks, error) {
		gotAnswer = answer
		return &models.DoneLinks{SessionID: "s1", ZipURL: "/download/s1/motion_packet.zip"}, nil
	})
	if err != nil {
		t.Fatalf("Relay error: %v", err)
	}
	if term.Type != models.EventDone || term.Links == nil || term.Links.ZipURL == "" {
		t.Fatalf("unexpected terminal event: %+v", term)
	}
	if gotAnswer != "===MOTION START===body" {
		t.Fatalf("answer not accumulated from answer chunks: %q", gotAnswer)
	}

	events := collect(t, sub)
	assertSingleTerminal(t, events, models.EventDone)
	wantTypes := []models.EventType{models.EventThinking, models.EventSearch, models.EventThinking, models.EventThinking, models.EventDone}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d: want %s got %s", i, want, events[i].Type)
		}
	}
	if events[0].Phase != models.PhaseReasoning || events[2].Phase != models.PhaseDraft {
		t.Fatalf("thinking phases not set: %+v", events)
	}
	if events[1].Search == nil || events[1].Search.Query != "compassionate release" {
		t.Fatalf("search payload missing: %+v", events[1])
	}

	snap, ok := hub.Snapshot("s1")
	if !ok || snap.Status != models.StatusDone || snap.Thinking != "think ===MOTION START===body" || len(snap.Searches) != 1 {
		t.Fatalf("snapshot mismatch: %+v", snap)
	}
}

func TestRelayUpstreamFailurePublishesSingleError(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s2")
	finalized := false
	term, err := hub.Relay(context.Background(), "s2",
		scriptedUpstream([]models.Chunk{{Kind: models.ChunkReasoning, Text: "partial"}}, errors.New("rate limited")),
		func(ctx context.Context, answer string) (*models.DoneLinks, error) {
			finalized = true
			return nil, nil
		})
	if err != nil {
		t.Fatalf("Relay error: %v", err)
	}
	if finalized {
		t.Fatalf("finalizer must not run after upstream failure")
	}
	if term.Type != models.EventError || term.Message != "Generation error: rate limited" {
		t.Fatalf("unexpected terminal: %+v", term)
	}

	sub, err := hub.Subscribe(context.Background(), "s2", 0)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	events := collect(t, sub)
	assertSingleTerminal(t, events, models.EventError)
	if len(events) != 2 {
		t.Fatalf("expected thinking + error, got %+v", events)
	}
	if _, err := hub.Publish("s2", models.ThinkingEvent("late", models.PhaseReasoning)); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed after terminal, got %v", err)
	}
}

func TestRelayFinalizerFailureEndsWithError(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s3")
	term, err := hub.Relay(context.Background(), "s3", scriptedUpstream(nil, nil), func(ctx context.Context, answer string) (*models.DoneLinks, error) {
		return nil, fmt.Errorf("disk full")
	})
	if err != nil {
		t.Fatalf("Relay error: %v", err)
	}
	if term.Type != models.EventError {
		t.Fatalf("expected error terminal, got %+v", term)
	}
	snap, _ := hub.Snapshot("s3")
	if snap.Status != models.StatusError || snap.Error == "" {
		t.Fatalf("snapshot not marked error: %+v", snap)
	}
}

func TestRelayOpensUpstreamAtMostOnce(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s4")
	block := make(chan struct{})
	started := make(chan struct{})
	up := UpstreamFunc(func(ctx context.Context, yield func(models.Chunk) error) error {
		close(started)
		<-block
		return nil
	})
	done := make(chan struct{})
	go func() {
		_, _ = hub.Relay(context.Background(), "s4", up, nil)
		close(done)
	}()
	<-started
	if _, err := hub.Relay(context.Background(), "s4", up, nil); !errors.Is(err, ErrAlreadyRelaying) {
		t.Fatalf("expected ErrAlreadyRelaying, got %v", err)
	}
	close(block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("first relay did not finish")
	}
	if _, err := hub.Relay(context.Background(), "s4", up, nil); !errors.Is(err, ErrAlreadyRelaying) {
		t.Fatalf("expected ErrAlreadyRelaying after completion, got %v", err)
	}
}

func TestRelayTimeoutIsReported(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s5")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	up := UpstreamFunc(func(ctx context.Context, yield func(models.Chunk) error) error {
		<-ctx.Done()
		return ctx.Err()
	})
	term, err := hub.Relay(ctx, "s5", up, nil)
	if err != nil {
		t.Fatalf("Relay error: %v", err)
	}
	if term.Type != models.EventError || term.Message != "Generation error: upstream timed out" {
		t.Fatalf("unexpected terminal: %+v", term)
	}
}

func TestSubscribersFanOutAndResume(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s6")

	const subscribers = 5
	results := make([][]models.Event, subscribers)
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		sub, err := hub.Subscribe(context.Background(), "s6", 0)
		if err != nil {
			t.Fatalf("Subscribe error: %v", err)
		}
		wg.Add(1)
		go func(i int, sub Subscription) {
			defer wg.Done()
			results[i] = collect(t, sub)
		}(i, sub)
	}

	var chunks []models.Chunk
	for i := 0; i < 50; i++ {
		chunks = append(chunks, models.Chunk{Kind: models.ChunkReasoning, Text: fmt.Sprintf("%d;", i)})
	}
	if _, err := hub.Relay(context.Background(), "s6", scriptedUpstream(chunks, nil), nil); err != nil {
		t.Fatalf("Relay error: %v", err)
	}
	wg.Wait()
	for i, events := range results {
		if len(events) != 51 {
			t.Fatalf("subscriber %d got %d events", i, len(events))
		}
		assertSingleTerminal(t, events, models.EventDone)
		for j := 0; j < 50; j++ {
			if events[j].Content != fmt.Sprintf("%d;", j) {
				t.Fatalf("subscriber %d event %d out of order: %q", i, j, events[j].Content)
			}
		}
	}

	late, err := hub.Subscribe(context.Background(), "s6", 48)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	tail := collect(t, late)
	if len(tail) != 3 || tail[0].Seq != 49 || tail[2].Type != models.EventDone {
		t.Fatalf("resume from seq 48 mismatch: %+v", tail)
	}
}

func TestFailAndEvict(t *testing.T) {
	hub := NewHub(nil)
	term, err := hub.Fail("s7", "Error reading PDF")
	if err != nil || term.Type != models.EventError {
		t.Fatalf("Fail mismatch: %+v %v", term, err)
	}
	again, err := hub.Fail("s7", "second failure")
	if err != nil || again.Seq != term.Seq || again.Message != "Error reading PDF" {
		t.Fatalf("second Fail should return original terminal: %+v %v", again, err)
	}

	hub.Open("s8")
	sub, err := hub.Subscribe(context.Background(), "s8", 0)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	hub.Evict("s8")
	events := collect(t, sub)
	assertSingleTerminal(t, events, models.EventError)
	if _, ok := hub.Snapshot("s8"); ok {
		t.Fatalf("evicted stream still present")
	}
	if _, err := hub.Subscribe(context.Background(), "s8", 0); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
}

func TestSubscribeContextCancel(t *testing.T) {
	hub := NewHub(nil)
	hub.Open("s9")
	sub, err := hub.Subscribe(context.Background(), "s9", 0)
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
