package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deathwatch/internal/eventbus"
	"deathwatch/internal/transport"
	"deathwatch/pkg/logx"
)

type sentRec struct {
	chat int64
	text string
}

// fakeAdapter records sends and fails on request: failFor maps text to the
// number of times that text must fail before succeeding.
type fakeAdapter struct {
	mu       sync.Mutex
	sent     []sentRec
	failFor  map[string]int
	gate     chan struct{} // when set, SendText blocks on it
	inFlight atomic.Int32
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.failFor[text]; ok && n != 0 {
		if n > 0 {
			f.failFor[text] = n - 1
		}
		return transport.MessageRef{}, errors.New("transient send failure")
	}
	f.sent = append(f.sent, sentRec{chat: to.ChatID, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}

func (f *fakeAdapter) sentTexts(chat int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.sent {
		if r.chat == chat {
			out = append(out, r.text)
		}
	}
	return out
}

func newTestService(t *testing.T, fa *fakeAdapter, bus eventbus.Bus, cfg Config) *Service {
	t.Helper()
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 4 * time.Millisecond
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = time.Second
	}
	s := New(cfg, fa, bus, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func note(chat int64, text string) transport.Notification {
	return transport.Notification{Kind: KindDeathAlert, Target: transport.ChatTarget{ChatID: chat}, Text: text}
}

func flush(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func drainEvents(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestDeliveryOrderPerChannel(t *testing.T) {
	fa := &fakeAdapter{}
	s := newTestService(t, fa, nil, Config{})

	want := []string{"one", "two", "three", "four", "five"}
	for _, m := range want {
		if err := s.Enqueue(note(1, m)); err != nil {
			t.Fatalf("Enqueue(%q): %v", m, err)
		}
	}
	flush(t, s)

	got := fa.sentTexts(1)
	if len(got) != len(want) {
		t.Fatalf("sent %d messages, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order broken at %d: got %q, want %q (%v)", i, got[i], want[i], got)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	fa := &fakeAdapter{failFor: map[string]int{"flaky": 2}}
	bus := eventbus.New()
	ch, un := bus.SubscribeTypes(64, "notifier.")
	defer un()
	s := newTestService(t, fa, bus, Config{RetryMax: 3})

	if err := s.Enqueue(note(1, "flaky")); err != nil {
		t.Fatal(err)
	}
	flush(t, s)

	if got := fa.sentTexts(1); len(got) != 1 || got[0] != "flaky" {
		t.Fatalf("sent = %v", got)
	}
	var retries, sent int
	for _, e := range drainEvents(ch) {
		switch e.Type {
		case "notifier.retry":
			retries++
		case "notifier.sent":
			sent++
			if ne := e.Data.(NotificationEvent); ne.Attempts != 3 {
				t.Errorf("sent after %d attempts, want 3", ne.Attempts)
			}
		}
	}
	if retries != 2 || sent != 1 {
		t.Fatalf("retries=%d sent=%d", retries, sent)
	}
}

func TestDropAfterCeilingThenContinue(t *testing.T) {
	fa := &fakeAdapter{failFor: map[string]int{"doomed": -1}}
	bus := eventbus.New()
	ch, un := bus.SubscribeTypes(64, "notifier.")
	defer un()
	s := newTestService(t, fa, bus, Config{RetryMax: 2})

	if err := s.Enqueue(note(1, "doomed")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(note(1, "fine")); err != nil {
		t.Fatal(err)
	}
	flush(t, s)

	if got := fa.sentTexts(1); len(got) != 1 || got[0] != "fine" {
		t.Fatalf("queue did not continue past the drop: %v", got)
	}
	var dropped *NotificationEvent
	for _, e := range drainEvents(ch) {
		if e.Type == "notifier.dropped" {
			ne := e.Data.(NotificationEvent)
			dropped = &ne
		}
	}
	if dropped == nil {
		t.Fatal("no notifier.dropped event")
	}
	if dropped.Attempts != 3 || dropped.Error == "" {
		t.Fatalf("dropped event = %+v", dropped)
	}
}

func TestFlushDrainsAllChannels(t *testing.T) {
	fa := &fakeAdapter{}
	s := newTestService(t, fa, nil, Config{})

	for i := 0; i < 10; i++ {
		for chat := int64(1); chat <= 3; chat++ {
			if err := s.Enqueue(note(chat, "msg")); err != nil {
				t.Fatal(err)
			}
		}
	}
	flush(t, s)

	total := 0
	for chat := int64(1); chat <= 3; chat++ {
		total += len(fa.sentTexts(chat))
	}
	if total != 30 {
		t.Fatalf("delivered %d, want 30", total)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	fa := &fakeAdapter{}
	s := New(Config{}, fa, nil, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(note(1, "late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue after stop: %v", err)
	}
	if err := s.Flush(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Flush after stop: %v", err)
	}
}

func TestQueueFullRejects(t *testing.T) {
	gate := make(chan struct{})
	fa := &fakeAdapter{gate: gate}
	s := newTestService(t, fa, nil, Config{QueueSize: 1})

	if err := s.Enqueue(note(1, "first")); err != nil {
		t.Fatal(err)
	}
	// Wait until the worker picked "first" up and is blocked in SendText.
	deadline := time.Now().Add(2 * time.Second)
	for fa.inFlight.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never started sending")
		}
		time.Sleep(time.Millisecond)
	}
	if err := s.Enqueue(note(1, "second")); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(note(1, "third")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(gate)
	flush(t, s)
	if got := fa.sentTexts(1); len(got) != 2 {
		t.Fatalf("sent = %v", got)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	base := 100 * time.Millisecond
	maxD := time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			d := retryDelay(base, maxD, attempt)
			if d <= 0 {
				t.Fatalf("attempt %d: non-positive delay %v", attempt, d)
			}
			if d > maxD {
				t.Fatalf("attempt %d: delay %v over cap %v", attempt, d, maxD)
			}
		}
	}
	for i := 0; i < 50; i++ {
		if d := retryDelay(base, maxD, 1); d > time.Duration(1.3*float64(base)) {
			t.Fatalf("first retry delay %v over jitter ceiling", d)
		}
	}
}
