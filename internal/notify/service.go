// Package notify delivers rendered notifications to chat channels.
//
// One FIFO queue and one worker per channel keeps ordering strict within a
// channel while channels never block each other. Deduplication is not done
// here: the store's fingerprint mark-seen is the single dedup authority, and
// a second cache in front of it would only hide bugs in that path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deathwatch/internal/eventbus"
	"deathwatch/internal/runtime/supervisor"
	"deathwatch/internal/transport"
	"deathwatch/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: stopped")
)

// DeliveryError is a notification that exhausted its retry budget and was
// dropped. It never causes a resend: the death is already marked seen.
type DeliveryError struct {
	Kind     string
	ChatID   int64
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to chat %d: gave up after %d attempts: %v",
		e.Kind, e.ChatID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NotificationEvent is the Data payload of notifier.* bus events.
type NotificationEvent struct {
	Kind     string
	ChatID   int64
	Attempts int
	Error    string
}

type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type job struct {
	n transport.Notification
	// ack marks a Flush sentinel; a worker reaching it reports the queue
	// drained up to the point the sentinel was enqueued.
	ack chan<- struct{}
}

// Service is safe for concurrent use.
type Service struct {
	log     logx.Logger
	adapter transport.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	queues    map[transport.ChatTarget]chan job
	sup       *supervisor.Supervisor
	accepting bool

	// enqueues tracks in-flight Enqueue/Flush calls so Stop never closes a
	// queue out from under one.
	enqueues sync.WaitGroup
}

func New(cfg Config, adapter transport.Adapter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:     log,
		adapter: adapter,
		bus:     bus,
		cfg:     cfg,
		// Burst = rate so short spikes don't stall the queue too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Start is idempotent. Worker goroutines are created lazily per channel on
// first Enqueue.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	// Workers are detached from the caller's context on purpose: shutdown
	// drains queues via Stop, and only Stop's own deadline may abandon them.
	s.sup = supervisor.NewSupervisor(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.queues = make(map[transport.ChatTarget]chan job)
	s.accepting = true
	return nil
}

// Apply updates the delivery tunables live. Retry and rate settings take
// effect on the next delivery; queue capacity only applies to channels that
// have not buffered anything yet.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Stop blocks intake, drains every queue, and waits for workers. When ctx
// expires first the remaining messages are abandoned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	queues := s.queues
	s.sup = nil
	s.queues = nil
	s.accepting = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	// Let in-flight Enqueue/Flush calls finish before closing their queues.
	s.enqueues.Wait()
	for _, q := range queues {
		close(q)
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("shutdown abandoned queued notifications", logx.Err(err))
		return err
	}
	return nil
}

// Enqueue appends a notification to its channel's queue. It never blocks: a
// full queue rejects with ErrQueueFull (and a notifier.dropped event) rather
// than stalling the pipeline.
func (s *Service) Enqueue(n transport.Notification) error {
	s.mu.Lock()
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, ok := s.queues[n.Target]
	if !ok {
		q = make(chan job, s.cfg.QueueSize)
		s.queues[n.Target] = q
		name := fmt.Sprintf("worker.%d", n.Target.ChatID)
		if n.Target.ThreadID != 0 {
			name = fmt.Sprintf("worker.%d.%d", n.Target.ChatID, n.Target.ThreadID)
		}
		s.sup.GoRestart(name, s.worker(q), supervisor.WithPublishFirstError(true))
	}
	s.enqueues.Add(1)
	s.mu.Unlock()
	defer s.enqueues.Done()

	select {
	case q <- job{n: n}:
		s.publish("notifier.queued", n, 0, nil)
		return nil
	default:
		s.publish("notifier.dropped", n, 0, ErrQueueFull)
		return ErrQueueFull
	}
}

// Flush blocks until every notification enqueued before the call has been
// delivered or dropped.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	if !s.accepting || s.queues == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	qs := make([]chan job, 0, len(s.queues))
	for _, q := range s.queues {
		qs = append(qs, q)
	}
	s.enqueues.Add(1)
	s.mu.Unlock()
	defer s.enqueues.Done()

	ack := make(chan struct{}, len(qs))
	for _, q := range qs {
		select {
		case q <- job{ack: ack}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for range qs {
		select {
		case <-ack:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Service) worker(q <-chan job) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case j, ok := <-q:
				if !ok {
					return nil
				}
				if j.ack != nil {
					j.ack <- struct{}{}
					continue
				}
				s.deliver(ctx, j.n)
			}
		}
	}
}

// deliver sends one notification with retries. Exhausting the budget drops
// the message; by then the death is marked seen, so at-most-once holds.
func (s *Service) deliver(ctx context.Context, n transport.Notification) {
	cfg := s.config()
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 1
	for ; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.adapter.SendText(cctx, n.Target, n.Text, n.Options)
		cancel()
		if err == nil {
			s.publish("notifier.sent", n, attempt, nil)
			return
		}
		lastErr = err
		s.log.Debug("send failed",
			logx.String("kind", n.Kind), logx.Int64("chat", n.Target.ChatID),
			logx.Int("attempt", attempt), logx.Int("max", maxAttempts), logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg.RetryBase, cfg.RetryMaxDelay, attempt)
		var ra *transport.RetryAfterError
		if errors.As(err, &ra) && ra.After > delay {
			delay = ra.After
		}
		s.publish("notifier.retry", n, attempt, err)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	if attempt > maxAttempts {
		attempt = maxAttempts
	}

	derr := &DeliveryError{Kind: n.Kind, ChatID: n.Target.ChatID, Attempts: attempt, Err: lastErr}
	s.log.Error("notification dropped", logx.Err(derr))
	s.publish("notifier.dropped", n, attempt, derr)
}

func (s *Service) publish(typ string, n transport.Notification, attempts int, err error) {
	if s.bus == nil {
		return
	}
	ev := NotificationEvent{Kind: n.Kind, ChatID: n.Target.ChatID, Attempts: attempts}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// retryDelay is exponential from base with 0.7..1.3 jitter, clamped to maxD.
// attempt is the attempt that just failed (1-based).
func retryDelay(base, maxD time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
