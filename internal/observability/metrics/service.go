// Package metrics turns bus events into Prometheus series and serves them,
// together with pprof, on a loopback-only debug listener.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"deathwatch/internal/eventbus"
	"deathwatch/internal/notify"
	"deathwatch/internal/pipeline"
	"deathwatch/internal/runtime/supervisor"
	"deathwatch/internal/sched"
	"deathwatch/pkg/logx"
)

// Config controls the debug HTTP listener. The recorder always runs; only
// the listener is optional.
type Config struct {
	Enabled bool
	// Addr must resolve to a loopback host. This listener exposes pprof and
	// has no auth, so Start refuses anything else.
	Addr string
}

const defaultAddr = "127.0.0.1:6060"

// Service subscribes to the event bus and keeps counters for everything the
// pipeline reports: cycles, deaths by outcome, source and store failures,
// notification delivery. Counter state survives Stop/Start so a config
// reload does not reset series.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	reg           *prometheus.Registry
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	deaths        *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	storeErrors   prometheus.Counter
	notifications *prometheus.CounterVec

	mu      sync.Mutex
	cfg     Config
	started bool
	sup     *supervisor.Supervisor
	srv     *http.Server
	unsub   func()
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}

	s := &Service{log: log, bus: bus, cfg: cfg, reg: prometheus.NewRegistry()}
	s.cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deathwatch", Name: "cycles_total",
		Help: "Completed poll cycles by outcome.",
	}, []string{"outcome"})
	s.cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deathwatch", Name: "cycle_duration_seconds",
		Help:    "Wall time of a full poll cycle.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})
	s.deaths = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deathwatch", Name: "deaths_total",
		Help: "Classified death observations by outcome.",
	}, []string{"outcome"})
	s.sourceErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deathwatch", Name: "source_errors_total",
		Help: "Source failures by kind (fetch or parse).",
	}, []string{"kind"})
	s.storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deathwatch", Name: "store_errors_total",
		Help: "Store operations that returned an error.",
	})
	s.notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deathwatch", Name: "notifications_total",
		Help: "Notification queue events by result and message kind.",
	}, []string{"result", "kind"})

	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.cycles, s.cycleDuration, s.deaths, s.sourceErrors, s.storeErrors, s.notifications,
	)
	return s
}

// Start launches the recorder and, when enabled, the HTTP listener. It is
// idempotent. The service keeps running after ctx is canceled so shutdown
// events are still counted; Stop ends it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.cfg.Enabled {
		if err := requireLoopback(s.cfg.Addr); err != nil {
			return err
		}
	}

	ch, unsub := s.bus.SubscribeTypes(256, "cycle.", "pipeline.", "source.", "store.", "notifier.")
	s.unsub = unsub

	s.sup = supervisor.NewSupervisor(context.WithoutCancel(ctx),
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup.Go0("metrics.recorder", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.record(ev)
			}
		}
	})
	if s.cfg.Enabled {
		s.sup.GoRestart("metrics.http", s.serveOnce,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
			supervisor.WithPublishFirstError(true),
		)
		s.log.Info("debug listener enabled", logx.String("addr", s.cfg.Addr))
	}
	s.started = true
	return nil
}

// Stop unsubscribes from the bus, shuts the listener down and waits for the
// workers, bounded by ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	unsub, sup, srv := s.unsub, s.sup, s.srv
	s.unsub, s.sup, s.srv = nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Reconfigure applies a new listener config. A change while running
// restarts the service; counter state is kept because the registry lives on
// the Service, not on the listener.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	s.mu.Lock()
	same := cfg == s.cfg
	running := s.started
	if !running || same {
		s.cfg = cfg
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Stop(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

// Registry exposes the backing registry, mainly so tests can gather.
func (s *Service) Registry() *prometheus.Registry { return s.reg }

func (s *Service) serveOnce(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/debug/pprof/", hpprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Service) record(ev eventbus.Event) {
	switch ev.Type {
	case "cycle.end":
		s.cycles.WithLabelValues("ok").Inc()
		if ce, ok := ev.Data.(sched.CycleEvent); ok {
			s.cycleDuration.Observe(ce.Duration.Seconds())
		}
	case "cycle.error":
		s.cycles.WithLabelValues("error").Inc()
		if ce, ok := ev.Data.(sched.CycleEvent); ok {
			s.cycleDuration.Observe(ce.Duration.Seconds())
		}
	case "pipeline.death":
		if dr, ok := ev.Data.(pipeline.DeathRecord); ok {
			s.deaths.WithLabelValues(dr.Outcome).Inc()
		}
	case "source.fetch_error":
		s.sourceErrors.WithLabelValues("fetch").Inc()
	case "source.parse_error":
		s.sourceErrors.WithLabelValues("parse").Inc()
	case "store.error":
		s.storeErrors.Inc()
	default:
		if result, ok := strings.CutPrefix(ev.Type, "notifier."); ok {
			kind := ""
			if ne, ok := ev.Data.(notify.NotificationEvent); ok {
				kind = ne.Kind
			}
			s.notifications.WithLabelValues(result, kind).Inc()
		}
	}
}

// requireLoopback rejects listen addresses that would expose the unauthed
// pprof surface beyond the local host.
func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("debug.addr %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("debug.addr %q is not a loopback address", addr)
	}
	return nil
}
