// Package app wires the daemon together and owns its lifecycle: config,
// logging, storage, the site client, the classifier, the notification queue,
// the schedulers and the debug listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deathwatch/internal/classify"
	"deathwatch/internal/config"
	"deathwatch/internal/eventbus"
	"deathwatch/internal/notify"
	"deathwatch/internal/observability/metrics"
	"deathwatch/internal/pipeline"
	"deathwatch/internal/runtime/supervisor"
	"deathwatch/internal/sched"
	"deathwatch/internal/source"
	"deathwatch/internal/store"
	"deathwatch/internal/transport/telegram"
	"deathwatch/pkg/logx"
)

// App owns every long-lived component of the daemon. New builds them, Start
// runs them under one supervisor and Stop unwinds them in dependency order.
type App struct {
	cfgm *config.ConfigManager // nil when running on environment alone
	cfg  *config.Config        // startup snapshot; reloads flow through cfgm

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	store   store.Store
	src     *source.Client
	cls     *classify.Classifier
	adapter *telegram.Adapter
	queue   *notify.Service
	pipe    *pipeline.Pipeline
	loop    *sched.Loop
	jobs    *sched.Jobs
	metrics *metrics.Service

	sup *supervisor.Supervisor
}

// New loads configuration and constructs the component graph. Nothing is
// running yet when it returns.
func New(cfgPath string) (*App, error) {
	a := &App{}

	var cfg *config.Config
	if cfgPath != "" {
		a.cfgm = config.NewConfigManager(cfgPath)
		c, err := a.cfgm.Load()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", cfgPath, err)
		}
		if err := config.Validate(c); err != nil {
			return nil, err
		}
		cfg = c
	} else {
		c, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	a.cfg = cfg

	a.logs, _ = logx.New(mapLoggingConfig(cfg))
	a.log = a.logs.Component("app")
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.logs.Component("config"))
	}
	a.bus = eventbus.New()

	st, err := store.Open(mapStorageConfig(cfg), a.logs.Component("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	ok := false
	defer func() {
		if !ok {
			_ = st.Close()
		}
	}()

	scfg, err := mapSourceConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.src, err = source.New(scfg, a.logs.Component("source"))
	if err != nil {
		return nil, err
	}

	a.cls = classify.New(cfg.Roster.Creatures)

	a.adapter, err = telegram.New(telegram.Config{Token: cfg.Telegram.Token}, a.logs.Component("telegram"))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}

	a.queue = notify.New(mapNotifierConfig(cfg), a.adapter, a.bus, a.logs.Component("notify"))

	a.pipe, err = pipeline.New(mapPipelineConfig(cfg), pipeline.Deps{
		Source:     a.src,
		Store:      a.store,
		Classifier: a.cls,
		Queue:      a.queue,
		Sender:     a.adapter,
		Bus:        a.bus,
	}, a.logs.Component("pipeline"))
	if err != nil {
		return nil, err
	}

	a.loop = sched.NewLoop(mapInterval(cfg), a.pipe.RunCycle, a.bus, a.logs.Component("sched"))
	a.pipe.SetStatus(a.loop)
	a.jobs = sched.NewJobs(a.logs.Component("sched"), scfg.Location)
	a.metrics = metrics.New(mapMetricsConfig(cfg), a.bus, a.logs.Component("metrics"))

	ok = true
	return a, nil
}

// Start brings every service up and launches the cycle loop. A component
// failing later cancels the run context; the caller notices through Done.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	if a.cfgm != nil {
		// Reloads are transactional: a config failing validation is dropped
		// before it reaches any subscriber.
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return config.Validate(cfg)
		})
	}

	if err := a.adapter.Start(runCtx); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	if err := a.queue.Start(runCtx); err != nil {
		return fmt.Errorf("start notify: %w", err)
	}
	if err := a.metrics.Start(runCtx); err != nil {
		return fmt.Errorf("start metrics: %w", err)
	}

	// Roles first, so the very first cycle already watches the seeded names.
	seedCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
	err := a.pipe.SeedRoster(seedCtx, a.cfg.Roster.Tracked, a.cfg.Roster.Enemies)
	cancel()
	if err != nil {
		return fmt.Errorf("seed roster: %w", err)
	}

	a.sup.GoRestart("cycle.loop", a.loop.Run, supervisor.WithPublishFirstError(true))

	if err := a.registerJobs(); err != nil {
		return err
	}
	a.jobs.Start(runCtx)

	a.watchEvents()
	if a.cfgm != nil {
		a.watchConfig()
	}

	a.log.Info("daemon started",
		logx.Duration("interval", a.loop.Interval()),
		logx.String("storage", a.cfg.Storage.Driver),
		logx.Bool("debug", a.cfg.Debug.Enabled),
	)
	return nil
}

func (a *App) registerJobs() error {
	jobs := []struct {
		name string
		spec string
		fn   func(ctx context.Context)
	}{
		{"summary", a.cfg.Jobs.SummaryInterval, a.pipe.PublishSummary},
		{"refresh_enemies", a.cfg.Jobs.RefreshInterval, a.pipe.RefreshEnemies},
		{"prune", a.cfg.Jobs.PruneInterval, a.pipe.Prune},
	}
	for _, j := range jobs {
		if err := a.jobs.Add(j.name, j.spec, j.fn); err != nil {
			return fmt.Errorf("job %s: %w", j.name, err)
		}
	}
	return nil
}

// watchEvents mirrors every bus event into the debug log. Components that
// need events subscribe themselves (the metrics recorder does); this loop
// exists for humans reading logs.
func (a *App) watchEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

// Stop unwinds the daemon: scheduling first so nothing new starts, then the
// queues drain, then the outer edges close. Each phase is bounded so one
// stuck component cannot eat the whole stop budget.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	a.stopStep(ctx, "jobs", 3*time.Second, a.jobs.Stop)
	a.stopStep(ctx, "notify", 5*time.Second, a.queue.Stop)
	a.stopStep(ctx, "metrics", 2*time.Second, a.metrics.Stop)
	a.stopStep(ctx, "telegram", 2*time.Second, a.adapter.Stop)
	a.stopStep(ctx, "store", 2*time.Second, func(context.Context) error { return a.store.Close() })
	a.stopStep(ctx, "supervisor", 5*time.Second, a.sup.Wait)

	if n := a.sup.Counters().Active; n > 0 {
		a.log.Warn("goroutines still active after stop", logx.Int64("active", n))
	}
	a.log.Info("stopped")
	return nil
}

// stopStep runs one shutdown phase with its own upper bound, clamped to the
// caller's deadline. An overrunning phase is abandoned; if it finishes late
// that gets logged too, as a leak signal.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	stepCtx := ctx
	cancel := func() {}
	if max > 0 {
		var c context.CancelFunc
		stepCtx, c = context.WithTimeout(ctx, max)
		cancel = c
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
			return
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step overran its budget",
			logx.String("step", name), logx.Duration("budget", max))
		go func() {
			err := <-done
			a.log.Warn("stop step finished late",
				logx.String("step", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

// Done closes when the run context ends, by signal propagation or because a
// component failed fatally.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal component error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}
