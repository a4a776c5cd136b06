package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"deathwatch/internal/config"
	"deathwatch/internal/runtime/supervisor"
	"deathwatch/pkg/logx"
)

// watchConfig runs the file watcher and the reload fan-out. Bursts coalesce
// to the newest config, so a flurry of editor writes applies once.
func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyReload(ctx, last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
}

// applyReload pushes a validated config into the running components. What
// can change live does; what cannot gets a restart-required warning instead
// of a half-applied state.
func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload carried no changes")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	// Live knobs. All of these are idempotent, re-applying unchanged values
	// is harmless.
	a.logs.Apply(mapLoggingConfig(next))
	a.loop.SetInterval(mapInterval(next))
	a.pipe.Apply(mapPipelineConfig(next))
	a.queue.Apply(mapNotifierConfig(next))
	if err := a.metrics.Reconfigure(ctx, mapMetricsConfig(next)); err != nil {
		a.log.Warn("debug listener reconfigure failed", logx.Err(err))
	}

	for _, s := range sections {
		switch s {
		case "roster":
			if err := a.pipe.SeedRoster(ctx, next.Roster.Tracked, next.Roster.Enemies); err != nil {
				a.log.Warn("roster reseed failed", logx.Err(err))
			}
			if !slices.Equal(prev.Roster.Creatures, next.Roster.Creatures) {
				a.log.Warn("creature list changed; restart required to take effect")
			}
		case "storage":
			// PruneKeep went live through pipe.Apply above; the connection
			// itself is fixed at startup.
			if prev.Storage.Driver != next.Storage.Driver ||
				prev.Storage.Path != next.Storage.Path ||
				prev.Storage.BusyTimeout != next.Storage.BusyTimeout {
				a.log.Warn("storage connection changed; restart required to take effect")
			}
		case "source", "telegram", "jobs":
			a.log.Warn("section changed; restart required to take effect",
				logx.String("section", s))
		}
	}

	a.log.Info("config reloaded", fields...)
}
