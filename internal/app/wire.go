package app

import (
	"fmt"
	"strings"
	"time"

	"deathwatch/internal/config"
	"deathwatch/internal/notify"
	"deathwatch/internal/observability/metrics"
	"deathwatch/internal/pipeline"
	"deathwatch/internal/source"
	"deathwatch/internal/store"
	"deathwatch/internal/transport"
	"deathwatch/pkg/logx"
)

// Mapping from the config file surface to each component's own Config.
// Validate has accepted the config before any of these run, so duration
// fields fall back to their defaults instead of erroring a second time.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Levels:  cfg.Logging.Levels,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSourceConfig(cfg *config.Config) (source.Config, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Source.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return source.Config{}, fmt.Errorf("source.timezone: %w", err)
		}
		loc = l
	}
	return source.Config{
		BaseURL:     cfg.Source.BaseURL,
		Timeout:     config.DurationOr(cfg.Source.FetchTimeout, 15*time.Second),
		RatePerSec:  cfg.Source.RatePerSec,
		DeathWindow: config.DurationOr(cfg.Source.DeathWindow, 12*time.Hour),
		Location:    loc,
		UserAgent:   cfg.Source.UserAgent,
	}, nil
}

func mapStorageConfig(cfg *config.Config) store.Config {
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapNotifierConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     config.DurationOr(cfg.Notifier.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: config.DurationOr(cfg.Notifier.RetryMaxDelay, 30*time.Second),
	}
}

func mapPipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MinLevel:         cfg.Source.MinLevel,
		FetchConcurrency: cfg.Source.FetchConcurrency,
		AlertChat:        transport.ChatTarget{ChatID: cfg.Channels.Alerts},
		GeneralChat:      transport.ChatTarget{ChatID: cfg.Channels.General},
		PruneKeep:        cfg.Storage.PruneKeep,
	}
}

func mapMetricsConfig(cfg *config.Config) metrics.Config {
	return metrics.Config{Enabled: cfg.Debug.Enabled, Addr: cfg.Debug.Addr}
}

func mapInterval(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Interval, 3*time.Minute)
}
