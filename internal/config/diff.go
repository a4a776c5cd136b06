package config

import (
	"reflect"
	"strings"

	logx "deathwatch/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Interval) != strings.TrimSpace(newCfg.Interval) {
		changed = append(changed, "interval")
		attrs = append(attrs, logx.String("interval", strings.TrimSpace(newCfg.Interval)))
	}

	if !reflect.DeepEqual(oldCfg.Source, newCfg.Source) {
		changed = append(changed, "source")
		attrs = append(attrs,
			logx.String("source.base_url", strings.TrimSpace(newCfg.Source.BaseURL)),
			logx.String("source.fetch_timeout", strings.TrimSpace(newCfg.Source.FetchTimeout)),
			logx.Int("source.fetch_concurrency", newCfg.Source.FetchConcurrency),
			logx.Int("source.min_level", newCfg.Source.MinLevel),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if oldCfg.Channels != newCfg.Channels {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.Bool("channels.alerts_set", newCfg.Channels.Alerts != 0),
			logx.Bool("channels.general_set", newCfg.Channels.General != 0),
		)
	}

	if !reflect.DeepEqual(oldCfg.Roster, newCfg.Roster) {
		changed = append(changed, "roster")
		attrs = append(attrs,
			logx.Int("roster.tracked", len(newCfg.Roster.Tracked)),
			logx.Int("roster.enemies", len(newCfg.Roster.Enemies)),
			logx.Int("roster.creatures", len(newCfg.Roster.Creatures)),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
			logx.String("notifier.retry_base", strings.TrimSpace(newCfg.Notifier.RetryBase)),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Int("storage.prune_keep", newCfg.Storage.PruneKeep),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logx.overrides", len(newCfg.Logging.Levels)),
		)
	}

	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.String("jobs.summary", strings.TrimSpace(newCfg.Jobs.SummaryInterval)),
			logx.String("jobs.refresh", strings.TrimSpace(newCfg.Jobs.RefreshInterval)),
			logx.String("jobs.prune", strings.TrimSpace(newCfg.Jobs.PruneInterval)),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
		)
	}

	return changed, attrs
}
