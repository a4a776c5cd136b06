package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
//
// It can come from an optional YAML/JSON file (see Manager) with environment
// variables layered on top (see ApplyEnv; env always wins). All durations are
// Go duration strings (e.g. "500ms", "15s", "3m").
type Config struct {
	// Interval is the cycle period, measured from the previous cycle's
	// completion.
	Interval string `json:"interval,omitempty"`

	Source   SourceConfig   `json:"source"`
	Telegram TelegramConfig `json:"telegram"`
	Channels ChannelsConfig `json:"channels"`
	Roster   RosterConfig   `json:"roster,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	Jobs     JobsConfig     `json:"jobs,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

// SourceConfig points at the game server's public status pages.
type SourceConfig struct {
	BaseURL string `json:"base_url"`
	// FetchTimeout bounds every single HTTP request.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
	// FetchConcurrency bounds parallel per-character death fetches in a cycle.
	FetchConcurrency int `json:"fetch_concurrency,omitempty"`
	// RatePerSec throttles requests against the source site.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// DeathWindow ignores deaths older than this at parse time.
	DeathWindow string `json:"death_window,omitempty"`
	// MinLevel is the roster upsert floor; online characters below it are
	// not persisted.
	MinLevel int `json:"min_level,omitempty"`
	// Timezone is the IANA zone the site prints timestamps in (e.g.
	// "Europe/Berlin"). Empty means the process-local zone.
	Timezone  string `json:"timezone,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

// ChannelsConfig routes notifications. Alerts receives enemy-kill alerts;
// General receives roster summaries. General may be 0 (summary job disabled).
type ChannelsConfig struct {
	Alerts  int64 `json:"alerts"`
	General int64 `json:"general,omitempty"`
}

// RosterConfig seeds character roles at startup. Role management beyond
// seeding (commands, REST) lives outside this daemon.
type RosterConfig struct {
	Tracked []string `json:"tracked,omitempty"`
	Enemies []string `json:"enemies,omitempty"`
	// Creatures extends the built-in creature-name set used to tell player
	// kills from creature kills.
	Creatures []string `json:"creatures,omitempty"`
}

type NotifierConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type StorageConfig struct {
	// Driver is "sqlite" (production) or "memory" (ephemeral).
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	// PruneKeep is how many most-recent deaths to retain per character.
	PruneKeep int `json:"prune_keep,omitempty"`
}

type LoggingConfig struct {
	Level string `json:"level,omitempty"`
	// Levels overrides verbosity per component ("source", "store",
	// "classify", "notify", "sched", "pipeline", "transport", "app").
	Levels  map[string]string `json:"levels,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFile       `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// JobsConfig schedules the maintenance jobs ("@every 30m" or cron specs).
type JobsConfig struct {
	// SummaryInterval republishes the roster/kills tables to the general
	// channel.
	SummaryInterval string `json:"summary_interval,omitempty"`
	// RefreshInterval re-scrapes enemy character details.
	RefreshInterval string `json:"refresh_interval,omitempty"`
	// PruneInterval trims each character's death log to storage.prune_keep.
	PruneInterval string `json:"prune_interval,omitempty"`
}

// DebugConfig controls the localhost metrics/pprof listener.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:6060"
}

// Default returns the baseline configuration before file and env layers.
func Default() *Config {
	return &Config{
		Interval: "3m",
		Source: SourceConfig{
			FetchTimeout:     "15s",
			FetchConcurrency: 4,
			RatePerSec:       2,
			DeathWindow:      "12h",
			MinLevel:         30,
		},
		Notifier: NotifierConfig{
			QueueSize:     256,
			RatePerSec:    1,
			RetryMax:      4,
			RetryBase:     "500ms",
			RetryMaxDelay: "30s",
		},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./deathwatch.db",
			BusyTimeout: "1s",
			PruneKeep:   50,
		},
		Logging: LoggingConfig{Level: "info", Console: true},
		Jobs: JobsConfig{
			SummaryInterval: "@every 30m",
			RefreshInterval: "@every 1h",
			PruneInterval:   "@every 6h",
		},
	}
}

// Validate rejects configs the daemon cannot run with. It is also installed
// as the Manager's reload validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Source.BaseURL) == "" {
		return errors.New("source.base_url is required")
	}
	if _, err := ParseDurationField("interval", cfg.Interval); err != nil {
		return err
	}
	if _, err := ParseDurationField("source.fetch_timeout", cfg.Source.FetchTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("source.death_window", cfg.Source.DeathWindow); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Source.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("source.timezone: %w", err)
		}
	}
	if _, err := ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase); err != nil {
		return err
	}
	if _, err := ParseDurationField("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if cfg.Channels.Alerts == 0 {
		return errors.New("channels.alerts is required")
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
	return nil
}
