package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix namespaces every recognized environment variable.
const EnvPrefix = "DEATHWATCH_"

// ApplyEnv overlays recognized DEATHWATCH_* variables onto cfg. Environment
// always wins over file values so deployments can keep secrets (bot token,
// chat IDs) out of the config file.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var errs []string

	setStr := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	setInt64 := func(key string, dst *int64) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
			return
		}
		*dst = n
	}
	setList := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}

	setStr("INTERVAL", &cfg.Interval)

	setStr("SOURCE_URL", &cfg.Source.BaseURL)
	setStr("FETCH_TIMEOUT", &cfg.Source.FetchTimeout)
	setInt("FETCH_CONCURRENCY", &cfg.Source.FetchConcurrency)
	setInt("SOURCE_RATE_PER_SEC", &cfg.Source.RatePerSec)
	setStr("DEATH_WINDOW", &cfg.Source.DeathWindow)
	setInt("MIN_LEVEL", &cfg.Source.MinLevel)
	setStr("SOURCE_TIMEZONE", &cfg.Source.Timezone)
	setStr("USER_AGENT", &cfg.Source.UserAgent)

	setStr("BOT_TOKEN", &cfg.Telegram.Token)

	setInt64("ALERT_CHAT_ID", &cfg.Channels.Alerts)
	setInt64("GENERAL_CHAT_ID", &cfg.Channels.General)

	setList("TRACKED", &cfg.Roster.Tracked)
	setList("ENEMIES", &cfg.Roster.Enemies)
	setList("CREATURES", &cfg.Roster.Creatures)

	setInt("QUEUE_SIZE", &cfg.Notifier.QueueSize)
	setInt("RATE_PER_SEC", &cfg.Notifier.RatePerSec)
	setInt("RETRY_MAX", &cfg.Notifier.RetryMax)
	setStr("RETRY_BASE", &cfg.Notifier.RetryBase)
	setStr("RETRY_MAX_DELAY", &cfg.Notifier.RetryMaxDelay)

	setStr("DB_DRIVER", &cfg.Storage.Driver)
	setStr("DB_PATH", &cfg.Storage.Path)
	setStr("DB_BUSY_TIMEOUT", &cfg.Storage.BusyTimeout)
	setInt("PRUNE_KEEP", &cfg.Storage.PruneKeep)

	setStr("LOG_LEVEL", &cfg.Logging.Level)
	if v, ok := lookup("LOG_LEVELS"); ok {
		m, err := parseLevelsSpec(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sLOG_LEVELS: %v", EnvPrefix, err))
		} else {
			cfg.Logging.Levels = m
		}
	}
	if v, ok := lookup("LOG_FILE"); ok {
		cfg.Logging.File.Enabled = true
		cfg.Logging.File.Path = v
	}

	setStr("SUMMARY_INTERVAL", &cfg.Jobs.SummaryInterval)
	setStr("REFRESH_INTERVAL", &cfg.Jobs.RefreshInterval)
	setStr("PRUNE_INTERVAL", &cfg.Jobs.PruneInterval)

	if v, ok := lookup("DEBUG_ADDR"); ok {
		cfg.Debug.Enabled = true
		cfg.Debug.Addr = v
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseLevelsSpec parses "source=debug,notify=warn" into a levels map.
func parseLevelsSpec(v string) (map[string]string, error) {
	m := map[string]string{}
	for _, pair := range splitList(v) {
		k, lvl, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(lvl) == "" {
			return nil, fmt.Errorf("bad component level %q (want comp=level)", pair)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(lvl)
	}
	return m, nil
}
