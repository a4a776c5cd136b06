package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "deathwatch/pkg/logx"
)

// Debounce and self-heal tuning for Watch.
const (
	reloadDebounce   = 250 * time.Millisecond
	watchBackoffMin  = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	validatorTimeout = 5 * time.Second
)

// ConfigManager owns the config file lifecycle: strict parse, env overlay,
// validation, commit and reload fan-out. Load gives the boot config; Watch
// keeps it fresh for the rest of the process lifetime.
type ConfigManager struct {
	path string
	log  logx.Logger

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64 // content hash of the committed config

	// subsMu also serializes publish against Unsubscribe's close.
	subsMu sync.Mutex
	subs   []chan *Config

	validator func(ctx context.Context, cfg *Config) error

	timerMu sync.Mutex
	timer   *time.Timer
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{path: path, log: logx.Nop()}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if !log.IsZero() {
		m.log = log
	}
}

// SetValidator gates Watch reloads: a config the validator rejects is
// dropped and the previous one stays committed.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Parse reads and strict-decodes the file over the defaults, then overlays
// the environment, so env settings beat file edits reload after reload.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toStrictJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("invalid config: trailing data")
		}
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits the boot config.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hashConfig(cfg)
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives each committed reload. The
// channel stays open until Unsubscribe.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s != ch {
			continue
		}
		m.subs[i] = m.subs[len(m.subs)-1]
		m.subs = m.subs[:len(m.subs)-1]
		close(ch)
		return
	}
}

// publish hands the committed config to every subscriber. A full buffer
// loses its oldest entry first, so a lagging subscriber still ends up with
// the newest config.
func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped, subscriber stalled",
				logx.Int("buffer", cap(ch)))
		}
	}
}

// scheduleReload debounces a burst of filesystem events (editors write,
// sync and rename in quick succession) into one parse attempt.
func (m *ConfigManager) scheduleReload(ctx context.Context) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.log.Debug("config change detected", logx.String("path", m.path))
	m.timer = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
}

// reload is the transactional half of a hot reload: parse, skip when the
// content hash is unchanged, validate, then commit and publish. Any failure
// leaves the previous config in place.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config content unchanged, skipping reload")
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validatorTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected, keeping previous",
				logx.String("path", m.path), logx.Err(err))
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config reloaded from disk", logx.String("path", m.path))
}

// Watch follows the config file until ctx ends. The directory is watched
// rather than the file so editors that replace-by-rename keep working; a
// broken watcher is rebuilt with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		started := time.Now()
		err := m.watchOnce(ctx, dir)
		if ctx.Err() != nil {
			return nil
		}
		// A watcher that held for a while earns a fresh backoff window.
		if time.Since(started) >= time.Minute {
			backoff = watchBackoffMin
		}
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		m.log.Warn("config watcher stopped, rebuilding",
			logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		if backoff *= 2; backoff > watchBackoffMax {
			backoff = watchBackoffMax
		}
	}
	return nil
}

// watchOnce runs a single watcher until it breaks or ctx ends.
func (m *ConfigManager) watchOnce(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	file := filepath.Base(m.path)
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			// Match by basename; editor temp files and symlink flips rewrite
			// the path in ways a literal compare misses.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				m.scheduleReload(ctx)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			if err == nil {
				continue
			}
			// An overflow can swallow the write we care about; reload once
			// instead of trusting the event stream.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				m.log.Warn("config watch overflow, forcing reload", logx.Err(err))
				m.scheduleReload(ctx)
				continue
			}
			return err
		}
	}
}
