package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Config selects sinks and verbosity.
type Config struct {
	// Level is the default verbosity.
	Level string
	// Levels overrides verbosity per component, keyed by the name given to
	// Service.Component ("source", "notify", ...).
	Levels  map[string]string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the sinks. Apply swaps them at runtime and every Logger
// minted from the Service picks the swap up on its next write.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	defLevel zerolog.Level
	levels   map[string]zerolog.Level

	root atomic.Value // zerolog.Logger
}

// New builds the service and applies cfg immediately.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	boot := zerolog.New(consoleWriter(os.Stdout)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

// Component returns a logger tagged comp=name whose verbosity follows the
// per-component override in Config.Levels, live across Apply.
func (s *Service) Component(name string) Logger {
	l := Logger{svc: s, comp: name}
	if name != "" {
		l = l.With(String("comp", name))
	}
	return l
}

// Apply swaps sinks and levels. Safe for concurrent use; writes in flight
// finish on the old sink.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	s.defLevel = parseLevel(cfg.Level, zerolog.InfoLevel)
	s.levels = make(map[string]zerolog.Level, len(cfg.Levels))
	// The sink level must admit the most verbose override; Logger.log
	// floors everything else per component.
	rootLvl := s.defLevel
	for comp, raw := range cfg.Levels {
		lvl := parseLevel(raw, s.defLevel)
		s.levels[strings.TrimSpace(comp)] = lvl
		if lvl < rootLvl {
			rootLvl = lvl
		}
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = "./deathwatch.log"
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(rootLvl).
		With().Timestamp().Logger()
	s.root.Store(zl)
}

func (s *Service) levelFor(comp string) zerolog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lvl, ok := s.levels[comp]; ok {
		return lvl
	}
	return s.defLevel
}

func (s *Service) current() zerolog.Logger {
	if zl, ok := s.root.Load().(zerolog.Logger); ok {
		return zl
	}
	return zerolog.Nop()
}

// Close releases the file sink, if one is open.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		_ = f.Close()
	}
	return nil
}

func consoleWriter(w io.Writer) io.Writer {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
	// The caller field is already short file:line; keep it as-is instead of
	// the writer's default path prettifying.
	cw.FormatCaller = func(v any) string {
		s, _ := v.(string)
		return s
	}
	return cw
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return def
	}
}
