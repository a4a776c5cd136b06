package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deathwatch/internal/model"
	logx "deathwatch/pkg/logx"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// StoreError wraps any persistence failure. A StoreError for one character
// skips that character's update within the cycle; it is never fatal for the
// process.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Config configures the persistence layer.
//
// Driver values:
//   - "sqlite": SQLite database file (production)
//   - "memory": process-lifetime map store (tests, dry runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DeathQuery filters ListDeaths. Zero values mean "no filter"; Limit
// defaults to 50 and is capped at 500.
type DeathQuery struct {
	Victim string
	Since  time.Time
	Limit  int
	Offset int
}

func (q DeathQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return 50
	case q.Limit > 500:
		return 500
	}
	return q.Limit
}

// Query is the read-only boundary handed to the external REST layer. All
// writes originate from the pipeline through the full Store API.
type Query interface {
	GetCharacter(ctx context.Context, name string) (model.Character, bool, error)
	ListByRole(ctx context.Context, role model.Role) ([]model.Character, error)
	ListDeaths(ctx context.Context, q DeathQuery) ([]model.StoredDeath, error)
}

// Store is the persistence API used by the pipeline.
//
// Mutations are atomic per character/fingerprint key; cross-cycle exclusion
// is the scheduler's job, not the store's.
type Store interface {
	Query

	// UpsertCharacter inserts a character on first observation or refreshes
	// level/vocation/online/last-login/last-seen. It never changes role.
	UpsertCharacter(ctx context.Context, snap model.CharacterSnapshot) error
	// MarkOffline clears the online flag of every character not named in
	// online (the current roster). Level, vocation and last-seen keep their
	// values from the character's last actual observation.
	MarkOffline(ctx context.Context, online []string) (int64, error)
	// SetRole promotes or demotes a character, creating the row if needed.
	SetRole(ctx context.Context, name string, role model.Role) error
	GetRole(ctx context.Context, name string) (model.Role, error)

	// HasSeen reports whether a death fingerprint was already recorded.
	HasSeen(ctx context.Context, fingerprint string) (bool, error)
	// MarkSeen records a death event. Recording the same fingerprint twice
	// is a no-op, not an error; this is what keeps notifications
	// at-most-once across restarts.
	MarkSeen(ctx context.Context, ev model.DeathEvent) error

	// PruneDeaths trims each character's death log to its most recent keep
	// entries, returning the number of rows removed.
	PruneDeaths(ctx context.Context, keep int) (int64, error)

	GetMeta(ctx context.Context, key string) (string, bool, error)
	PutMeta(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Driver)
	}
}
