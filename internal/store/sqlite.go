package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"deathwatch/internal/model"
	logx "deathwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertCharacter(ctx context.Context, snap model.CharacterSnapshot) error {
	name := strings.TrimSpace(snap.Name)
	if name == "" {
		return storeErr("upsert_character", errors.New("empty name"))
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters(name, role, level, vocation, online, last_login, first_seen, last_seen)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   level      = excluded.level,
		   vocation   = CASE WHEN excluded.vocation <> '' THEN excluded.vocation ELSE characters.vocation END,
		   online     = excluded.online,
		   last_login = COALESCE(excluded.last_login, characters.last_login),
		   last_seen  = excluded.last_seen`,
		name, string(model.RoleUnknown), snap.Level, snap.Vocation, boolInt(snap.Online),
		nullMilli(snap.LastLogin), now, now,
	)
	return storeErr("upsert_character", err)
}

func (s *sqliteStore) MarkOffline(ctx context.Context, online []string) (int64, error) {
	sqlStr := `UPDATE characters SET online = 0 WHERE online = 1`
	var args []any
	if len(online) > 0 {
		sqlStr += ` AND name NOT IN (?` + strings.Repeat(",?", len(online)-1) + `)`
		for _, n := range online {
			args = append(args, strings.TrimSpace(n))
		}
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, storeErr("mark_offline", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("mark_offline", err)
	}
	return n, nil
}

func (s *sqliteStore) SetRole(ctx context.Context, name string, role model.Role) error {
	name = strings.TrimSpace(name)
	if name == "" || !role.Valid() {
		return storeErr("set_role", fmt.Errorf("bad arguments (name=%q role=%q)", name, role))
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters(name, role, first_seen, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET role = excluded.role`,
		name, string(role), now, now,
	)
	return storeErr("set_role", err)
}

func (s *sqliteStore) GetRole(ctx context.Context, name string) (model.Role, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT role FROM characters WHERE name = ?`, strings.TrimSpace(name)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RoleUnknown, nil
	}
	if err != nil {
		return model.RoleUnknown, storeErr("get_role", err)
	}
	role, err := model.ParseRole(raw)
	if err != nil {
		return model.RoleUnknown, storeErr("get_role", err)
	}
	return role, nil
}

func (s *sqliteStore) GetCharacter(ctx context.Context, name string) (model.Character, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, level, vocation, online, last_login, first_seen, last_seen
		 FROM characters WHERE name = ?`, strings.TrimSpace(name))
	c, err := scanCharacter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Character{}, false, nil
	}
	if err != nil {
		return model.Character{}, false, storeErr("get_character", err)
	}
	return c, true, nil
}

func (s *sqliteStore) ListByRole(ctx context.Context, role model.Role) ([]model.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, role, level, vocation, online, last_login, first_seen, last_seen
		 FROM characters WHERE role = ? ORDER BY level DESC, name ASC`, string(role))
	if err != nil {
		return nil, storeErr("list_by_role", err)
	}
	defer rows.Close()

	var out []model.Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, storeErr("list_by_role", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_by_role", err)
	}
	return out, nil
}

func (s *sqliteStore) HasSeen(ctx context.Context, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM deaths WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("has_seen", err)
	}
	return true, nil
}

func (s *sqliteStore) MarkSeen(ctx context.Context, ev model.DeathEvent) error {
	name := strings.TrimSpace(ev.Victim)
	if name == "" {
		return storeErr("mark_seen", errors.New("empty victim"))
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("mark_seen", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The victim may be unknown to the roster (first ever observation).
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO characters(name, role, first_seen, last_seen) VALUES(?,?,?,?)
		 ON CONFLICT(name) DO NOTHING`,
		name, string(model.RoleUnknown), now, now); err != nil {
		return storeErr("mark_seen", err)
	}

	// Idempotent by fingerprint: re-marking an already seen death is a no-op.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deaths(fingerprint, character_id, died_at, level, killers, created_at)
		 SELECT ?, id, ?, ?, ?, ? FROM characters WHERE name = ?
		 ON CONFLICT(fingerprint) DO NOTHING`,
		ev.Fingerprint(), ev.At.UnixMilli(), ev.Level, ev.Killers, now, name); err != nil {
		return storeErr("mark_seen", err)
	}

	return storeErr("mark_seen", tx.Commit())
}

func (s *sqliteStore) ListDeaths(ctx context.Context, q DeathQuery) ([]model.StoredDeath, error) {
	var (
		where []string
		args  []any
	)
	if v := strings.TrimSpace(q.Victim); v != "" {
		where = append(where, "c.name = ?")
		args = append(args, v)
	}
	if !q.Since.IsZero() {
		where = append(where, "d.died_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	sqlStr := `SELECT d.id, d.fingerprint, c.name, d.died_at, d.level, d.killers, d.created_at
		 FROM deaths d JOIN characters c ON c.id = d.character_id`
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	sqlStr += " ORDER BY d.died_at DESC, d.id DESC LIMIT ? OFFSET ?"
	args = append(args, q.limit(), q.Offset)

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, storeErr("list_deaths", err)
	}
	defer rows.Close()

	var out []model.StoredDeath
	for rows.Next() {
		var (
			d       model.StoredDeath
			diedAt  int64
			created int64
		)
		if err := rows.Scan(&d.ID, &d.Fingerprint, &d.Victim, &diedAt, &d.Level, &d.Killers, &created); err != nil {
			return nil, storeErr("list_deaths", err)
		}
		d.At = time.UnixMilli(diedAt)
		d.CreatedAt = time.UnixMilli(created)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_deaths", err)
	}
	return out, nil
}

func (s *sqliteStore) PruneDeaths(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deaths WHERE id IN (
		   SELECT id FROM (
		     SELECT id, ROW_NUMBER() OVER (
		       PARTITION BY character_id ORDER BY died_at DESC, id DESC
		     ) AS rn FROM deaths
		   ) WHERE rn > ?
		 )`, keep)
	if err != nil {
		return 0, storeErr("prune_deaths", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("prune_deaths", err)
	}
	return n, nil
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storeErr("get_meta", err)
	}
	return v, true, nil
}

func (s *sqliteStore) PutMeta(ctx context.Context, key, value string) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	return storeErr("put_meta", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row rowScanner) (model.Character, error) {
	var (
		c         model.Character
		role      string
		online    int
		lastLogin sql.NullInt64
		firstSeen int64
		lastSeen  int64
	)
	if err := row.Scan(&c.ID, &c.Name, &role, &c.Level, &c.Vocation, &online, &lastLogin, &firstSeen, &lastSeen); err != nil {
		return model.Character{}, err
	}
	c.Role = model.Role(role)
	c.Online = online != 0
	if lastLogin.Valid {
		c.LastLogin = time.UnixMilli(lastLogin.Int64)
	}
	c.FirstSeen = time.UnixMilli(firstSeen)
	c.LastSeen = time.UnixMilli(lastSeen)
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullMilli(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

var _ Store = (*sqliteStore)(nil)
