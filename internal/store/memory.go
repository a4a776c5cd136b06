package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"deathwatch/internal/model"
)

// memoryStore keeps everything in maps. It backs tests and the
// "memory" driver for throwaway runs; nothing survives a restart.
type memoryStore struct {
	mu     sync.RWMutex
	closed bool

	nextCharID  int64
	nextDeathID int64

	chars  map[string]*model.Character   // normalized name -> character
	deaths map[string]*model.StoredDeath // fingerprint -> death
	meta   map[string]string
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		chars:  make(map[string]*model.Character),
		deaths: make(map[string]*model.StoredDeath),
		meta:   make(map[string]string),
	}
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memoryStore) ensureOpen() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *memoryStore) UpsertCharacter(_ context.Context, snap model.CharacterSnapshot) error {
	name := strings.TrimSpace(snap.Name)
	if name == "" {
		return storeErr("upsert_character", errors.New("empty name"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return storeErr("upsert_character", err)
	}

	now := time.Now()
	key := model.NormalizeName(name)
	c, ok := m.chars[key]
	if !ok {
		m.nextCharID++
		c = &model.Character{
			ID:        m.nextCharID,
			Name:      name,
			Role:      model.RoleUnknown,
			FirstSeen: now,
		}
		m.chars[key] = c
	}
	c.Level = snap.Level
	if snap.Vocation != "" {
		c.Vocation = snap.Vocation
	}
	c.Online = snap.Online
	if !snap.LastLogin.IsZero() {
		c.LastLogin = snap.LastLogin
	}
	c.LastSeen = now
	return nil
}

func (m *memoryStore) MarkOffline(_ context.Context, online []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return 0, storeErr("mark_offline", err)
	}

	keep := make(map[string]struct{}, len(online))
	for _, n := range online {
		keep[model.NormalizeName(n)] = struct{}{}
	}
	var flipped int64
	for key, c := range m.chars {
		if !c.Online {
			continue
		}
		if _, ok := keep[key]; ok {
			continue
		}
		c.Online = false
		flipped++
	}
	return flipped, nil
}

func (m *memoryStore) SetRole(_ context.Context, name string, role model.Role) error {
	name = strings.TrimSpace(name)
	if name == "" || !role.Valid() {
		return storeErr("set_role", errors.New("bad arguments"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return storeErr("set_role", err)
	}

	key := model.NormalizeName(name)
	c, ok := m.chars[key]
	if !ok {
		now := time.Now()
		m.nextCharID++
		c = &model.Character{ID: m.nextCharID, Name: name, FirstSeen: now, LastSeen: now}
		m.chars[key] = c
	}
	c.Role = role
	return nil
}

func (m *memoryStore) GetRole(_ context.Context, name string) (model.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return model.RoleUnknown, storeErr("get_role", err)
	}
	if c, ok := m.chars[model.NormalizeName(name)]; ok {
		return c.Role, nil
	}
	return model.RoleUnknown, nil
}

func (m *memoryStore) GetCharacter(_ context.Context, name string) (model.Character, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return model.Character{}, false, storeErr("get_character", err)
	}
	if c, ok := m.chars[model.NormalizeName(name)]; ok {
		return *c, true, nil
	}
	return model.Character{}, false, nil
}

func (m *memoryStore) ListByRole(_ context.Context, role model.Role) ([]model.Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return nil, storeErr("list_by_role", err)
	}
	var out []model.Character
	for _, c := range m.chars {
		if c.Role == role {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level > out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *memoryStore) HasSeen(_ context.Context, fingerprint string) (bool, error) {
	if fingerprint == "" {
		return false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return false, storeErr("has_seen", err)
	}
	_, ok := m.deaths[fingerprint]
	return ok, nil
}

func (m *memoryStore) MarkSeen(_ context.Context, ev model.DeathEvent) error {
	name := strings.TrimSpace(ev.Victim)
	if name == "" {
		return storeErr("mark_seen", errors.New("empty victim"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return storeErr("mark_seen", err)
	}

	now := time.Now()
	key := model.NormalizeName(name)
	if _, ok := m.chars[key]; !ok {
		m.nextCharID++
		m.chars[key] = &model.Character{
			ID: m.nextCharID, Name: name, Role: model.RoleUnknown,
			FirstSeen: now, LastSeen: now,
		}
	}

	fp := ev.Fingerprint()
	if _, ok := m.deaths[fp]; ok {
		return nil
	}
	m.nextDeathID++
	m.deaths[fp] = &model.StoredDeath{
		ID:          m.nextDeathID,
		Fingerprint: fp,
		Victim:      m.chars[key].Name,
		At:          ev.At,
		Level:       ev.Level,
		Killers:     ev.Killers,
		CreatedAt:   now,
	}
	return nil
}

func (m *memoryStore) ListDeaths(_ context.Context, q DeathQuery) ([]model.StoredDeath, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return nil, storeErr("list_deaths", err)
	}

	victim := model.NormalizeName(q.Victim)
	var all []model.StoredDeath
	for _, d := range m.deaths {
		if victim != "" && model.NormalizeName(d.Victim) != victim {
			continue
		}
		if !q.Since.IsZero() && d.At.Before(q.Since) {
			continue
		}
		all = append(all, *d)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].At.Equal(all[j].At) {
			return all[i].At.After(all[j].At)
		}
		return all[i].ID > all[j].ID
	})

	if q.Offset >= len(all) {
		return nil, nil
	}
	all = all[q.Offset:]
	if lim := q.limit(); len(all) > lim {
		all = all[:lim]
	}
	return all, nil
}

func (m *memoryStore) PruneDeaths(_ context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return 0, storeErr("prune_deaths", err)
	}

	byVictim := make(map[string][]*model.StoredDeath)
	for _, d := range m.deaths {
		key := model.NormalizeName(d.Victim)
		byVictim[key] = append(byVictim[key], d)
	}

	var removed int64
	for _, list := range byVictim {
		if len(list) <= keep {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			if !list[i].At.Equal(list[j].At) {
				return list[i].At.After(list[j].At)
			}
			return list[i].ID > list[j].ID
		})
		for _, d := range list[keep:] {
			delete(m.deaths, d.Fingerprint)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.ensureOpen(); err != nil {
		return "", false, storeErr("get_meta", err)
	}
	v, ok := m.meta[key]
	return v, ok, nil
}

func (m *memoryStore) PutMeta(_ context.Context, key, value string) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return storeErr("put_meta", err)
	}
	m.meta[key] = value
	return nil
}

var _ Store = (*memoryStore)(nil)
