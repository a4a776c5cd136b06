package model

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// Role classifies a character on the roster.
//
// Roles are mutable (an enemy can be promoted to tracked and back); a
// character's name is its immutable identity.
type Role string

const (
	RoleTracked Role = "tracked"
	RoleEnemy   Role = "enemy"
	RoleUnknown Role = "unknown"
)

func (r Role) Valid() bool {
	switch r {
	case RoleTracked, RoleEnemy, RoleUnknown:
		return true
	}
	return false
}

// ParseRole normalizes a role string from config or storage.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if r == "" {
		return RoleUnknown, nil
	}
	if !r.Valid() {
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// NormalizeName canonicalizes a character name for case-insensitive identity.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// CharacterSnapshot is one observation of a character from the source site.
// LastLogin is zero when the page did not expose it (the roster list does
// not; the character detail page does).
type CharacterSnapshot struct {
	Name      string
	Level     int
	Vocation  string
	Online    bool
	LastLogin time.Time
}

// Character is the persisted roster entry.
type Character struct {
	ID        int64
	Name      string
	Role      Role
	Level     int
	Vocation  string
	Online    bool
	LastLogin time.Time
	FirstSeen time.Time
	LastSeen  time.Time
}

// DeathEvent is one death of a character at a point in time, as parsed from
// the source's death history. Killers is the raw description text; it may
// name several killers and the source does not reliably separate players
// from creatures, so it stays free text here.
type DeathEvent struct {
	Victim  string
	At      time.Time
	Level   int
	Killers string
}

// Fingerprint derives the dedup key for a death event. Two fetches of the
// same death (same victim, same second, same killer text) must produce the
// same fingerprint across restarts.
func (d DeathEvent) Fingerprint() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(NormalizeName(d.Victim)))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(fmt.Sprintf("%d|", d.At.UnixMilli())))
	_, _ = h.Write([]byte(d.Killers))
	return fmt.Sprintf("%x", h.Sum64())
}

// StoredDeath is a persisted death event as returned by the query boundary.
type StoredDeath struct {
	ID          int64
	Fingerprint string
	Victim      string
	At          time.Time
	Level       int
	Killers     string
	CreatedAt   time.Time
}
