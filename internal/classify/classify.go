// Package classify decides what a freshly parsed death event means: an
// already-seen duplicate, a tracked character killed by a player (the alert
// case), or merely observed.
//
// Classification is a pure function of the event plus two lookups; it never
// writes anything. The store decides persistence, the pipeline decides
// delivery.
package classify

import (
	"context"
	_ "embed"
	"strings"

	"deathwatch/internal/model"
)

//go:embed creatures.txt
var defaultCreatures string

// Outcome is the classification result.
type Outcome int

const (
	// OutcomeObserved is a novel death that warrants no alert: untracked
	// victim, creature kill, or unparseable killer text.
	OutcomeObserved Outcome = iota
	// OutcomeDuplicate is a death whose fingerprint was already recorded.
	OutcomeDuplicate
	// OutcomeEnemyKill is a tracked character killed by at least one player.
	OutcomeEnemyKill
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeEnemyKill:
		return "enemy_kill"
	default:
		return "observed"
	}
}

// RoleLookup resolves a character name to its roster role. Absent characters
// resolve to model.RoleUnknown, not an error.
type RoleLookup func(ctx context.Context, name string) (model.Role, error)

// SeenLookup reports whether a death fingerprint was already recorded.
type SeenLookup func(ctx context.Context, fingerprint string) (bool, error)

// Classifier holds the creature set used to tell player killers from
// creature killers. Safe for concurrent use once built.
type Classifier struct {
	creatures map[string]struct{}
}

// New builds a classifier from the embedded creature list plus any extra
// names from config.
func New(extra []string) *Classifier {
	c := &Classifier{creatures: make(map[string]struct{}, 256)}
	for _, line := range strings.Split(defaultCreatures, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		c.creatures[normalizeKiller(line)] = struct{}{}
	}
	for _, name := range extra {
		if n := normalizeKiller(name); n != "" {
			c.creatures[n] = struct{}{}
		}
	}
	return c
}

// Classify runs the decision order: duplicate first (a seen fingerprint is a
// duplicate no matter what else is true), then victim role, then killers.
// Lookup errors propagate so a failing store cannot silently misclassify.
func (c *Classifier) Classify(ctx context.Context, ev model.DeathEvent, roles RoleLookup, seen SeenLookup) (Outcome, error) {
	dup, err := seen(ctx, ev.Fingerprint())
	if err != nil {
		return OutcomeObserved, err
	}
	if dup {
		return OutcomeDuplicate, nil
	}
	role, err := roles(ctx, ev.Victim)
	if err != nil {
		return OutcomeObserved, err
	}
	if role != model.RoleTracked {
		return OutcomeObserved, nil
	}
	if len(c.PlayerKillers(ev.Killers)) == 0 {
		return OutcomeObserved, nil
	}
	return OutcomeEnemyKill, nil
}

// PlayerKillers returns the killer entries that are not known creatures, in
// the order the killer text names them.
func (c *Classifier) PlayerKillers(text string) []string {
	var players []string
	for _, k := range Killers(text) {
		if !c.IsCreature(k) {
			players = append(players, k)
		}
	}
	return players
}

// IsCreature reports whether a single killer entry names a known creature.
func (c *Classifier) IsCreature(name string) bool {
	_, ok := c.creatures[normalizeKiller(name)]
	return ok
}

// Killers splits a killer clause ("a dragon and Hostile Player") into its
// individual entries.
func Killers(text string) []string {
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "."))
	if text == "" {
		return nil
	}
	parts := strings.Split(text, " and ")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeKiller lowercases, collapses whitespace, drops a trailing period
// and a leading "a"/"an" article.
func normalizeKiller(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	s = strings.TrimSuffix(s, ".")
	for _, art := range []string{"a ", "an "} {
		if strings.HasPrefix(s, art) {
			return strings.TrimSpace(strings.TrimPrefix(s, art))
		}
	}
	return s
}
