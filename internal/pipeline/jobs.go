package pipeline

import (
	"context"
	"strings"
	"time"

	"deathwatch/internal/model"
	"deathwatch/internal/notify"
	"deathwatch/internal/store"
	"deathwatch/internal/transport"
	logx "deathwatch/pkg/logx"
)

// Maintenance entry points. The cron scheduler runs these between cycles;
// each is skip-if-running so a slow pass never stacks on itself.

const (
	// metaSummaryRef remembers the published summary message so restarts
	// keep editing the same message instead of reposting.
	metaSummaryRef = "summary_message"

	// summaryKillWindow bounds how far back the kill table looks.
	summaryKillWindow = 24 * time.Hour
	// summaryKillRows caps the kill table height.
	summaryKillRows = 12
)

// SeedRoster applies the configured tracked/enemy name lists as roles.
// A name on both lists ends up enemy, enemies apply last.
func (p *Pipeline) SeedRoster(ctx context.Context, tracked, enemies []string) error {
	var firstErr error
	apply := func(names []string, role model.Role) {
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				continue
			}
			if err := p.store.SetRole(ctx, name, role); err != nil {
				p.reportStoreError(err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	apply(tracked, model.RoleTracked)
	apply(enemies, model.RoleEnemy)
	if len(tracked)+len(enemies) > 0 {
		p.log.Info("roster seeded",
			logx.Int("tracked", len(tracked)), logx.Int("enemies", len(enemies)))
	}
	return firstErr
}

// RefreshEnemies re-scrapes each enemy's detail page for level, vocation and
// last-login. The detail page says nothing about online state, so the stored
// flag carries over.
func (p *Pipeline) RefreshEnemies(ctx context.Context) {
	enemies, err := p.store.ListByRole(ctx, model.RoleEnemy)
	if err != nil {
		p.reportStoreError(err)
		return
	}
	refreshed := 0
	for _, enemy := range enemies {
		if ctx.Err() != nil {
			return
		}
		snap, err := p.src.FetchCharacter(ctx, enemy.Name)
		if err != nil {
			p.reportSourceError(ctx, err, "character", enemy.Name)
			continue
		}
		snap.Online = enemy.Online
		if err := p.store.UpsertCharacter(ctx, snap); err != nil {
			p.reportStoreError(err)
			continue
		}
		refreshed++
	}
	p.log.Debug("enemy details refreshed",
		logx.Int("refreshed", refreshed), logx.Int("enemies", len(enemies)))
}

// PublishSummary posts the enemy roster and recent enemy kills to the
// general channel. The previously published message is edited in place;
// posting fresh happens on the first run and whenever the edit fails
// (deleted message, new chat).
func (p *Pipeline) PublishSummary(ctx context.Context) {
	cfg := p.config()
	if p.sender == nil || cfg.GeneralChat.ChatID == 0 {
		return
	}
	now := time.Now()
	enemies, err := p.store.ListByRole(ctx, model.RoleEnemy)
	if err != nil {
		p.reportStoreError(err)
		return
	}
	kills, err := p.recentEnemyKills(ctx, now)
	if err != nil {
		p.reportStoreError(err)
		return
	}
	text := notify.Summary(enemies, kills, now)

	if ref, ok := p.summaryRef(ctx); ok {
		err := p.sender.EditText(ctx, ref, text, notify.HTMLOptions())
		if err == nil {
			p.log.Debug("summary updated",
				logx.Int("enemies", len(enemies)), logx.Int("kills", len(kills)))
			return
		}
		p.log.Warn("summary edit failed, posting fresh", logx.Err(err))
	}

	ref, err := p.sender.SendText(ctx, cfg.GeneralChat, text, notify.HTMLOptions())
	if err != nil {
		p.log.Warn("summary send failed", logx.Err(err))
		return
	}
	if err := p.store.PutMeta(ctx, metaSummaryRef, ref.Encode()); err != nil {
		p.reportStoreError(err)
	}
	p.log.Info("summary published",
		logx.Int("enemies", len(enemies)), logx.Int("kills", len(kills)))
}

func (p *Pipeline) summaryRef(ctx context.Context) (transport.MessageRef, bool) {
	raw, ok, err := p.store.GetMeta(ctx, metaSummaryRef)
	if err != nil {
		p.reportStoreError(err)
		return transport.MessageRef{}, false
	}
	if !ok {
		return transport.MessageRef{}, false
	}
	ref, err := transport.ParseMessageRef(raw)
	if err != nil {
		p.log.Warn("stored summary ref unreadable", logx.String("ref", raw), logx.Err(err))
		return transport.MessageRef{}, false
	}
	return ref, true
}

// recentEnemyKills filters stored deaths down to tracked victims with at
// least one player among the killers, the same test the alert path applies.
func (p *Pipeline) recentEnemyKills(ctx context.Context, now time.Time) ([]model.StoredDeath, error) {
	deaths, err := p.store.ListDeaths(ctx, store.DeathQuery{
		Since: now.Add(-summaryKillWindow),
		Limit: 200,
	})
	if err != nil {
		return nil, err
	}
	var kills []model.StoredDeath
	for _, d := range deaths {
		role, err := p.store.GetRole(ctx, d.Victim)
		if err != nil {
			return nil, err
		}
		if role != model.RoleTracked {
			continue
		}
		if len(p.cls.PlayerKillers(d.Killers)) == 0 {
			continue
		}
		kills = append(kills, d)
		if len(kills) == summaryKillRows {
			break
		}
	}
	return kills, nil
}

// Prune trims each character's death log to the configured retention.
func (p *Pipeline) Prune(ctx context.Context) {
	keep := p.config().PruneKeep
	if keep <= 0 {
		return
	}
	removed, err := p.store.PruneDeaths(ctx, keep)
	if err != nil {
		p.reportStoreError(err)
		return
	}
	if removed > 0 {
		p.log.Info("death log pruned",
			logx.Int64("removed", removed), logx.Int("keep", keep))
	}
}
