package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"deathwatch/internal/classify"
	"deathwatch/internal/model"
	"deathwatch/internal/transport"
	"deathwatch/pkg/tgui"
)

// Notification kinds, used for logs and metrics labels.
const (
	KindDeathAlert = "death_alert"
	KindSummary    = "summary"
)

// alertTimeLayout mirrors the site's own timestamp rendering so an alert
// reads like the page it came from.
const alertTimeLayout = "Jan 02 2006, 15:04:05 MST"

// HTMLOptions is the send options every rendered notification uses.
func HTMLOptions() *transport.SendOptions {
	return &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
}

// DeathAlert renders the enemy-kill alert. Player killers are bolded,
// creatures stay plain.
func DeathAlert(ev model.DeathEvent, playerKillers []string) string {
	players := make(map[string]struct{}, len(playerKillers))
	for _, p := range playerKillers {
		players[model.NormalizeName(p)] = struct{}{}
	}
	entries := classify.Killers(ev.Killers)
	parts := make([]tgui.H, 0, len(entries))
	for _, k := range entries {
		if _, ok := players[model.NormalizeName(k)]; ok {
			parts = append(parts, tgui.B(k))
		} else {
			parts = append(parts, tgui.Esc(k))
		}
	}
	killers := tgui.JoinH(" and ", parts...)
	if killers == "" {
		killers = tgui.Esc(ev.Killers)
	}

	var b strings.Builder
	b.WriteString("🚨 ")
	b.WriteString(tgui.B(ev.Victim).String())
	b.WriteString(tgui.Esc(fmt.Sprintf(" was killed at level %d", ev.Level)).String())
	b.WriteString("\n")
	b.WriteString(tgui.B("By:").String())
	b.WriteString(" ")
	b.WriteString(killers.String())
	b.WriteString("\n")
	b.WriteString(tgui.B("At:").String())
	b.WriteString(" ")
	b.WriteString(tgui.Esc(ev.At.Format(alertTimeLayout)).String())
	return b.String()
}

// Summary renders the enemy roster (level descending) and the recent
// enemy-kill list (newest first) as one HTML message with monospace tables.
func Summary(enemies []model.Character, kills []model.StoredDeath, now time.Time) string {
	var b strings.Builder

	b.WriteString(tgui.B("Enemy roster").String())
	b.WriteString(tgui.Esc(fmt.Sprintf(" (%d)", len(enemies))).String())
	b.WriteString("\n")
	if len(enemies) == 0 {
		b.WriteString(tgui.I("nobody on the list").String())
	} else {
		sorted := append([]model.Character(nil), enemies...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Level != sorted[j].Level {
				return sorted[i].Level > sorted[j].Level
			}
			return sorted[i].Name < sorted[j].Name
		})
		var t strings.Builder
		fmt.Fprintf(&t, "%-20s %4s  %-16s %s\n", "NAME", "LVL", "VOCATION", "SEEN")
		for _, c := range sorted {
			// The site's own last-login beats our scrape time when offline.
			seen := ""
			switch {
			case c.Online:
				seen = "online"
			case !c.LastLogin.IsZero():
				seen = shortAgo(now.Sub(c.LastLogin))
			case !c.LastSeen.IsZero():
				seen = shortAgo(now.Sub(c.LastSeen))
			}
			fmt.Fprintf(&t, "%-20s %4d  %-16s %s\n",
				tgui.TruncRunes(c.Name, 20), c.Level, tgui.TruncRunes(c.Vocation, 16), seen)
		}
		b.WriteString(tgui.Pre(strings.TrimRight(t.String(), "\n")).String())
	}

	b.WriteString("\n")
	b.WriteString(tgui.B("Recent enemy kills").String())
	b.WriteString(tgui.Esc(fmt.Sprintf(" (%d)", len(kills))).String())
	b.WriteString("\n")
	if len(kills) == 0 {
		b.WriteString(tgui.I("quiet so far").String())
	} else {
		sorted := append([]model.StoredDeath(nil), kills...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].At.After(sorted[j].At) })
		var t strings.Builder
		fmt.Fprintf(&t, "%-12s %-18s %4s  %s\n", "WHEN", "VICTIM", "LVL", "BY")
		for _, d := range sorted {
			fmt.Fprintf(&t, "%-12s %-18s %4d  %s\n",
				d.At.Format("Jan 02 15:04"), tgui.TruncRunes(d.Victim, 18),
				d.Level, tgui.TruncRunes(d.Killers, 24))
		}
		b.WriteString(tgui.Pre(strings.TrimRight(t.String(), "\n")).String())
	}
	return b.String()
}

func shortAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
