package source

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"deathwatch/internal/model"
)

// deathTimeLayout matches the site's timestamp rendering,
// e.g. "Aug 24 2025, 21:30:12 CEST".
const deathTimeLayout = "Jan 02 2006, 15:04:05 MST"

// deathLineRe pulls the level and killer clause out of a description like
// "Killed at Level 123 by a dragon and Hostile Player."
var deathLineRe = regexp.MustCompile(`(?i)^(?:killed|died)\s+at\s+level\s+(\d+)\s+by\s+(.+?)\.?$`)

// parseRoster reads the who-is-online table. The table is located by its
// header row (a row mentioning both "Name" and "Level") so decorative tables
// around it do not confuse the parser.
func parseRoster(doc *goquery.Document) ([]model.CharacterSnapshot, int, error) {
	var (
		snaps   []model.CharacterSnapshot
		found   bool
		data    int
		skipped int
	)
	doc.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		rows := table.Find("tr")
		header := -1
		rows.EachWithBreak(func(i int, row *goquery.Selection) bool {
			txt := strings.ToLower(squash(row.Text()))
			if strings.Contains(txt, "name") && strings.Contains(txt, "level") {
				header = i
				return false
			}
			return true
		})
		if header < 0 {
			return true // not the roster table, keep looking
		}
		found = true
		rows.Each(func(i int, row *goquery.Selection) {
			if i <= header {
				return
			}
			cells := row.Find("td")
			if cells.Length() < 3 {
				return // spacer and footer rows
			}
			data++
			name := cellText(cells.Eq(0))
			level, err := strconv.Atoi(squash(cells.Eq(cells.Length() - 1).Text()))
			if name == "" || err != nil {
				skipped++
				return
			}
			snaps = append(snaps, model.CharacterSnapshot{
				Name:     name,
				Level:    level,
				Vocation: squash(cells.Eq(1).Text()),
				Online:   true,
			})
		})
		return false
	})
	if !found {
		return nil, skipped, parseErr("whoisonline", "online table not found")
	}
	if data > 0 && len(snaps) == 0 {
		return nil, skipped, parseErr("whoisonline", "no parsable rows out of %d", data)
	}
	return snaps, skipped, nil
}

// parseCharacter reads the key/value information rows on a character page.
// Keys end with ":" ("Name:", "Level:", "Last login:"); everything else on
// the page is ignored here.
func parseCharacter(doc *goquery.Document, loc *time.Location) (model.CharacterSnapshot, error) {
	info := map[string]string{}
	doc.Find("tr.hover").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("td")
		if cells.Length() != 2 {
			return
		}
		key := squash(cells.Eq(0).Text())
		if !strings.HasSuffix(key, ":") {
			return
		}
		key = strings.ToLower(strings.TrimSuffix(key, ":"))
		info[strings.ReplaceAll(key, " ", "_")] = squash(cells.Eq(1).Text())
	})
	if len(info) == 0 {
		return model.CharacterSnapshot{}, parseErr("character", "information table not found")
	}
	name := info["name"]
	if name == "" {
		return model.CharacterSnapshot{}, parseErr("character", "name row missing")
	}
	snap := model.CharacterSnapshot{Name: name, Vocation: info["vocation"]}
	if lvl := info["level"]; lvl != "" {
		n, err := strconv.Atoi(lvl)
		if err != nil {
			return model.CharacterSnapshot{}, parseErr("character", "bad level %q", lvl)
		}
		snap.Level = n
	}
	// "never logged in" and other non-timestamps stay a zero time.
	if ll := info["last_login"]; ll != "" {
		if t, err := time.ParseInLocation(deathTimeLayout, ll, loc); err == nil {
			snap.LastLogin = t
		}
	}
	return snap, nil
}

// parseDeaths reads the death history rows under the character information.
// Death rows share the tr.hover class with the info rows; they are told apart
// by their first cell holding a timestamp instead of a "Key:" label.
//
// A page with no death rows is a character that simply has not died; a page
// whose death rows all fail to parse means the format changed.
func parseDeaths(doc *goquery.Document, fallback string, loc *time.Location, cutoff time.Time) ([]model.DeathEvent, int, error) {
	victim := fallback
	var (
		deaths     []model.DeathEvent
		rows       int
		candidates int
		malformed  int
	)
	doc.Find("tr.hover").Each(func(_ int, row *goquery.Selection) {
		rows++
		cells := row.Find("td")
		if cells.Length() != 2 {
			return
		}
		first := squash(cells.Eq(0).Text())
		if strings.HasSuffix(first, ":") {
			// Info row; grab the canonical name spelling on the way past.
			if strings.EqualFold(strings.TrimSuffix(first, ":"), "name") {
				if v := squash(cells.Eq(1).Text()); v != "" {
					victim = v
				}
			}
			return
		}
		at, err := time.ParseInLocation(deathTimeLayout, first, loc)
		if err != nil {
			return
		}
		candidates++
		level, killers, ok := parseDeathLine(squash(cells.Eq(1).Text()))
		if !ok {
			malformed++
			return
		}
		if !cutoff.IsZero() && at.Before(cutoff) {
			return
		}
		deaths = append(deaths, model.DeathEvent{
			Victim:  victim,
			At:      at,
			Level:   level,
			Killers: killers,
		})
	})
	if rows == 0 {
		return nil, malformed, parseErr("character", "no recognizable rows (character missing or page changed)")
	}
	if candidates > 0 && malformed == candidates {
		return nil, malformed, parseErr("character", "all %d death rows malformed", candidates)
	}
	return deaths, malformed, nil
}

// parseDeathLine splits a death description into level and killer clause.
// Summoned-creature deaths read "... by a fire elemental summoned by Mage";
// only the last "by" clause names who actually gets the credit.
func parseDeathLine(desc string) (int, string, bool) {
	m := deathLineRe.FindStringSubmatch(desc)
	if m == nil {
		return 0, "", false
	}
	level, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	clause := strings.TrimSpace(m[2])
	if i := strings.LastIndex(clause, " by "); i >= 0 {
		clause = strings.TrimSpace(clause[i+len(" by "):])
	}
	if clause == "" {
		return 0, "", false
	}
	return level, clause, true
}

func cellText(cell *goquery.Selection) string {
	if a := cell.Find("a"); a.Length() > 0 {
		return squash(a.First().Text())
	}
	return squash(cell.Text())
}

// squash collapses runs of whitespace (including &nbsp;) to single spaces.
func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
