package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H is an HTML fragment that is safe to send with ParseMode="HTML". Treat
// values of this type as already escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes source-site text (character names, killer descriptions) for
// HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Raw asserts that s is already valid Telegram HTML. Use sparingly.
func Raw(s string) H { return H(s) }

func tag(name, s string) H {
	return H("<" + name + ">" + html.EscapeString(s) + "</" + name + ">")
}

func B(s string) H    { return tag("b", s) }
func I(s string) H    { return tag("i", s) }
func Code(s string) H { return tag("code", s) }

// Pre renders a monospace block, the shape the summary tables use. Callers
// must split long content themselves; Telegram rejects a message chunk with
// unbalanced tags.
func Pre(s string) H {
	return H("<pre><code>" + html.EscapeString(s) + "</code></pre>")
}

// Link renders an anchor. Text and URL are both escaped.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// JoinH joins fragments with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(string(p)) == "" {
			continue
		}
		kept = append(kept, string(p))
	}
	return H(strings.Join(kept, sep))
}
