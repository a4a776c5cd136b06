package telegram

import (
	"context"
	"strings"
	"testing"

	"deathwatch/pkg/logx"
)

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}

func TestOfflineAdapterLifecycle(t *testing.T) {
	a, err := New(Config{Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 100, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("line with some padding text\n")
	}
	chunks := splitText(b.String(), 100, "")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if len([]rune(ch)) > 100 {
			t.Errorf("chunk %d over limit: %d runes", i, len([]rune(ch)))
		}
		if ch == "" {
			t.Errorf("chunk %d empty", i)
		}
		// Newline-preferred cuts keep lines whole.
		if strings.Contains(ch, "padding text line") {
			t.Errorf("chunk %d split mid-line: %q", i, ch)
		}
	}
}

func TestSplitTextAvoidsDanglingHTMLTag(t *testing.T) {
	// The naive cut at 100 runes would land inside the <a ...> tag.
	text := strings.Repeat("x", 95) + `<a href="http://example.com/long">link</a>` + strings.Repeat("y", 95)
	chunks := splitText(text, 100, "HTML")
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if strings.Count(ch, "<") != strings.Count(ch, ">") {
			t.Errorf("chunk %d cut inside a tag: %q", i, ch)
		}
	}
}
