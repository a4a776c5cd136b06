package transport

import "testing"

func TestMessageRefRoundTrip(t *testing.T) {
	ref := MessageRef{ChatID: -1001234567890, ThreadID: 7, MessageID: 42}
	got, err := ParseMessageRef(ref.Encode())
	if err != nil {
		t.Fatalf("ParseMessageRef: %v", err)
	}
	if got != ref {
		t.Fatalf("round trip: got %+v, want %+v", got, ref)
	}
}

func TestParseMessageRefRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "1:2", "a:b:c", "1:2:3:4", "1::3"} {
		if _, err := ParseMessageRef(s); err == nil {
			t.Errorf("ParseMessageRef(%q) accepted", s)
		}
	}
}

func TestMessageRefIsZero(t *testing.T) {
	if !(MessageRef{}).IsZero() {
		t.Error("zero ref not zero")
	}
	if (MessageRef{ChatID: 1, MessageID: 2}).IsZero() {
		t.Error("non-zero ref reported zero")
	}
}
