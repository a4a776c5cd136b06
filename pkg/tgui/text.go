package tgui

// TruncRunes caps s at n runes total, marking a cut with an ellipsis. Names
// and killer text come from an outside site and can be arbitrarily long; the
// summary tables need their columns to hold.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
