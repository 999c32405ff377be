package engine

import "testing"

func TestLoopGuard(t *testing.T) {
	g := &loopGuard{}
	args := map[string]any{"symbol": "AAPL", "limit": 3}

	if !g.Allow("globalQuote", args) {
		t.Fatal("first call blocked")
	}
	if !g.Allow("globalQuote", args) {
		t.Fatal("second call blocked")
	}
	if g.Allow("globalQuote", args) {
		t.Fatal("third identical call allowed")
	}
	if g.Allow("globalQuote", args) {
		t.Fatal("fourth identical call allowed")
	}

	// Different arguments reset the streak.
	if !g.Allow("globalQuote", map[string]any{"symbol": "MSFT"}) {
		t.Fatal("changed arguments still blocked")
	}
	if !g.Allow("globalQuote", args) {
		t.Fatal("streak did not reset")
	}
}

func TestLoopGuardArgumentOrder(t *testing.T) {
	g := &loopGuard{}
	// Maps marshal with sorted keys, so insertion order must not matter.
	g.Allow("t", map[string]any{"a": 1, "b": 2})
	g.Allow("t", map[string]any{"b": 2, "a": 1})
	if g.Allow("t", map[string]any{"a": 1, "b": 2}) {
		t.Fatal("reordered arguments defeated the guard")
	}
}

func TestStripEmoji(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"emoticon", "done \U0001F600 here", "done  here"},
		{"flag", "\U0001F1EB\U0001F1F7 France", " France"},
		{"zwj sequence", "ok \U0001F469‍\U0001F4BB", "ok "},
		{"keeps accents", "café naïve", "café naïve"},
		{"keeps cjk", "日本語のテキスト", "日本語のテキスト"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripEmoji(tt.in); got != tt.want {
				t.Errorf("stripEmoji(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
