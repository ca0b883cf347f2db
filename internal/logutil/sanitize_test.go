package logutil

import "testing"

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"a\nb\rc\td", "a b c d"},
		{"fake\n2024/01/01 INFO forged", "fake 2024/01/01 INFO forged"},
		{"esc\x1b[31mred", "esc[31mred"},
		{"bell\x07", "bell"},
		{"héllo", "héllo"},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("short", 10); got != "short" {
		t.Errorf("Snippet() = %q", got)
	}
	if got := Snippet("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("Snippet() = %q", got)
	}
	// Never cut inside a multi-byte rune.
	if got := Snippet("aéé", 2); got != "a..." {
		t.Errorf("Snippet() = %q, want %q", got, "a...")
	}
}
