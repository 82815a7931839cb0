package logger

import "testing"

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		if err != nil {
			t.Fatalf("New(%q): %v", format, err)
		}
		if !l.Core().Enabled(-1) {
			t.Fatalf("debug level not enabled for %q", format)
		}
	}

	if _, err := New("loud", "json"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
