package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestResolveLevel(t *testing.T) {
	cases := []struct {
		level string
		dev   bool
		want  zapcore.Level
	}{
		{"", true, zapcore.DebugLevel},
		{"", false, zapcore.InfoLevel},
		{"warn", true, zapcore.WarnLevel},
		{"error", false, zapcore.ErrorLevel},
	}
	for _, c := range cases {
		lvl, err := resolveLevel(c.level, c.dev)
		if err != nil {
			t.Fatalf("resolveLevel(%q): %v", c.level, err)
		}
		if lvl.Level() != c.want {
			t.Fatalf("resolveLevel(%q, %v) = %s, want %s", c.level, c.dev, lvl.Level(), c.want)
		}
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := New("prod", "loud", "api"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewProd(t *testing.T) {
	logger, err := New("prod", "info", "worker")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if !logger.Core().Enabled(zapcore.InfoLevel) || logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("unexpected level gating")
	}
}
