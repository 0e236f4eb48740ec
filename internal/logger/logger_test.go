package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, slog.LevelWarn).WithoutColor())

	log.Info("hidden")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected info record to be filtered, got %q", out)
	}
	if !strings.Contains(out, "WARN  shown") {
		t.Errorf("expected warn record, got %q", out)
	}
}

func TestHandlerAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, slog.LevelDebug).WithoutColor())

	log.With("session", "abc").WithGroup("peer").Debug("Connected", "id", 2)

	line := strings.TrimSpace(buf.String())
	if !strings.HasSuffix(line, "DEBUG Connected session=abc peer.id=2") {
		t.Errorf("unexpected line %q", line)
	}
}

func TestHandlerGroupAttr(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewPrettyHandler(&buf, nil).WithoutColor())

	log.Info("stats", slog.Group("link", "rtt", "5ms", "quality", 1))

	if !strings.Contains(buf.String(), "link.rtt=5ms link.quality=1") {
		t.Errorf("unexpected line %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"loud", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
