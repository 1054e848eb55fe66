package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestFormats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"msg=opened", "reference=7"}},
		{"TEXT", []string{"msg=opened", "reference=7"}},
		{"json", []string{`"msg":"opened"`, `"reference":7`}},
		{"", []string{"msg=opened"}},
	}

	for _, tc := range tests {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			NewLoggerWithWriter("info", tc.format, &buf).Info("opened", KeyReference, 7)
			for _, w := range tc.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output %q lacks %q", buf.String(), w)
				}
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		configured string
		level      slog.Level
		logged     bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelDebug, false},
		{"info", slog.LevelInfo, true},
		{"warning", slog.LevelInfo, false},
		{"WARN", slog.LevelError, true},
		{"error", slog.LevelWarn, false},
		{"bogus", slog.LevelInfo, true},
		{"bogus", slog.LevelDebug, false},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(tc.configured, "text", &buf)
		logger.Log(context.Background(), tc.level, "m")
		if got := buf.Len() > 0; got != tc.logged {
			t.Errorf("%s at %q: logged = %v, want %v", tc.level, tc.configured, got, tc.logged)
		}
	}
}

func TestValidLevelAndFormat(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warning", "error"} {
		if !ValidLevel(level) {
			t.Errorf("ValidLevel(%q) = false", level)
		}
	}
	if ValidLevel("verbose") || ValidLevel("") {
		t.Error("ValidLevel accepted an unknown level")
	}
	if !ValidFormat("json") || !ValidFormat("Text") || ValidFormat("xml") {
		t.Error("ValidFormat mismatch")
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	Component(NewLoggerWithWriter("info", "text", &buf), "session").Info("ready", KeySessionID, "abc")

	for _, w := range []string{"component=session", "session_id=abc"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("output %q lacks %q", buf.String(), w)
		}
	}

	// Nil and nop loggers discard.
	Component(nil, "client").Info("discarded")
	NopLogger().Error("discarded")
}
