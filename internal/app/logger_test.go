package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: " warning ", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		got := parseLogLevel(tc.in)
		if got != tc.want {
			t.Fatalf("parseLogLevel(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_Formats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	log := NewLogger("warn", "json", &buf)
	log.Info("dropped")
	log.Warn("kept", "room_id", "r1")

	line := strings.TrimSpace(buf.String())
	if strings.Contains(line, "dropped") {
		t.Fatalf("info record below warn level was written: %s", line)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("json output: %v (%s)", err, line)
	}
	if rec["msg"] != "kept" || rec["room_id"] != "r1" || rec["service"] != "parley" {
		t.Fatalf("unexpected record: %v", rec)
	}

	buf.Reset()
	log = NewLogger("debug", "text", &buf)
	log.Debug("hello", "k", "v")
	if out := buf.String(); !strings.Contains(out, "msg=hello") || !strings.Contains(out, "k=v") {
		t.Fatalf("text output: %q", out)
	}
}
