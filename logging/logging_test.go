package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

func TestDefault_ProfilesAndEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "")
	t.Setenv(EnvLogFormat, "")
	if cfg := Default("mythcore", ProfileRuntime); cfg.Level != zerolog.InfoLevel || !cfg.Timestamp {
		t.Errorf("runtime = %+v", cfg)
	}
	if cfg := Default("mythcore", ProfileTest); cfg.Level != zerolog.DebugLevel || cfg.Timestamp {
		t.Errorf("test = %+v", cfg)
	}

	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvLogFormat, "JSON")
	t.Setenv(EnvLogNoColor, "true")
	cfg := Default("mythcore", ProfileRuntime)
	if cfg.Level != zerolog.WarnLevel || cfg.Format != FormatJSON || !cfg.NoColor {
		t.Errorf("overridden = %+v", cfg)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
		ok   bool
	}{
		{"debug", zerolog.DebugLevel, true},
		{" Warning ", zerolog.WarnLevel, true},
		{"off", zerolog.Disabled, true},
		{"", zerolog.InfoLevel, false},
		{"loud", zerolog.InfoLevel, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.raw)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRelay_KeepsLevelAndFields(t *testing.T) {
	var workerOut [][]byte
	worker := New(Config{Level: zerolog.DebugLevel, Format: FormatJSON}, Writer{Send: func(line []byte) error {
		workerOut = append(workerOut, line)
		return nil
	}})
	worker.Warn().Str("rule", "move").Int("targets", 3).Msg("slow rule")
	if len(workerOut) != 1 {
		t.Fatalf("worker wrote %d lines", len(workerOut))
	}

	var buf bytes.Buffer
	master := New(Config{Level: zerolog.InfoLevel, Format: FormatJSON}, &buf).With().Str("worker", "executor-0.1").Logger()
	Relay(master, workerOut[0])
	Relay(master, []byte("plain text"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("master wrote %q", buf.String())
	}
	first := gjson.Parse(lines[0])
	if first.Get("level").String() != "warn" || first.Get("message").String() != "slow rule" {
		t.Errorf("relayed = %s", lines[0])
	}
	if first.Get("rule").String() != "move" || first.Get("targets").Int() != 3 || first.Get("worker").String() != "executor-0.1" {
		t.Errorf("relayed fields = %s", lines[0])
	}
	if gjson.Get(lines[1], "message").String() != "plain text" {
		t.Errorf("plain line = %s", lines[1])
	}
}

func TestRelay_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	master := New(Config{Level: zerolog.InfoLevel, Format: FormatJSON}, &buf)
	Relay(master, []byte(`{"level":"debug","message":"noise"}`))
	if buf.Len() != 0 {
		t.Errorf("debug line relayed at info level: %s", buf.String())
	}
}
