package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(new(strings.Builder))
	return Load(fs, args)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SourceDir != "data/rules" || cfg.Store != StoreSQLite || cfg.TurnFrequency() != 10*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.CallTimeout != 30*time.Second || cfg.RetryDelay != 10*time.Millisecond {
		t.Errorf("call defaults = %s, %s", cfg.CallTimeout, cfg.RetryDelay)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "mythcore.toml")
	content := `
source_dir = "from-file"
compiled_dir = "compiled-file"
turn_frequency = 5
call_timeout = "2s"
`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MYTHCORE_SOURCE_DIR", "from-env")
	t.Setenv("MYTHCORE_STORE", "memory")

	cfg, err := load(t, "--config", file, "-frequency=3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SourceDir != "from-file" {
		t.Errorf("source dir = %q, file should override env", cfg.SourceDir)
	}
	if cfg.Store != StoreMemory {
		t.Errorf("store = %q, env should apply when the file is silent", cfg.Store)
	}
	if cfg.Frequency != 3 {
		t.Errorf("frequency = %d, flag should override file", cfg.Frequency)
	}
	if cfg.CallTimeout != 2*time.Second {
		t.Errorf("call timeout = %s", cfg.CallTimeout)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := load(t, "-config="+filepath.Join(t.TempDir(), "absent.toml")); err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			SourceDir: "src", CompiledDir: "out", Encoding: "utf-8", Frequency: 1,
			Store: StoreMemory, CallTimeout: time.Second, RetryDelay: time.Millisecond,
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"latin1", func(c *Config) { c.Encoding = "iso-8859-1" }, ""},
		{"no source", func(c *Config) { c.SourceDir = " " }, "source_dir"},
		{"zero frequency", func(c *Config) { c.Frequency = 0 }, "turn_frequency"},
		{"unknown store", func(c *Config) { c.Store = "mongo" }, "unknown store"},
		{"sqlite without path", func(c *Config) { c.Store = StoreSQLite }, "db_path"},
		{"unknown encoding", func(c *Config) { c.Encoding = "klingon" }, "unknown encoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestEnv_RoundTrip(t *testing.T) {
	cfg, err := load(t, "--source-dir", "scripts", "--frequency", "3", "--call-timeout", "5s", "--store", "memory")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for k, v := range cfg.Env() {
		t.Setenv(k, v)
	}
	got, err := load(t)
	if err != nil {
		t.Fatalf("Load from env: %v", err)
	}
	if got.SourceDir != "scripts" || got.Frequency != 3 || got.CallTimeout != 5*time.Second || got.Store != StoreMemory {
		t.Errorf("worker config = %+v", got)
	}
	if got.LogFormat != FormatJSON {
		t.Errorf("worker log format = %q, want json", got.LogFormat)
	}
}
