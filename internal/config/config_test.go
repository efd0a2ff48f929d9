package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"PORT", "DB_PATH", "LOG_LEVEL", "CORS_ORIGINS", "KEYWORD_AGENT_ADDR",
	"EXTRACT_TIMEOUT", "RETRIEVE_TIMEOUT", "STORE_TIMEOUT",
	"SEARCH_ENDPOINT", "SEARCH_MAX_RESULTS", "SEARCH_CONCURRENCY",
	"BCRYPT_COST", "HISTORY_WINDOW",
}

// clearEnv unsets every key Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		if err := os.Unsetenv(key); err != nil {
			t.Fatalf("unset %s: %v", key, err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DBPath != "./data/keysearch.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.ExtractTimeout != 30*time.Second || cfg.RetrieveTimeout != 45*time.Second || cfg.StoreTimeout != 5*time.Second {
		t.Errorf("timeouts = %v/%v/%v", cfg.ExtractTimeout, cfg.RetrieveTimeout, cfg.StoreTimeout)
	}
	if cfg.KeywordAgentAddr != "" {
		t.Errorf("KeywordAgentAddr = %q, want empty", cfg.KeywordAgentAddr)
	}
	if cfg.HistoryWindow != 20 {
		t.Errorf("HistoryWindow = %d, want 20", cfg.HistoryWindow)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel() = %v", cfg.SlogLevel())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("EXTRACT_TIMEOUT", "2s")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("SEARCH_CONCURRENCY", "not-a-number")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.ExtractTimeout != 2*time.Second {
		t.Errorf("ExtractTimeout = %v, want 2s", cfg.ExtractTimeout)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.test" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.Search.Concurrency != 4 {
		t.Errorf("Search.Concurrency = %d, want fallback 4", cfg.Search.Concurrency)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", cfg.SlogLevel())
	}
}

func TestLoadFileWithExpansion(t *testing.T) {
	clearEnv(t)
	t.Setenv("KS_AGENT", "agent.internal:50051")

	path := filepath.Join(t.TempDir(), "keysearch.yaml")
	content := `
port: "7000"
keyword_agent_addr: ${KS_AGENT}
retrieve_timeout: 10s
search:
  max_results: 3
history_window: 0
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7000" {
		t.Errorf("Port = %q, want 7000", cfg.Port)
	}
	if cfg.KeywordAgentAddr != "agent.internal:50051" {
		t.Errorf("KeywordAgentAddr = %q", cfg.KeywordAgentAddr)
	}
	if cfg.RetrieveTimeout != 10*time.Second {
		t.Errorf("RetrieveTimeout = %v", cfg.RetrieveTimeout)
	}
	if cfg.Search.MaxResults != 3 || cfg.Search.Concurrency != 4 {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.HistoryWindow != 0 {
		t.Errorf("HistoryWindow = %d, want 0", cfg.HistoryWindow)
	}

	t.Setenv("PORT", "7001")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "7001" {
		t.Errorf("env should override file: Port = %q", cfg.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"zero extract timeout", func(c *Config) { c.ExtractTimeout = 0 }},
		{"negative store timeout", func(c *Config) { c.StoreTimeout = -time.Second }},
		{"zero concurrency", func(c *Config) { c.Search.Concurrency = 0 }},
		{"bcrypt cost low", func(c *Config) { c.BcryptCost = 3 }},
		{"bcrypt cost high", func(c *Config) { c.BcryptCost = 32 }},
		{"negative history window", func(c *Config) { c.HistoryWindow = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error")
			}
		})
	}

	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() defaults error = %v", err)
	}
}
