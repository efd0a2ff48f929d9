// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string   `yaml:"port"`
	DBPath      string   `yaml:"db_path"`
	LogLevel    string   `yaml:"log_level"`
	CORSOrigins []string `yaml:"cors_origins"`

	// KeywordAgentAddr is the gRPC extraction agent; empty selects the local extractor.
	KeywordAgentAddr string `yaml:"keyword_agent_addr"`

	ExtractTimeout  time.Duration `yaml:"extract_timeout"`
	RetrieveTimeout time.Duration `yaml:"retrieve_timeout"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`

	Search SearchConfig `yaml:"search"`

	BcryptCost    int `yaml:"bcrypt_cost"`
	HistoryWindow int `yaml:"history_window"`
}

// SearchConfig controls the web retriever.
type SearchConfig struct {
	Endpoint    string `yaml:"endpoint"`
	MaxResults  int    `yaml:"max_results"`
	Concurrency int    `yaml:"concurrency"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:            "8080",
		DBPath:          "./data/keysearch.db",
		LogLevel:        "info",
		CORSOrigins:     []string{"*"},
		ExtractTimeout:  30 * time.Second,
		RetrieveTimeout: 45 * time.Second,
		StoreTimeout:    5 * time.Second,
		Search: SearchConfig{
			Endpoint:    "https://html.duckduckgo.com/html/",
			MaxResults:  5,
			Concurrency: 4,
		},
		BcryptCost:    10,
		HistoryWindow: 20,
	}
}

// Load builds configuration from defaults, the optional YAML file at path and
// environment variables, in increasing priority.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// envVarPattern matches ${VAR_NAME} references in the config file.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with its value. Unset variables are left unchanged.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(match[2 : len(match)-1]); ok {
			return val
		}
		return match
	})
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.KeywordAgentAddr = getEnv("KEYWORD_AGENT_ADDR", cfg.KeywordAgentAddr)
	cfg.ExtractTimeout = getEnvDuration("EXTRACT_TIMEOUT", cfg.ExtractTimeout)
	cfg.RetrieveTimeout = getEnvDuration("RETRIEVE_TIMEOUT", cfg.RetrieveTimeout)
	cfg.StoreTimeout = getEnvDuration("STORE_TIMEOUT", cfg.StoreTimeout)
	cfg.Search.Endpoint = getEnv("SEARCH_ENDPOINT", cfg.Search.Endpoint)
	cfg.Search.MaxResults = getEnvInt("SEARCH_MAX_RESULTS", cfg.Search.MaxResults)
	cfg.Search.Concurrency = getEnvInt("SEARCH_CONCURRENCY", cfg.Search.Concurrency)
	cfg.BcryptCost = getEnvInt("BCRYPT_COST", cfg.BcryptCost)
	cfg.HistoryWindow = getEnvInt("HISTORY_WINDOW", cfg.HistoryWindow)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.ExtractTimeout <= 0 {
		return fmt.Errorf("EXTRACT_TIMEOUT must be > 0")
	}
	if c.RetrieveTimeout <= 0 {
		return fmt.Errorf("RETRIEVE_TIMEOUT must be > 0")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0")
	}
	if c.Search.Endpoint == "" {
		return fmt.Errorf("SEARCH_ENDPOINT cannot be empty")
	}
	if c.Search.MaxResults <= 0 {
		return fmt.Errorf("SEARCH_MAX_RESULTS must be > 0")
	}
	if c.Search.Concurrency <= 0 {
		return fmt.Errorf("SEARCH_CONCURRENCY must be > 0")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return fmt.Errorf("BCRYPT_COST must be between 4 and 31")
	}
	if c.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 0")
	}
	return nil
}

// SlogLevel returns the configured log level. Validate guarantees it parses.
func (c *Config) SlogLevel() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
