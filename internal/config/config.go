// Package config loads runtime configuration from the environment and an
// optional .env file, with live-reloadable alert thresholds on the side.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds the process-wide configuration.
type Config struct {
	Port       int // main request/response listener (stdio servers ignore it)
	HealthPort int // health/HTTP endpoints
	WSPort     int // websocket listener; 0 means share HealthPort

	LogLevel  string
	LogFormat string
	LogFile   string

	DataDir            string
	StorageBackendURL  string // sqlite path or DSN; empty selects DataDir/traces.db
	TraceRetentionDays int

	MaxConnectionsPerResource int

	ThresholdsPath string // optional thresholds.json, watched for changes
}

// Defaults mirrored by the environment variable parsers below.
const (
	DefaultPort                = 7010
	DefaultHealthPort          = 7011
	DefaultRetentionDays       = 30
	DefaultMaxConnsPerResource = 10
)

// Load reads configuration from the environment. A .env file in the data
// directory (or the working directory) is applied first when present.
func Load() (*Config, error) {
	dataDir := strings.TrimSpace(os.Getenv("DATA_DIR"))
	if dataDir == "" {
		dataDir = "/var/lib/tappmcp"
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("path", envFile).Msg("Failed to load .env file")
		}
	} else if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	cfg := &Config{
		Port:                      DefaultPort,
		HealthPort:                DefaultHealthPort,
		LogLevel:                  "info",
		LogFormat:                 "auto",
		DataDir:                   dataDir,
		TraceRetentionDays:        DefaultRetentionDays,
		MaxConnectionsPerResource: DefaultMaxConnsPerResource,
	}

	if port, ok := envInt("PORT"); ok {
		cfg.Port = port
	}
	if port, ok := envInt("HEALTH_PORT"); ok {
		cfg.HealthPort = port
	}
	if port, ok := envInt("WS_PORT"); ok {
		cfg.WSPort = port
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.LogFile = file
	}
	if url := os.Getenv("STORAGE_BACKEND_URL"); url != "" {
		cfg.StorageBackendURL = url
	}
	if days, ok := envInt("TRACE_RETENTION_DAYS"); ok {
		cfg.TraceRetentionDays = days
	}
	if maxConns, ok := envInt("MAX_CONNECTIONS_PER_RESOURCE"); ok {
		cfg.MaxConnectionsPerResource = maxConns
	}
	if path := os.Getenv("THRESHOLDS_PATH"); path != "" {
		cfg.ThresholdsPath = path
	} else if _, err := os.Stat(filepath.Join(dataDir, "thresholds.json")); err == nil {
		cfg.ThresholdsPath = filepath.Join(dataDir, "thresholds.json")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TraceRetentionDays < 1 {
		return fmt.Errorf("TRACE_RETENTION_DAYS must be positive, got %d", c.TraceRetentionDays)
	}
	if c.MaxConnectionsPerResource < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_RESOURCE must be positive, got %d", c.MaxConnectionsPerResource)
	}
	for name, port := range map[string]int{"PORT": c.Port, "HEALTH_PORT": c.HealthPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.WSPort != 0 && (c.WSPort < 1 || c.WSPort > 65535) {
		return fmt.Errorf("WS_PORT out of range: %d", c.WSPort)
	}
	return nil
}

// StoragePath resolves the SQLite path for the trace store.
func (c *Config) StoragePath() string {
	if c.StorageBackendURL != "" {
		return c.StorageBackendURL
	}
	return filepath.Join(c.DataDir, "traces.db")
}

func envInt(name string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("var", name).Str("value", raw).Msg("Ignoring non-numeric environment variable")
		return 0, false
	}
	return value, true
}
