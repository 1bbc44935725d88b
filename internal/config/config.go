// Package config loads application configuration from environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	EncryptionKey  []byte
	LoginURL       string
	SyncInterval   time.Duration
	QuoteTTL       time.Duration
	MaxPerSecond   int
	MaxConcurrent  int
	RequestTimeout time.Duration
}

// HasEncryptionKey returns true when a credential encryption key is
// configured. Without one the app starts but every credential operation
// fails, so the composition root logs a prominent warning.
func (c *Config) HasEncryptionKey() bool {
	return len(c.EncryptionKey) > 0
}

// Load reads configuration from environment variables and returns a validated
// Config. BROKERSYNC_ENCRYPTION_KEY is a base64-encoded 32-byte AES key;
// it is optional at startup but required for any credential operation.
// Optional variables with defaults: BROKERSYNC_LISTEN_ADDR (127.0.0.1:8080),
// BROKERSYNC_DB_PATH (brokersync.db), BROKERSYNC_LOGIN_URL
// (https://login.questrade.com), BROKERSYNC_SYNC_INTERVAL (15m),
// BROKERSYNC_QUOTE_TTL (1m), BROKERSYNC_MAX_PER_SECOND (20),
// BROKERSYNC_MAX_CONCURRENT (10), BROKERSYNC_REQUEST_TIMEOUT (30s).
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     "127.0.0.1:8080",
		DBPath:         "brokersync.db",
		LoginURL:       "https://login.questrade.com",
		SyncInterval:   15 * time.Minute,
		QuoteTTL:       time.Minute,
		MaxPerSecond:   20,
		MaxConcurrent:  10,
		RequestTimeout: 30 * time.Second,
	}

	if v, ok := os.LookupEnv("BROKERSYNC_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("BROKERSYNC_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v, ok := os.LookupEnv("BROKERSYNC_LOGIN_URL"); ok {
		cfg.LoginURL = v
	}

	if v, ok := os.LookupEnv("BROKERSYNC_ENCRYPTION_KEY"); ok && v != "" {
		key, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("BROKERSYNC_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("BROKERSYNC_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
		}
		cfg.EncryptionKey = key
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"BROKERSYNC_SYNC_INTERVAL", &cfg.SyncInterval},
		{"BROKERSYNC_QUOTE_TTL", &cfg.QuoteTTL},
		{"BROKERSYNC_REQUEST_TIMEOUT", &cfg.RequestTimeout},
	}
	for _, d := range durations {
		v, ok := os.LookupEnv(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s has invalid duration %q: %w", d.name, v, err)
		}
		if parsed <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %q", d.name, v)
		}
		*d.dst = parsed
	}

	limits := []struct {
		name string
		dst  *int
	}{
		{"BROKERSYNC_MAX_PER_SECOND", &cfg.MaxPerSecond},
		{"BROKERSYNC_MAX_CONCURRENT", &cfg.MaxConcurrent},
	}
	for _, l := range limits {
		v, ok := os.LookupEnv(l.name)
		if !ok {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return nil, fmt.Errorf("%s must be a positive integer, got %q", l.name, v)
		}
		*l.dst = parsed
	}

	return cfg, nil
}
