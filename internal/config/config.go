// Package config loads CLI configuration from a YAML file and environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings of the fluidtail CLI.
type Config struct {
	// SocketURL is the realtime delta stream endpoint.
	SocketURL string

	// StorageURL is the REST history endpoint base.
	StorageURL string

	// DocumentID selects the document to tail.
	DocumentID string

	// UserID identifies this client.
	UserID string

	// CacheDir holds the persistent cache database.
	CacheDir string

	// ConnectTimeout bounds the initial connection.
	ConnectTimeout time.Duration

	// Verbose enables debug logging.
	Verbose bool
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	SocketURL  string `yaml:"socket_url"`
	StorageURL string `yaml:"storage_url"`
	DocumentID string `yaml:"document_id"`
	UserID     string `yaml:"user_id"`
	CacheDir   string `yaml:"cache_dir"`
}

// Load reads configuration from the given YAML file (with env var
// expansion) and environment variables for overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		SocketURL:      firstNonEmpty(os.Getenv("FLUIDTAIL_SOCKET_URL"), raw.SocketURL),
		StorageURL:     firstNonEmpty(os.Getenv("FLUIDTAIL_STORAGE_URL"), raw.StorageURL),
		DocumentID:     firstNonEmpty(os.Getenv("FLUIDTAIL_DOCUMENT_ID"), raw.DocumentID),
		UserID:         firstNonEmpty(os.Getenv("FLUIDTAIL_USER_ID"), raw.UserID, "fluidtail"),
		CacheDir:       firstNonEmpty(os.Getenv("FLUIDTAIL_CACHE_DIR"), raw.CacheDir, ".fluidtail-cache"),
		ConnectTimeout: envOrDefaultDuration("FLUIDTAIL_CONNECT_TIMEOUT", 30*time.Second),
		Verbose:        envOrDefaultBool("FLUIDTAIL_VERBOSE", false),
	}

	if cfg.SocketURL == "" {
		return nil, fmt.Errorf("socket_url is required")
	}
	if cfg.StorageURL == "" {
		return nil, fmt.Errorf("storage_url is required")
	}
	if cfg.DocumentID == "" {
		return nil, fmt.Errorf("document_id is required")
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
