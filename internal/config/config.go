// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the process-level configuration of the controller and its
// workers. User-editable preferences live in Settings.
type Config struct {
	// Controller
	DataDir     string
	ControlAddr string
	MetricsAddr string
	OpenAll     bool // reopen every backed-up share on startup

	// Logging
	LogLevel  string
	LogFormat string

	// Workers
	AdvertiseHost string
	HTTPBasePort  int
	FTPBasePort   int
	WorkerBinary  string
	StopTimeout   time.Duration

	// Client side
	DownloadTimeout time.Duration
	BrowseTimeout   time.Duration

	// Share creation limits
	SoftFileLimit int
	HardFileLimit int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         envOr("FILESHARER_DATA_DIR", defaultDataDir()),
		ControlAddr:     envOr("FILESHARER_CONTROL_ADDR", "127.0.0.1:7830"),
		MetricsAddr:     envOr("FILESHARER_METRICS_ADDR", ""),
		OpenAll:         envBool("FILESHARER_OPEN_ALL", false),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		AdvertiseHost:   envOr("FILESHARER_HOST", ""),
		HTTPBasePort:    envInt("FILESHARER_HTTP_PORT", 8080),
		FTPBasePort:     envInt("FILESHARER_FTP_PORT", 2121),
		WorkerBinary:    envOr("FILESHARER_WORKER_BIN", ""),
		StopTimeout:     envDuration("FILESHARER_STOP_TIMEOUT", 3*time.Second),
		DownloadTimeout: envDuration("FILESHARER_DOWNLOAD_TIMEOUT", 0), // 0 = no limit
		BrowseTimeout:   envDuration("FILESHARER_BROWSE_TIMEOUT", 10*time.Second),
		SoftFileLimit:   envInt("FILESHARER_SOFT_FILE_LIMIT", 100),
		HardFileLimit:   envInt("FILESHARER_HARD_FILE_LIMIT", 10000),
	}

	if cfg.HTTPBasePort <= 1024 {
		cfg.HTTPBasePort = 8080
	}
	if cfg.FTPBasePort <= 1024 {
		cfg.FTPBasePort = 2121
	}
	if cfg.HardFileLimit < cfg.SoftFileLimit {
		return nil, fmt.Errorf("FILESHARER_HARD_FILE_LIMIT (%d) must not be below FILESHARER_SOFT_FILE_LIMIT (%d)",
			cfg.HardFileLimit, cfg.SoftFileLimit)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	return cfg, nil
}

// BackupPath is the durable registry snapshot.
func (c *Config) BackupPath() string {
	return filepath.Join(c.DataDir, "file_sharing_backups.json")
}

// SettingsPath is the user settings file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.json")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "file-sharer")
	}
	return ".file-sharer"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
