// Package config loads service configuration from the environment, with an
// optional YAML overlay for the knobs that are awkward as env vars (the
// folder scoring weights in particular).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Weights struct {
	Marker      int `yaml:"marker"`
	Submission  int `yaml:"submission"`
	Drafts      int `yaml:"drafts"`
	Attachments int `yaml:"attachments"`
	Staff       int `yaml:"staff"`
}

// DefaultWeights preserves the historical folder-scoring weights. They are a
// product decision, not a derived invariant, hence configurable.
var DefaultWeights = Weights{Marker: 5, Submission: 2, Drafts: 3, Attachments: 1, Staff: 1}

type Config struct {
	Port        string `yaml:"port"`
	LogMode     string `yaml:"log_mode"`
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`
	Bucket      string `yaml:"bucket"`

	FormSecret           string `yaml:"form_secret"`
	SigWindowSeconds     int    `yaml:"sig_window_seconds"`
	AllowLegacyStatusSig bool   `yaml:"allow_legacy_status_sig"`

	RescueEnabled        bool `yaml:"rescue_enabled"`
	RescueWindowSeconds  int  `yaml:"rescue_window_seconds"`
	StatusCacheTTLMillis int  `yaml:"status_cache_ttl_millis"`
	LockWaitSeconds      int  `yaml:"lock_wait_seconds"`

	FolderWeights Weights `yaml:"folder_weights"`
}

func Load() (Config, error) {
	cfg := Config{
		Port:                 getenv("SERVICE_PORT", "8080"),
		LogMode:              getenv("LOG_MODE", "dev"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		Bucket:               os.Getenv("CASE_BUCKET"),
		FormSecret:           os.Getenv("FORM_SIG_SECRET"),
		SigWindowSeconds:     getenvInt("SIG_WINDOW_SECONDS", 600),
		AllowLegacyStatusSig: getenvBool("ALLOW_LEGACY_STATUS_SIG", false),
		RescueEnabled:        getenvBool("STAGING_RESCUE_ENABLED", false),
		RescueWindowSeconds:  getenvInt("STAGING_RESCUE_WINDOW_SECONDS", 300),
		StatusCacheTTLMillis: getenvInt("STATUS_CACHE_TTL_MILLIS", 5000),
		LockWaitSeconds:      getenvInt("CASE_LOCK_WAIT_SECONDS", 20),
		FolderWeights:        DefaultWeights,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if strings.TrimSpace(cfg.FormSecret) == "" {
		return Config{}, fmt.Errorf("FORM_SIG_SECRET is required")
	}
	return cfg, nil
}

func (c Config) SigWindow() time.Duration {
	return time.Duration(c.SigWindowSeconds) * time.Second
}

func (c Config) RescueWindow() time.Duration {
	return time.Duration(c.RescueWindowSeconds) * time.Second
}

func (c Config) StatusCacheTTL() time.Duration {
	return time.Duration(c.StatusCacheTTLMillis) * time.Millisecond
}

func (c Config) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
