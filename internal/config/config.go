package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string         `toml:"default_profile"`
	APIBase        string         `toml:"api_base"`
	RealtimeURL    string         `toml:"realtime_url"`
	RequestTimeout time.Duration  `toml:"request_timeout"`
	LogLevel       string         `toml:"log_level"`
	MetricsAddr    string         `toml:"metrics_addr"`
	Refresh        RefreshConfig  `toml:"refresh"`
	Realtime       RealtimeConfig `toml:"realtime"`
	FCM            FCMConfig      `toml:"fcm"`
}

// RefreshConfig bounds credential refresh attempts.
type RefreshConfig struct {
	Cooldown    time.Duration `toml:"cooldown"`
	MaxAttempts int           `toml:"max_attempts"`
}

// RealtimeConfig tunes the event channel.
type RealtimeConfig struct {
	TypingTimeout      time.Duration `toml:"typing_timeout"`
	TypingEmitInterval time.Duration `toml:"typing_emit_interval"`
	WriteTimeout       time.Duration `toml:"write_timeout"`
}

// FCMConfig is the client-side limit on device token registry calls.
type FCMConfig struct {
	RateLimit  int           `toml:"rate_limit"`
	RateWindow time.Duration `toml:"rate_window"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		APIBase:        "http://localhost:3005/api/v1/",
		RealtimeURL:    "ws://localhost:3000/ws",
		RequestTimeout: 15 * time.Second,
		LogLevel:       "info",
		Refresh: RefreshConfig{
			Cooldown:    5 * time.Second,
			MaxAttempts: 3,
		},
		Realtime: RealtimeConfig{
			TypingTimeout:      3 * time.Second,
			TypingEmitInterval: 2 * time.Second,
			WriteTimeout:       5 * time.Second,
		},
		FCM: FCMConfig{
			RateLimit:  5,
			RateWindow: time.Minute,
		},
	}
}

// Load reads config from the given path. Returns nil config and error if file missing.
// Keys absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads the optional dotenv files (missing files are ignored) and
// then overrides cfg with any CHATSYNC_* variables set in the environment.
func ApplyEnv(cfg *Config, dotenvFiles ...string) error {
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	if v := os.Getenv("CHATSYNC_API_BASE"); v != "" {
		cfg.APIBase = v
	}
	if v := os.Getenv("CHATSYNC_REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("CHATSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHATSYNC_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("CHATSYNC_REFRESH_COOLDOWN"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_REFRESH_COOLDOWN: %w", err)
		}
		cfg.Refresh.Cooldown = d
	}
	if v := os.Getenv("CHATSYNC_REFRESH_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid CHATSYNC_REFRESH_MAX_ATTEMPTS: %w", err)
		}
		cfg.Refresh.MaxAttempts = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := checkURL("api_base", c.APIBase, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("realtime_url", c.RealtimeURL, "ws", "wss"); err != nil {
		return err
	}
	if c.Refresh.MaxAttempts <= 0 {
		return fmt.Errorf("refresh.max_attempts must be positive, got %d", c.Refresh.MaxAttempts)
	}
	if c.Refresh.Cooldown < 0 {
		return fmt.Errorf("refresh.cooldown must not be negative")
	}
	if c.Realtime.TypingTimeout <= 0 {
		return fmt.Errorf("realtime.typing_timeout must be positive")
	}
	if c.FCM.RateLimit <= 0 || c.FCM.RateWindow <= 0 {
		return fmt.Errorf("fcm rate limit and window must be positive")
	}
	return nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if strings.TrimSpace(u.Host) == "" {
				return fmt.Errorf("%s: missing host", key)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q", key, u.Scheme)
}
