package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Duration is a time.Duration that reads and writes as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.msgsync/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	ServerURL      string   `toml:"server_url"`
	WebSocketURL   string   `toml:"websocket_url"`
	UserID         string   `toml:"user_id"`
	SyncInterval   Duration `toml:"sync_interval"`
	DebugAddr      string   `toml:"debug_addr"`
	LogLevel       string   `toml:"log_level"`
	// MessageRetention limits local history. Zero keeps everything.
	MessageRetention Duration `toml:"message_retention"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ServerURL:    "http://localhost:3000",
		WebSocketURL: "ws://localhost:3000/ws",
		SyncInterval: Duration{30 * time.Second},
		LogLevel:     "info",
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve builds the effective config: defaults, then the TOML file at path
// when it exists, then MSGSYNC_* variables. envFile, when it exists, is
// loaded into the environment first without overriding variables already set.
func Resolve(path, envFile string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", envFile, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"MSGSYNC_DEFAULT_SESSION": &c.DefaultSession,
		"MSGSYNC_SERVER_URL":      &c.ServerURL,
		"MSGSYNC_WEBSOCKET_URL":   &c.WebSocketURL,
		"MSGSYNC_USER_ID":         &c.UserID,
		"MSGSYNC_DEBUG_ADDR":      &c.DebugAddr,
		"MSGSYNC_LOG_LEVEL":       &c.LogLevel,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	durations := map[string]*Duration{
		"MSGSYNC_SYNC_INTERVAL":     &c.SyncInterval,
		"MSGSYNC_MESSAGE_RETENTION": &c.MessageRetention,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
	}
	return nil
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
