// Package config loads and watches the server's YAML configuration,
// with ${VAR} environment substitution and validated defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for bnetd.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Game     GameConfig     `yaml:"game"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines the lobby and admin-API bind addresses.
type ListenConfig struct {
	Bind       string `yaml:"bind"`
	Port       int    `yaml:"port"`
	APIBind    string `yaml:"api_bind"`
	APIPort    int    `yaml:"api_port"`
	APIKey     string `yaml:"api_key"`
	APIKeyHash string `yaml:"api_key_hash"`
}

// DatabaseConfig defines the Postgres connection and pool sizing.
type DatabaseConfig struct {
	ConnInfo       string        `yaml:"conninfo"`
	PoolSize       int           `yaml:"pool_size"`
	Workers        int           `yaml:"workers"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// GameConfig defines protocol-visible values.
type GameConfig struct {
	Version     uint32        `yaml:"version"`
	Banner      string        `yaml:"banner"`
	PingTimeout time.Duration `yaml:"ping_timeout"`
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name to a slog level.
func (lc LogConfig) SlogLevel() slog.Level {
	switch lc.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LobbyAddr returns the lobby bind address in host:port form.
func (lc ListenConfig) LobbyAddr() string {
	return fmt.Sprintf("%s:%d", lc.Bind, lc.Port)
}

// APIAddr returns the admin-API bind address in host:port form.
func (lc ListenConfig) APIAddr() string {
	return fmt.Sprintf("%s:%d", lc.APIBind, lc.APIPort)
}

// Redacted returns a copy with credentials masked for display.
func (c Config) Redacted() Config {
	out := c
	if out.Database.ConnInfo != "" {
		out.Database.ConnInfo = "***REDACTED***"
	}
	if out.Listen.APIKey != "" {
		out.Listen.APIKey = "***REDACTED***"
	}
	if out.Listen.APIKeyHash != "" {
		out.Listen.APIKeyHash = "***REDACTED***"
	}
	return out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Bind == "" {
		cfg.Listen.Bind = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6112
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Database.PoolSize == 0 {
		cfg.Database.PoolSize = 4
	}
	if cfg.Database.Workers == 0 {
		cfg.Database.Workers = cfg.Database.PoolSize
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = 5 * time.Second
	}
	if cfg.Database.HealthInterval == 0 {
		cfg.Database.HealthInterval = 15 * time.Second
	}
	if cfg.Game.Version == 0 {
		cfg.Game.Version = 17085
	}
	if cfg.Game.Banner == "" {
		cfg.Game.Banner = "Welcome to bnetd"
	}
	if cfg.Game.PingTimeout == 0 {
		cfg.Game.PingTimeout = 60 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func validate(cfg *Config) error {
	if cfg.Database.ConnInfo == "" {
		return fmt.Errorf("database.conninfo is required")
	}
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", cfg.Listen.Port)
	}
	if cfg.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be positive")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug/info/warn/error", cfg.Log.Level)
	}
	return nil
}

// Watcher watches a config file and calls the callback with each
// successfully reloaded config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Warn("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
