// Package config loads onkyo-remote settings from YAML, a .env file and the
// environment, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used by Save when the config was not loaded from a file.
const DefaultPath = "/etc/onkyo-remote/config.yaml"

// Config holds all onkyo-remote configuration.
type Config struct {
	mu sync.RWMutex

	Receiver ReceiverConfig `yaml:"receiver" json:"receiver"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`

	path string
}

// ReceiverConfig describes how to reach the receiver.
type ReceiverConfig struct {
	Device           string        `yaml:"device" json:"device"` // "discover", host[:port] or /dev/ttyUSB0
	Port             int           `yaml:"port" json:"port"`
	BaudRate         int           `yaml:"baud_rate" json:"baudRate"`
	DiscardTimeout   time.Duration `yaml:"discard_timeout" json:"discardTimeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout" json:"ackTimeout"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" json:"discoveryTimeout"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

type RecorderConfig struct {
	CSV     CSVConfig     `yaml:"csv" json:"csv"`
	History HistoryConfig `yaml:"history" json:"history"`
}

// CSVConfig controls the rotating CSV frame log.
type CSVConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"` // directory
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

// HistoryConfig controls the SQLite frame history.
type HistoryConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Path      string        `yaml:"path" json:"path"`
	Retention time.Duration `yaml:"retention" json:"retention"` // 0 keeps everything
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Receiver: ReceiverConfig{
			Device:           "discover",
			Port:             60128,
			BaudRate:         9600,
			DiscardTimeout:   time.Second,
			AckTimeout:       0,
			DiscoveryTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Enabled:    false,
			ListenAddr: ":8080",
		},
		Recorder: RecorderConfig{
			CSV: CSVConfig{
				Enabled: false,
				Path:    "/var/log/onkyo-remote",
				MaxRows: 100_000,
			},
			History: HistoryConfig{
				Enabled:   false,
				Path:      "/var/lib/onkyo-remote/history.db",
				Retention: 30 * 24 * time.Hour,
			},
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or bad.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("bad config file, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded", zap.String("path", path))
	}

	// .env next to the config file, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if loadEnvFile(ep) {
			log.Info("loaded .env", zap.String("path", ep))
		}
	}

	cfg.applyEnvOverrides(log)
	return cfg
}

// ReceiverSnapshot returns a copy of the receiver section taken under the
// lock, for readers that run alongside UpdateFromJSON.
func (c *Config) ReceiverSnapshot() ReceiverConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Receiver
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	if c.path == "" {
		return DefaultPath
	}
	return c.path
}

// loadEnvFile reads a simple KEY=VALUE .env file into the process
// environment. Variables already set in the real environment win.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads ONKYO_* variables. Supported: ONKYO_DEVICE,
// ONKYO_PORT, ONKYO_BAUD, ONKYO_DISCARD_TIMEOUT, ONKYO_ACK_TIMEOUT,
// ONKYO_DISCOVERY_TIMEOUT, ONKYO_LISTEN, ONKYO_CSV, ONKYO_HISTORY.
func (c *Config) applyEnvOverrides(log *zap.Logger) {
	if v := os.Getenv("ONKYO_DEVICE"); v != "" {
		c.Receiver.Device = v
	}
	if v := os.Getenv("ONKYO_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Receiver.Port = n
		} else {
			log.Warn("ignoring ONKYO_PORT", zap.String("value", v))
		}
	}
	if v := os.Getenv("ONKYO_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Receiver.BaudRate = n
		} else {
			log.Warn("ignoring ONKYO_BAUD", zap.String("value", v))
		}
	}
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ONKYO_DISCARD_TIMEOUT", &c.Receiver.DiscardTimeout},
		{"ONKYO_ACK_TIMEOUT", &c.Receiver.AckTimeout},
		{"ONKYO_DISCOVERY_TIMEOUT", &c.Receiver.DiscoveryTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		if n, err := ParseDuration(v); err == nil {
			*d.dst = n
		} else {
			log.Warn("ignoring "+d.key, zap.String("value", v), zap.Error(err))
		}
	}
	if v := os.Getenv("ONKYO_LISTEN"); v != "" {
		c.Server.Enabled = true
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ONKYO_CSV"); v != "" {
		c.Recorder.CSV.Enabled = true
		c.Recorder.CSV.Path = v
	}
	if v := os.Getenv("ONKYO_HISTORY"); v != "" {
		c.Recorder.History.Enabled = true
		c.Recorder.History.Path = v
	}
}

// ParseDuration accepts Go duration syntax ("1500ms") or a bare number of
// seconds ("1.5").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.Path()
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. Nested maps are merged, any
// other value in src replaces the one in dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
