package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Central   CentralConfig   `yaml:"central"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Worker    WorkerConfig    `yaml:"worker"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Trace     TraceConfig     `yaml:"trace"`
	Hotkey    HotkeyConfig    `yaml:"hotkey"`
	Audio     AudioConfig     `yaml:"audio"`
	LogLevel  string          `yaml:"log_level"`
}

// CentralConfig holds scan and link settings.
type CentralConfig struct {
	DeviceName     string        `yaml:"device_name"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxLinks       int           `yaml:"max_links"`
	ReconnectMax   int           `yaml:"reconnect_max"` // backoff cap, seconds
}

// SequencerConfig holds procedure engine settings.
type SequencerConfig struct {
	StepTimeout    time.Duration `yaml:"step_timeout"`
	MaxTransitions int           `yaml:"max_transitions"`
	InboxSize      int           `yaml:"inbox_size"`
	// ProcedureFile replaces the built-in battery procedure when set.
	ProcedureFile string `yaml:"procedure_file"`
}

// WorkerConfig holds job pool settings.
type WorkerConfig struct {
	Workers    int `yaml:"workers"`
	QueueSize  int `yaml:"queue_size"`
	OutputSize int `yaml:"output_size"`
}

// APIConfig holds HTTP status server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StoreConfig holds outcome journal settings. An empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TraceConfig holds transition trace settings. An empty path disables it.
type TraceConfig struct {
	Path string `yaml:"path"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
	Mode    string   `yaml:"mode"` // "hold" or "toggle"
}

// AudioConfig holds audio capture settings.
type AudioConfig struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint32 `yaml:"channels"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bleseq")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the directory the journal and trace live in.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "bleseq")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := DefaultDataDir()

	return &Config{
		Central: CentralConfig{
			DeviceName:     "ALIF_BATT_BLE",
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 10 * time.Second,
			MaxLinks:       1,
			ReconnectMax:   30,
		},
		Sequencer: SequencerConfig{
			StepTimeout:    15 * time.Second,
			MaxTransitions: 64,
			InboxSize:      64,
		},
		Worker: WorkerConfig{
			Workers:    1,
			QueueSize:  16,
			OutputSize: 64,
		},
		API: APIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8089",
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "journal.db"),
		},
		Trace: TraceConfig{
			Path: filepath.Join(dataDir, "trace.cbor"),
		},
		Hotkey: HotkeyConfig{
			Enabled: false,
			Keys:    []string{"ctrl", "shift", "p"},
			Mode:    "toggle",
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			Channels:   1,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sequencer.ProcedureFile = expandTilde(cfg.Sequencer.ProcedureFile)
	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Trace.Path = expandTilde(cfg.Trace.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Central.DeviceName == "" {
		return fmt.Errorf("central.device_name must not be empty")
	}
	if c.Central.ScanTimeout <= 0 {
		return fmt.Errorf("central.scan_timeout must be > 0")
	}
	if c.Central.ConnectTimeout <= 0 {
		return fmt.Errorf("central.connect_timeout must be > 0")
	}
	// Link ids are session ids, which are uint16.
	if c.Central.MaxLinks < 1 || c.Central.MaxLinks > 1<<16 {
		return fmt.Errorf("central.max_links must be between 1 and 65536, got %d", c.Central.MaxLinks)
	}
	if c.Central.ReconnectMax < 1 {
		return fmt.Errorf("central.reconnect_max must be >= 1")
	}

	if c.Sequencer.StepTimeout < 0 {
		return fmt.Errorf("sequencer.step_timeout must not be negative")
	}
	if c.Sequencer.MaxTransitions < 1 {
		return fmt.Errorf("sequencer.max_transitions must be >= 1")
	}
	if c.Sequencer.InboxSize < 1 {
		return fmt.Errorf("sequencer.inbox_size must be >= 1")
	}

	if c.Worker.Workers < 1 {
		return fmt.Errorf("worker.workers must be >= 1")
	}
	if c.Worker.QueueSize < 1 {
		return fmt.Errorf("worker.queue_size must be >= 1")
	}
	if c.Worker.OutputSize < 1 {
		return fmt.Errorf("worker.output_size must be >= 1")
	}

	if c.API.Enabled && c.API.Addr == "" {
		return fmt.Errorf("api.addr must not be empty when the api is enabled")
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Keys) == 0 {
		return fmt.Errorf("hotkey.keys must not be empty")
	}
	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return fmt.Errorf("audio.channels must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultHeader = "# bleseq configuration\n# Durations use Go syntax (10s, 1m30s).\n\n"

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It does nothing and returns "" when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
