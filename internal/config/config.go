// Package config loads termcore configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix. Nested sections add their own
// name, e.g. TERMCORE_SERVER_GRPC_ADDR or TERMCORE_REDRAW_SHELLS.
const Prefix = "TERMCORE"

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Session SessionConfig
	Redraw  RedrawConfig
	Journal JournalConfig
	Logging LogConfig
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	GRPCAddr    string `envconfig:"GRPC_ADDR" default:":50051"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464"`
}

// SessionConfig holds defaults applied to every new session.
type SessionConfig struct {
	DefaultShell   string        `envconfig:"DEFAULT_SHELL" default:"/bin/sh"`
	Rows           int           `envconfig:"ROWS" default:"24"`
	Cols           int           `envconfig:"COLS" default:"80"`
	SilenceSeconds int           `envconfig:"SILENCE_SECONDS" default:"10"`
	FlowControl    bool          `envconfig:"FLOW_CONTROL" default:"true"`
	SignalWait     time.Duration `envconfig:"SIGNAL_WAIT" default:"3s"`
	Term           string        `envconfig:"TERM_TYPE" default:"xterm-256color"`
	DarkBackground bool          `envconfig:"DARK_BACKGROUND" default:"false"`
}

// RedrawConfig controls resize redraw correction.
type RedrawConfig struct {
	Enabled bool          `envconfig:"ENABLED" default:"true"`
	Shells  []string      `envconfig:"SHELLS" default:"bash"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"3s"`
}

// JournalConfig holds session journal configuration.
type JournalConfig struct {
	Path   string `envconfig:"DB_PATH"`
	Buffer int    `envconfig:"BUFFER" default:"100"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaultJournalPath()
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr:    ":50051",
			MetricsAddr: ":9464",
		},
		Session: SessionConfig{
			DefaultShell:   "/bin/sh",
			Rows:           24,
			Cols:           80,
			SilenceSeconds: 10,
			FlowControl:    true,
			SignalWait:     3 * time.Second,
			Term:           "xterm-256color",
		},
		Redraw: RedrawConfig{
			Enabled: true,
			Shells:  []string{"bash"},
			Timeout: 3 * time.Second,
		},
		Journal: JournalConfig{
			Path:   defaultJournalPath(),
			Buffer: 100,
		},
		Logging: LogConfig{
			Level: "info",
		},
	}
}

// defaultJournalPath keeps the journal in ~/.termcore so it survives restarts.
func defaultJournalPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "termcore", "journal.db")
	}
	return filepath.Join(home, ".termcore", "journal.db")
}
