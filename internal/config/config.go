// Package config loads daemon configuration from environment variables
// (plus an optional .env file) and an optional YAML file listing the
// databases to synchronize.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for histsync.
type Config struct {
	// Server URL for the single-session form. Schemes: sync:// for a
	// plain TCP stream, ws:// or wss:// for a WebSocket tunnel.
	ServerURL string `env:"HISTSYNC_SERVER_URL"`

	// Local database file and the remote path it binds to.
	DBPath     string `env:"HISTSYNC_DB_PATH"`
	RemotePath string `env:"HISTSYNC_REMOTE_PATH"`

	// SessionsFile points at a YAML file listing multiple sessions.
	// When set, the three variables above are ignored.
	SessionsFile string `env:"HISTSYNC_SESSIONS_FILE"`

	// Identity strings sent in the connection-level ident message.
	AppID  string `env:"HISTSYNC_APP_ID" envDefault:"histsync"`
	UserID string `env:"HISTSYNC_USER_ID"`

	// StateDir holds the durable sync metadata database. Defaults to
	// ~/.histsync.
	StateDir string `env:"HISTSYNC_STATE_DIR"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// SessionSpec is one entry of the YAML sessions file.
type SessionSpec struct {
	Server string `yaml:"server"`
	DB     string `yaml:"db"`
	Remote string `yaml:"remote"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		cfg.StateDir = filepath.Join(home, ".histsync")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.UserID == "" {
		return fmt.Errorf("HISTSYNC_USER_ID is required")
	}

	if c.SessionsFile != "" {
		return nil
	}

	if c.ServerURL == "" {
		return fmt.Errorf("HISTSYNC_SERVER_URL is required when no sessions file is set")
	}

	if c.DBPath == "" {
		return fmt.Errorf("HISTSYNC_DB_PATH is required when no sessions file is set")
	}

	if c.RemotePath == "" {
		return fmt.Errorf("HISTSYNC_REMOTE_PATH is required when no sessions file is set")
	}

	return nil
}

// Sessions returns the list of sessions the daemon should run: either
// the single env-configured one or the contents of the sessions file.
// Database paths are resolved to absolute paths, since they double as
// the durable identity key for sync metadata.
func (c *Config) Sessions() ([]SessionSpec, error) {
	var specs []SessionSpec

	if c.SessionsFile == "" {
		specs = []SessionSpec{{Server: c.ServerURL, DB: c.DBPath, Remote: c.RemotePath}}
	} else {
		data, err := os.ReadFile(c.SessionsFile)
		if err != nil {
			return nil, fmt.Errorf("reading sessions file: %w", err)
		}

		if err := yaml.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("parsing sessions file: %w", err)
		}

		if len(specs) == 0 {
			return nil, fmt.Errorf("sessions file %s lists no sessions", c.SessionsFile)
		}
	}

	for i := range specs {
		s := &specs[i]
		if s.Server == "" || s.DB == "" || s.Remote == "" {
			return nil, fmt.Errorf("session %d: server, db and remote are all required", i+1)
		}

		abs, err := filepath.Abs(s.DB)
		if err != nil {
			return nil, fmt.Errorf("resolving database path %s: %w", s.DB, err)
		}

		s.DB = abs
	}

	return specs, nil
}
