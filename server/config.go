package server

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Registration policy modes.
const (
	RegistrationPublic    = "public"
	RegistrationNetwork   = "network"
	RegistrationModerated = "moderated"
	RegistrationPrivate   = "private"
)

// Config is the server's immutable configuration, decoded once at startup.
type Config struct {
	Server   ServerSection   `toml:"server"`
	Security SecuritySection `toml:"security"`
}

// ServerSection covers identity, addresses, and storage locations.
type ServerSection struct {
	Listen       string `toml:"listen"`
	Domain       string `toml:"domain"`
	Database     string `toml:"database"`
	KeysFile     string `toml:"keys_file"`
	Registration string `toml:"registration"`
}

// SecuritySection covers the thresholds the lockout tracker and handshake
// run on.
type SecuritySection struct {
	MaxFailures              int `toml:"max_failures"`
	LockoutMinutes           int `toml:"lockout_minutes"`
	MaxRegistrations         int `toml:"max_registrations"`
	RegistrationDelayMinutes int `toml:"registration_delay_minutes"`
	FailureDelayMS           int `toml:"failure_delay_ms"`
	ChallengeSize            int `toml:"challenge_size"`
	ShortDeadlineSeconds     int `toml:"short_deadline_seconds"`
	LongDeadlineSeconds      int `toml:"long_deadline_seconds"`
	MaxMessageSize           int `toml:"max_message_size"`
}

// DefaultConfig returns a Config with every tunable at its default. dir is
// the runtime directory the database and key file default into.
func DefaultConfig(dir string) *Config {
	return &Config{
		Server: ServerSection{
			Listen:       "127.0.0.1:2001",
			Domain:       "localhost",
			Database:     filepath.Join(dir, "db"),
			KeysFile:     filepath.Join(dir, "org_keys.toml"),
			Registration: RegistrationPrivate,
		},
		Security: SecuritySection{
			MaxFailures:              5,
			LockoutMinutes:           15,
			MaxRegistrations:         3,
			RegistrationDelayMinutes: 60,
			FailureDelayMS:           3000,
			ChallengeSize:            32,
			ShortDeadlineSeconds:     30,
			LongDeadlineSeconds:      300,
			MaxMessageSize:           8192,
		},
	}
}

// LoadConfig decodes a TOML config file. Fields absent from the file keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig(filepath.Dir(path))
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as TOML.
func (cfg *Config) Save(path string) error {
	handle, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer handle.Close()
	return toml.NewEncoder(handle).Encode(cfg)
}

func (cfg *Config) validate() error {
	switch cfg.Server.Registration {
	case RegistrationPublic, RegistrationNetwork, RegistrationModerated,
		RegistrationPrivate:
	default:
		return fmt.Errorf("bad registration mode %q", cfg.Server.Registration)
	}
	if cfg.Security.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be positive")
	}
	if cfg.Security.ChallengeSize < 32 {
		return fmt.Errorf("challenge_size must be at least 32")
	}
	if cfg.Security.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024")
	}
	return nil
}

func (cfg *Config) lockoutDuration() time.Duration {
	return time.Duration(cfg.Security.LockoutMinutes) * time.Minute
}

func (cfg *Config) registrationDelay() time.Duration {
	return time.Duration(cfg.Security.RegistrationDelayMinutes) * time.Minute
}

func (cfg *Config) failureDelay() time.Duration {
	return time.Duration(cfg.Security.FailureDelayMS) * time.Millisecond
}

func (cfg *Config) shortDeadline() time.Duration {
	return time.Duration(cfg.Security.ShortDeadlineSeconds) * time.Second
}

func (cfg *Config) longDeadline() time.Duration {
	return time.Duration(cfg.Security.LongDeadlineSeconds) * time.Second
}
