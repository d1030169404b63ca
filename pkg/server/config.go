package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server      ServerSection      `toml:"server"`
	Limits      LimitsSection      `toml:"limits"`
	Auth        AuthSection        `toml:"auth"`
	Maintenance MaintenanceSection `toml:"maintenance"`
}

type ServerSection struct {
	HTTPPort      int    `toml:"http_port"`
	DatabasePath  string `toml:"database_path"`
	KeyDir        string `toml:"key_dir"`
	ClientVersion string `toml:"client_version"`
}

type LimitsSection struct {
	HistoryLimit       int `toml:"history_limit"`
	OutboundQueueSize  int `toml:"outbound_queue_size"`
	MaxFrameBytes      int `toml:"max_frame_bytes"`
	ActiveCheckSeconds int `toml:"active_check_seconds"`
}

type AuthSection struct {
	SessionSecret string `toml:"session_secret"`
	CookieName    string `toml:"cookie_name"`
}

type MaintenanceSection struct {
	EmptyRoomDays          int `toml:"empty_room_days"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:      8080,
			DatabasePath:  "~/.parasitechat/parasitechat.db",
			KeyDir:        "~/.parasitechat/keys",
			ClientVersion: "1.0.0",
		},
		Limits: LimitsSection{
			HistoryLimit:       200,
			OutboundQueueSize:  256,
			MaxFrameBytes:      64 * 1024,
			ActiveCheckSeconds: 30,
		},
		Auth: AuthSection{
			CookieName: "session",
		},
		Maintenance: MaintenanceSection{
			EmptyRoomDays:          30,
			CleanupIntervalMinutes: 60,
		},
	}
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable location still runs with defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file ends up holding the session secret once edited
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# parasitechat relay configuration
# This file was auto-generated with default values
# Set auth.session_secret to the secret shared with the login service
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, keeping defaults for unset values
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}
	if strings.TrimSpace(c.Server.KeyDir) != "" {
		cfg.KeyDir = c.Server.KeyDir
	}
	if c.Server.ClientVersion != "" {
		cfg.ClientVersion = c.Server.ClientVersion
	}

	if c.Limits.HistoryLimit < 0 || c.Limits.OutboundQueueSize < 0 || c.Limits.MaxFrameBytes < 0 {
		return ServerConfig{}, fmt.Errorf("limits must not be negative")
	}
	if c.Limits.HistoryLimit != 0 {
		cfg.HistoryLimit = c.Limits.HistoryLimit
	}
	if c.Limits.OutboundQueueSize != 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}
	if c.Limits.MaxFrameBytes != 0 {
		cfg.MaxFrameBytes = c.Limits.MaxFrameBytes
	}
	if c.Limits.ActiveCheckSeconds > 0 {
		cfg.ActiveCheckInterval = time.Duration(c.Limits.ActiveCheckSeconds) * time.Second
	}

	cfg.SessionSecret = c.Auth.SessionSecret
	if c.Auth.CookieName != "" {
		cfg.CookieName = c.Auth.CookieName
	}

	if c.Maintenance.EmptyRoomDays > 0 {
		cfg.EmptyRoomAge = time.Duration(c.Maintenance.EmptyRoomDays) * 24 * time.Hour
	}
	if c.Maintenance.CleanupIntervalMinutes > 0 {
		cfg.CleanupInterval = time.Duration(c.Maintenance.CleanupIntervalMinutes) * time.Minute
	}

	var err error
	if cfg.DatabasePath, err = ExpandPath(cfg.DatabasePath); err != nil {
		return ServerConfig{}, err
	}
	if cfg.KeyDir, err = ExpandPath(cfg.KeyDir); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}
