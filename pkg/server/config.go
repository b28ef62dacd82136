package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the resolved runtime configuration.
type ServerConfig struct {
	TCPPort          int
	MetricsPort      int // internal /metrics + /health listener (0 = disabled)
	MaxFrameSize     uint32
	ReadTimeout      time.Duration
	ProbeTimeout     time.Duration
	HandshakeTimeout time.Duration
	KeyLength        int // symmetric key length taken from the shared secret
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          4550,
		MetricsPort:      9090,
		MaxFrameSize:     1024 * 1024,
		ReadTimeout:      time.Second,
		ProbeTimeout:     time.Second,
		HandshakeTimeout: 10 * time.Second,
		KeyLength:        32,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Crypto CryptoSection `toml:"crypto"`
}

type ServerSection struct {
	TCPPort          int    `toml:"tcp_port"`
	MetricsPort      int    `toml:"metrics_port"`
	Backend          string `toml:"credential_backend"` // "sqlite" or "memory"
	DatabasePath     string `toml:"database_path"`
	ServerKeyPath    string `toml:"server_key"`
	ClientVerifyPath string `toml:"client_verify_key"`
}

type LimitsSection struct {
	MaxFrameSize       int `toml:"max_frame_size"`
	ReadTimeoutMs      int `toml:"read_timeout_ms"`
	ProbeTimeoutMs     int `toml:"probe_timeout_ms"`
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms"`
}

type CryptoSection struct {
	KeyLength int `toml:"key_length"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:          4550,
			MetricsPort:      9090,
			Backend:          "sqlite",
			DatabasePath:     "~/.mychat/mychat.db",
			ServerKeyPath:    "~/.mychat/server_key.pem",
			ClientVerifyPath: "~/.mychat/client_verify.pem",
		},
		Limits: LimitsSection{
			MaxFrameSize:       1024 * 1024,
			ReadTimeoutMs:      1000,
			ProbeTimeoutMs:     1000,
			HandshakeTimeoutMs: 10000,
		},
		Crypto: CryptoSection{
			KeyLength: 32,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating defaults if
// the file is missing, and applies environment variable overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Best effort: a read-only config dir still lets the server run
		// on defaults.
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(DefaultTOMLConfig()), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies MYCHAT_SECTION_KEY environment overrides,
// e.g. MYCHAT_SERVER_TCP_PORT=4600.
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("MYCHAT_SERVER_TCP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.TCPPort = port
		}
	}
	if val := os.Getenv("MYCHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("MYCHAT_SERVER_CREDENTIAL_BACKEND"); val != "" {
		config.Server.Backend = val
	}
	if val := os.Getenv("MYCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("MYCHAT_SERVER_SERVER_KEY"); val != "" {
		config.Server.ServerKeyPath = val
	}
	if val := os.Getenv("MYCHAT_SERVER_CLIENT_VERIFY_KEY"); val != "" {
		config.Server.ClientVerifyPath = val
	}
	if val := os.Getenv("MYCHAT_LIMITS_MAX_FRAME_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxFrameSize = size
		}
	}
	if val := os.Getenv("MYCHAT_LIMITS_READ_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Limits.ReadTimeoutMs = ms
		}
	}
	if val := os.Getenv("MYCHAT_LIMITS_PROBE_TIMEOUT_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			config.Limits.ProbeTimeoutMs = ms
		}
	}
	return config
}

// writeDefaultConfig writes a documented default config file.
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# MyChat Server Configuration
# Auto-generated with default values. Restart the server after changes.
#
# Environment variables override these settings:
# MYCHAT_SECTION_KEY (e.g. MYCHAT_SERVER_TCP_PORT=4600)

[server]
# Port for client TCP connections
tcp_port = 4550

# Internal metrics listener (/metrics, /health). Set to 0 to disable.
# Never expose this port publicly.
metrics_port = 9090

# Credential backend: "sqlite" or "memory" (memory is for development)
credential_backend = "sqlite"

# Path to the SQLite credential database
database_path = "~/.mychat/mychat.db"

# Server signing key (PEM, created on first run if missing)
server_key = "~/.mychat/server_key.pem"

# Public key used to verify connecting client applications (PEM)
client_verify_key = "~/.mychat/client_verify.pem"

[limits]
# Maximum frame payload size in bytes
max_frame_size = 1048576

# Per-read timeout on client connections in milliseconds
read_timeout_ms = 1000

# Liveness probe timeout during duplicate-logon handling in milliseconds
probe_timeout_ms = 1000

# Overall handshake deadline in milliseconds
handshake_timeout_ms = 10000

[crypto]
# Symmetric key length in bytes, taken as a prefix of the agreed secret
key_length = 32
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts the file representation to runtime config.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.MetricsPort = c.Server.MetricsPort
	if c.Limits.MaxFrameSize > 0 {
		cfg.MaxFrameSize = uint32(c.Limits.MaxFrameSize)
	}
	if c.Limits.ReadTimeoutMs > 0 {
		cfg.ReadTimeout = time.Duration(c.Limits.ReadTimeoutMs) * time.Millisecond
	}
	if c.Limits.ProbeTimeoutMs > 0 {
		cfg.ProbeTimeout = time.Duration(c.Limits.ProbeTimeoutMs) * time.Millisecond
	}
	if c.Limits.HandshakeTimeoutMs > 0 {
		cfg.HandshakeTimeout = time.Duration(c.Limits.HandshakeTimeoutMs) * time.Millisecond
	}
	if c.Crypto.KeyLength > 0 {
		cfg.KeyLength = c.Crypto.KeyLength
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

// GetServerKeyPath returns the server key path with ~ expanded.
func (c *TOMLConfig) GetServerKeyPath() (string, error) {
	return expandHome(c.Server.ServerKeyPath)
}

// GetClientVerifyPath returns the client verify key path with ~ expanded.
func (c *TOMLConfig) GetClientVerifyPath() (string, error) {
	return expandHome(c.Server.ClientVerifyPath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
