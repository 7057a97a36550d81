// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Timeouts: graceful stop, steer cancellation, RPC, Telegram polling
//   - Capacities: history retention, subscriber queues, runtime frame size
//   - Runtime: agent runtime command line and spawn limits
//   - Attachments: per-channel download limits
//
// For a complete list of all environment variables, see .env.example
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TimeoutConfig holds timeout-related configuration.
type TimeoutConfig struct {
	GracefulStop     time.Duration // Shutdown sentinel wait before forced kill
	SteerCancel      time.Duration // Cancellation barrier wait before respawn
	RPC              time.Duration // Per-request control-plane timeout
	TelegramPoll     time.Duration // Telegram long-poll window
	ReconnectBackoff time.Duration // Initial integration reconnect backoff
	SpawnWait        time.Duration // Max wait for the runtime to come up
}

// CapacityConfig holds retention and queue sizing.
type CapacityConfig struct {
	HistoryPerAgent int // Ring capacity per agent (minimum 2000)
	SubscriberQueue int // Outbound events buffered per subscriber
	RuntimeScanBuf  int // Max runtime stdout frame size in bytes
}

// RuntimeConfig holds the agent runtime subprocess settings.
type RuntimeConfig struct {
	Command []string // argv of the runtime binary
}

// AttachmentConfig bounds inbound file handling.
type AttachmentConfig struct {
	MaxFileBytes int64 // Per-file download cap
}

// Config holds all application configuration.
type Config struct {
	Port        string
	DataDir     string
	FrontendURL string
	Timeout     TimeoutConfig
	Capacity    CapacityConfig
	Runtime     RuntimeConfig
	Attachment  AttachmentConfig
	// IntegrationRetries is the number of consecutive transport failures
	// before an integration's status flips to error.
	IntegrationRetries int
	// RPCCompatRejectOldest enables the legacy fallback that rejects the
	// oldest pending request when an error arrives without a requestId
	// but with a matching code prefix.
	RPCCompatRejectOldest bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "7070"),
		DataDir:     getEnv("MIDDLEMAN_DATA_DIR", defaultDataDir()),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Timeout: TimeoutConfig{
			GracefulStop:     getEnvDuration("MIDDLEMAN_GRACEFUL_STOP_TIMEOUT", 5*time.Second),
			SteerCancel:      getEnvDuration("MIDDLEMAN_STEER_CANCEL_TIMEOUT", 15*time.Second),
			RPC:              getEnvDuration("MIDDLEMAN_RPC_TIMEOUT", 300*time.Second),
			TelegramPoll:     getEnvDuration("MIDDLEMAN_TELEGRAM_POLL_TIMEOUT", 25*time.Second),
			ReconnectBackoff: getEnvDuration("MIDDLEMAN_RECONNECT_BACKOFF", 1200*time.Millisecond),
			SpawnWait:        getEnvDuration("MIDDLEMAN_SPAWN_WAIT", 30*time.Second),
		},
		Capacity: CapacityConfig{
			HistoryPerAgent: getEnvInt("MIDDLEMAN_HISTORY_PER_AGENT", 2000),
			SubscriberQueue: getEnvInt("MIDDLEMAN_SUBSCRIBER_QUEUE", 1000),
			RuntimeScanBuf:  getEnvInt("MIDDLEMAN_RUNTIME_SCAN_BUF", 4<<20),
		},
		Runtime: RuntimeConfig{
			Command: strings.Fields(getEnv("MIDDLEMAN_RUNTIME_CMD", "middleman-agent")),
		},
		Attachment: AttachmentConfig{
			MaxFileBytes: getEnvInt64("MIDDLEMAN_ATTACHMENT_MAX_BYTES", 8<<20),
		},
		IntegrationRetries:    getEnvInt("MIDDLEMAN_INTEGRATION_RETRIES", 5),
		RPCCompatRejectOldest: getEnvBool("MIDDLEMAN_RPC_COMPAT_REJECT_OLDEST", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("MIDDLEMAN_DATA_DIR cannot be empty")
	}
	if len(c.Runtime.Command) == 0 || c.Runtime.Command[0] == "" {
		return fmt.Errorf("MIDDLEMAN_RUNTIME_CMD cannot be empty")
	}
	if c.Capacity.HistoryPerAgent < 2000 {
		return fmt.Errorf("MIDDLEMAN_HISTORY_PER_AGENT must be >= 2000")
	}
	if c.Capacity.SubscriberQueue <= 0 {
		return fmt.Errorf("MIDDLEMAN_SUBSCRIBER_QUEUE must be > 0")
	}
	if c.Timeout.SteerCancel <= 0 {
		return fmt.Errorf("MIDDLEMAN_STEER_CANCEL_TIMEOUT must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SessionsDir is where per-agent transcripts live.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// IntegrationsDir is where per-channel profiles live.
func (c *Config) IntegrationsDir() string {
	return filepath.Join(c.DataDir, "integrations")
}

// AuthDir is where credential files live.
func (c *Config) AuthDir() string {
	return filepath.Join(c.DataDir, "auth")
}

// EnvDir is where skill env var files live.
func (c *Config) EnvDir() string {
	return filepath.Join(c.DataDir, "env")
}

// RegistryPath is the agent registry database file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".middleman")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
