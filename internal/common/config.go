package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Queue       QueueConfig      `toml:"queue"`
	Monitor     MonitorConfig    `toml:"monitor"`
	Worker      WorkerConfig     `toml:"worker"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
	Backends    []BackendConfig  `toml:"backends"`
	Logging     LoggingConfig    `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=0,max=65535"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// QueueConfig selects the primary and fallback execution queues.
// Valid backend names: "goqite", "nats", "memory". An empty fallback
// disables fallback entirely.
type QueueConfig struct {
	Primary      string       `toml:"primary" validate:"required,oneof=goqite nats memory"`
	Fallback     string       `toml:"fallback" validate:"omitempty,oneof=goqite nats memory"`
	PollInterval string       `toml:"poll_interval"` // e.g. "1s" - how often workers poll for deliveries
	Goqite       GoqiteConfig `toml:"goqite"`
	NATS         NATSConfig   `toml:"nats"`
}

type GoqiteConfig struct {
	Path              string `toml:"path"`               // SQLite database file path
	Name              string `toml:"name"`               // Queue name
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - redelivery timeout
	MaxReceive        int    `toml:"max_receive"`        // Max times a delivery is received before dead-letter
}

type NATSConfig struct {
	URL     string `toml:"url"`     // e.g. "nats://127.0.0.1:4222"
	Subject string `toml:"subject"` // Delivery subject
	Queue   string `toml:"queue"`   // Queue group for worker load balancing
}

// MonitorConfig controls the per-job progress poll loop.
type MonitorConfig struct {
	PollInterval   string `toml:"poll_interval"`   // e.g. "2s" - delay between reconcile polls
	ResumeSchedule string `toml:"resume_schedule"` // cron expression re-arming watches for non-terminal jobs ("" = disabled)
}

// WorkerConfig controls the executor pool consuming the primary queue.
type WorkerConfig struct {
	Enabled     bool `toml:"enabled"`
	Concurrency int  `toml:"concurrency"`
	MaxAttempts int  `toml:"max_attempts"` // Generation attempts before the job is marked failed
}

type WebSocketConfig struct {
	ProgressThrottle string `toml:"progress_throttle"` // Min interval between progress broadcasts ("" = no throttling)
}

// BackendConfig describes one generation backend reachable over HTTP.
type BackendConfig struct {
	Name    string `toml:"name" validate:"required"`
	URL     string `toml:"url" validate:"required,url"`
	Timeout string `toml:"timeout"` // Generation request timeout, e.g. "120s"
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig returns the built-in defaults, overridden by files and env.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8780,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/badger",
			},
		},
		Queue: QueueConfig{
			Primary:      "goqite",
			Fallback:     "memory",
			PollInterval: "1s",
			Goqite: GoqiteConfig{
				Path:              "./data/queue.db",
				Name:              "generation",
				VisibilityTimeout: "5m",
				MaxReceive:        3,
			},
			NATS: NATSConfig{
				URL:     "nats://127.0.0.1:4222",
				Subject: "atelier.jobs",
				Queue:   "atelier-workers",
			},
		},
		Monitor: MonitorConfig{
			PollInterval:   "2s",
			ResumeSchedule: "@every 30s",
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 2,
			MaxAttempts: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration with priority: defaults -> file1 -> file2
// -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("ATELIER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("ATELIER_HOST"); v != "" {
		config.Server.Host = v
	}
	if v := os.Getenv("ATELIER_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("ATELIER_BADGER_PATH"); v != "" {
		config.Storage.Badger.Path = v
	}
	if v := os.Getenv("ATELIER_NATS_URL"); v != "" {
		config.Queue.NATS.URL = v
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// Validate checks structural validity of the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if seen[b.Name] {
			return fmt.Errorf("invalid configuration: duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
	}

	return nil
}

// MonitorPollInterval parses the monitor poll interval, defaulting to 2s.
func (c *Config) MonitorPollInterval() time.Duration {
	return parseDurationOr(c.Monitor.PollInterval, 2*time.Second)
}

// QueuePollInterval parses the worker poll interval, defaulting to 1s.
func (c *Config) QueuePollInterval() time.Duration {
	return parseDurationOr(c.Queue.PollInterval, time.Second)
}

// ProgressThrottle parses the WebSocket progress throttle interval.
// Zero means throttling is disabled.
func (c *Config) ProgressThrottle() time.Duration {
	return parseDurationOr(c.WebSocket.ProgressThrottle, 0)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
