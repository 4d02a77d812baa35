// Package config provides configuration for runplane.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the runplane configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int
	RPCAddr      string

	// Storage
	DatabaseURL   string
	WorkspaceRoot string

	// Collaborators
	BrowserWorkerURL string
	NATSURL          string

	// Timeouts
	ToolTimeout    time.Duration
	ExecTimeoutMax time.Duration
	StopGrace      time.Duration

	// Process limits
	ExecOutputLimit      int64
	ProcessLogMaxBytes   int
	ProcessLogMaxEntries int
	ProcessRetention     time.Duration
	ReaperInterval       time.Duration
	AllowedCommands      []string

	// Workspace limits
	WorkspaceMaxReadBytes  int64
	WorkspaceMaxWriteBytes int64

	// Invocation cache
	InvocationCacheTTL      time.Duration
	InvocationCacheCapacity int

	// Event broker
	SubscriberQueue int

	// Policy profiles: profile name to allowlisted tool name globs.
	PolicyProfiles map[string][]string

	// Logging
	LogLevel  string
	LogFormat string
}

// DefaultAllowedCommands is the process allowlist used when none is configured.
// It holds only tools that take no script or command string, since the
// argument check cannot see paths inside one. Interpreters, shells, package
// managers and sed must be enabled through ALLOWED_COMMANDS or the YAML file.
var DefaultAllowedCommands = []string{
	"cat", "echo", "grep", "head", "ls", "sleep", "tail", "wc",
}

// fileConfig is the optional YAML overlay named by CONFIG_FILE.
type fileConfig struct {
	AllowedCommands []string `yaml:"allowed_commands"`
	Policy          struct {
		Profiles map[string][]string `yaml:"profiles"`
	} `yaml:"policy"`
}

// Load loads configuration from a .env file if present, environment
// variables and, when CONFIG_FILE is set, a YAML overlay.
func Load() (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:                getEnvInt("HTTP_PORT", 8080),
		InternalPort:            getEnvInt("INTERNAL_PORT", 8081),
		RPCAddr:                 getEnv("RPC_ADDR", ":8082"),
		DatabaseURL:             getEnv("DATABASE_URL", "file:runplane.db?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL"),
		WorkspaceRoot:           getEnv("WORKSPACE_ROOT", "./workspaces"),
		BrowserWorkerURL:        getEnv("BROWSER_WORKER_URL", ""),
		NATSURL:                 getEnv("NATS_URL", ""),
		ToolTimeout:             time.Duration(getEnvInt("TOOL_TIMEOUT_MS", 60000)) * time.Millisecond,
		ExecTimeoutMax:          time.Duration(getEnvInt("EXEC_TIMEOUT_MAX_MS", 300000)) * time.Millisecond,
		StopGrace:               time.Duration(getEnvInt("PROCESS_STOP_GRACE_MS", 3000)) * time.Millisecond,
		ExecOutputLimit:         int64(getEnvInt("EXEC_OUTPUT_LIMIT_BYTES", 1<<20)),
		ProcessLogMaxBytes:      getEnvInt("PROCESS_LOG_MAX_BYTES", 256<<10),
		ProcessLogMaxEntries:    getEnvInt("PROCESS_LOG_MAX_ENTRIES", 2000),
		ProcessRetention:        time.Duration(getEnvInt("PROCESS_RETENTION_MS", 600000)) * time.Millisecond,
		ReaperInterval:          time.Duration(getEnvInt("REAPER_INTERVAL_MS", 30000)) * time.Millisecond,
		AllowedCommands:         getEnvList("ALLOWED_COMMANDS", DefaultAllowedCommands),
		WorkspaceMaxReadBytes:   int64(getEnvInt("WORKSPACE_MAX_READ_BYTES", 5<<20)),
		WorkspaceMaxWriteBytes:  int64(getEnvInt("WORKSPACE_MAX_WRITE_BYTES", 5<<20)),
		InvocationCacheTTL:      time.Duration(getEnvInt("INVOCATION_CACHE_TTL_MS", 600000)) * time.Millisecond,
		InvocationCacheCapacity: getEnvInt("INVOCATION_CACHE_CAPACITY", 1024),
		SubscriberQueue:         getEnvInt("SUBSCRIBER_QUEUE", 16),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFormat:               getEnv("LOG_FORMAT", "json"),
	}

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	// The environment wins over the file for the command allowlist.
	if len(fc.AllowedCommands) > 0 && os.Getenv("ALLOWED_COMMANDS") == "" {
		c.AllowedCommands = fc.AllowedCommands
	}
	if len(fc.Policy.Profiles) > 0 {
		c.PolicyProfiles = fc.Policy.Profiles
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
