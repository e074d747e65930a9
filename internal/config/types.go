package config

import (
	"os"
	"time"
)

// Config represents the complete taskdock configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Task    TaskConfig    `yaml:"task"`
	State   StateConfig   `yaml:"state"`
	API     APIConfig     `yaml:"api,omitempty"`

	// SourcePath is the resolved config.yaml the values were read from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// TaskConfig defines the worker pool and dispatch defaults.
type TaskConfig struct {
	WorkerNum     int           `yaml:"worker_num"`
	TempDir       string        `yaml:"temp_dir"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRunningNum int           `yaml:"max_running_num"`
	Codec         string        `yaml:"codec"` // json | msgpack
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`

	// APIKey authenticates as admin (every scope). Empty with no tokens
	// leaves the API unauthenticated, which is only sane on loopback.
	APIKey string           `yaml:"api_key,omitempty"`
	Tokens []APITokenConfig `yaml:"tokens,omitempty"`

	// MaxSyncTimeout caps the timeout a caller may request for a sync task.
	MaxSyncTimeout time.Duration `yaml:"max_sync_timeout,omitempty"`
}

// APITokenConfig is a scoped bearer token.
type APITokenConfig struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "taskdock",
			LogLevel: "info",
		},
		Task: TaskConfig{
			WorkerNum:     3,
			TempDir:       os.TempDir(),
			Timeout:       15 * time.Second,
			MaxRunningNum: 128,
			Codec:         "json",
		},
		State: StateConfig{
			Path: "./data/taskdock.db",
		},
		API: APIConfig{
			Enabled:        false,
			Listen:         "127.0.0.1:8090",
			MaxSyncTimeout: 60 * time.Second,
		},
	}
}
