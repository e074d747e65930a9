package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates configuration from a file.
// A directory path is resolved to the config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := VerifyChecksum(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes into a validated Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	expanded := interpolateEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $TASKDOCK_CONFIG_DIR, ~/.config/taskdock, /etc/taskdock, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("TASKDOCK_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "taskdock")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	if _, err := os.Stat("/etc/taskdock"); err == nil {
		return "/etc/taskdock", nil
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml", nil
	}

	return "", fmt.Errorf("no configuration found (checked $TASKDOCK_CONFIG_DIR, ~/.config/taskdock, /etc/taskdock, ./config.yaml)")
}

// ResolveConfigFile returns the absolute config.yaml path for a file or directory.
func ResolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.Task.WorkerNum == 0 {
		cfg.Task.WorkerNum = defaults.Task.WorkerNum
	}
	if cfg.Task.TempDir == "" {
		cfg.Task.TempDir = defaults.Task.TempDir
	}
	if cfg.Task.Timeout == 0 {
		cfg.Task.Timeout = defaults.Task.Timeout
	}
	if cfg.Task.MaxRunningNum == 0 {
		cfg.Task.MaxRunningNum = defaults.Task.MaxRunningNum
	}
	if cfg.Task.Codec == "" {
		cfg.Task.Codec = defaults.Task.Codec
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxSyncTimeout == 0 {
		cfg.API.MaxSyncTimeout = defaults.API.MaxSyncTimeout
	}
	return cfg
}

func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Leave the placeholder; validation reports it where it matters.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	// The server name becomes part of every socket file name.
	if strings.ContainsAny(cfg.Service.Name, "/\x00") {
		return fmt.Errorf("service.name must not contain path separators (got %q)", cfg.Service.Name)
	}
	if envVarPattern.MatchString(cfg.Service.Name) {
		return fmt.Errorf("service.name: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.Service.Name)[1])
	}

	if cfg.Task.WorkerNum < 0 {
		return fmt.Errorf("task.worker_num must be positive (got %d)", cfg.Task.WorkerNum)
	}
	if cfg.Task.Timeout < 0 {
		return fmt.Errorf("task.timeout must be positive")
	}
	if cfg.Task.MaxRunningNum < 0 {
		return fmt.Errorf("task.max_running_num must be positive (got %d)", cfg.Task.MaxRunningNum)
	}
	if envVarPattern.MatchString(cfg.Task.TempDir) {
		return fmt.Errorf("task.temp_dir: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.Task.TempDir)[1])
	}
	switch cfg.Task.Codec {
	case "json", "msgpack":
	default:
		return fmt.Errorf("task.codec must be one of: json, msgpack (got %q)", cfg.Task.Codec)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api is enabled")
	}
	if cfg.API.MaxSyncTimeout < 0 {
		return fmt.Errorf("api.max_sync_timeout must be positive")
	}
	if envVarPattern.MatchString(cfg.API.APIKey) {
		return fmt.Errorf("api.api_key: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(cfg.API.APIKey)[1])
	}
	for i, tok := range cfg.API.Tokens {
		if strings.TrimSpace(tok.Token) == "" {
			return fmt.Errorf("api.tokens[%d].token is required", i)
		}
		if envVarPattern.MatchString(tok.Token) {
			return fmt.Errorf("api.tokens[%d].token: environment variable ${%s} is not set", i, envVarPattern.FindStringSubmatch(tok.Token)[1])
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.tokens[%d].scopes must not be empty", i)
		}
	}
	return nil
}
