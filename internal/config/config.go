package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config holds the execution service server configuration.
type Config struct {
	// Host is the address the HTTP server binds to.
	Host string `json:"host"`
	// Port is the TCP port the HTTP server listens on.
	Port int `json:"port"`
	// APIKey guards non-loopback access. Empty disables auth entirely.
	APIKey string `json:"api_key"`
	// WorkDir is the root for per-session state (<work_dir>/sessions/<id>/).
	WorkDir string `json:"work_dir"`
	// LogLevel is one of debug, info, warning, error, critical.
	LogLevel string `json:"log_level"`
	// EnvID identifies this service instance in logs.
	EnvID string `json:"env_id"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		Host:     "localhost",
		Port:     8000,
		APIKey:   "",
		WorkDir:  cwd,
		LogLevel: "info",
		EnvID:    "server",
	}
}

// Load builds the configuration from (lowest to highest priority):
// built-in defaults, runspace.jsonc / runspace.json in the given
// directory, then environment variables. Command line flags are applied
// by the caller on top of the result.
func Load(directory string) (*Config, error) {
	cfg := Default()

	if directory == "" {
		directory = "."
	}
	for _, name := range []string{"runspace.jsonc", "runspace.json"} {
		path := filepath.Join(directory, name)
		if err := loadFile(path, cfg); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		break
	}

	applyEnvOverrides(cfg)

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}

// loadFile merges a single JSONC config file into cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data)

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// interpolate replaces {env:VAR_NAME} placeholders with environment values.
func interpolate(data []byte) []byte {
	envPattern := regexp.MustCompile(`\{env:([^}]+)\}`)
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
	return []byte(str)
}

// applyEnvOverrides applies SERVER_* and LOG_LEVEL environment variables.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(strings.TrimSpace(port)); err == nil {
			cfg.Port = p
		}
	}
	if key := os.Getenv("SERVER_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if dir := os.Getenv("SERVER_WORK_DIR"); dir != "" {
		cfg.WorkDir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SessionsDir returns the directory holding per-session state.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.WorkDir, "sessions")
}
