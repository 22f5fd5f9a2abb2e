// Package config loads server configuration from files and the
// environment.
//
// Sources are merged in priority order:
//  1. built-in defaults
//  2. global config (~/.config/workdeck/workdeck.{jsonc,json,yaml})
//  3. project config (./workdeck.{jsonc,json,yaml})
//  4. WORKDECK_CONFIG file override
//  5. .env file (via godotenv), then environment variables
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the resolved server configuration.
type Config struct {
	// DataDir holds the sqlite database and rendered runtime config.
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// WorkspacesDir is the parent of all project working directories.
	WorkspacesDir string `json:"workspaces_dir" yaml:"workspaces_dir"`

	Port      int    `json:"port" yaml:"port"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogPretty bool   `json:"log_pretty" yaml:"log_pretty"`

	Backup     BackupConfig     `json:"backup" yaml:"backup"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
	ToolServer ToolServerConfig `json:"tool_server" yaml:"tool_server"`
}

// BackupConfig controls the workspace snapshot cycle.
type BackupConfig struct {
	// Interval between backup scans, e.g. "2m". Empty disables the loop.
	Interval string `json:"interval" yaml:"interval"`
	// Ignore lists doublestar globs excluded from snapshots.
	Ignore []string `json:"ignore" yaml:"ignore"`
}

// RuntimeConfig describes the external agent runtime binary.
type RuntimeConfig struct {
	// Binary is the agent CLI executable, resolved via PATH when bare.
	Binary string `json:"binary" yaml:"binary"`
	// BuiltinTools is the allow-list of the runtime's own tools.
	BuiltinTools []string `json:"builtin_tools" yaml:"builtin_tools"`
	// SystemPrompt is appended to the runtime's system prompt on every
	// turn.
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

// ToolServerConfig describes the external MCP tool server subprocess.
type ToolServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	Command []string          `json:"command" yaml:"command"`
	Env     map[string]string `json:"env" yaml:"env"`
	// TimeoutMS bounds tool discovery; past it the turn proceeds
	// without tools.
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".workdeck")
	return &Config{
		DataDir:       filepath.Join(base, "data"),
		WorkspacesDir: filepath.Join(base, "workspaces"),
		Port:          8080,
		LogLevel:      "info",
		Backup: BackupConfig{
			Interval: "2m",
			Ignore:   []string{"**/node_modules/**", "**/.git/objects/**", "**/__pycache__/**"},
		},
		Runtime: RuntimeConfig{
			Binary:       "claude",
			BuiltinTools: []string{"Read", "Write", "Edit", "Glob", "Grep"},
		},
		ToolServer: ToolServerConfig{
			Name:      "workdeck",
			TimeoutMS: 30000,
		},
	}
}

// Load resolves configuration from all sources. directory is the
// process working directory used for project-level config.
func Load(directory string) (*Config, error) {
	cfg := Default()

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		abs, err := filepath.Abs(path)
		if err != nil || loaded[abs] {
			return
		}
		if loadFile(path, cfg) == nil {
			loaded[abs] = true
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		global := filepath.Join(home, ".config", "workdeck")
		for _, name := range configNames() {
			loadOnce(filepath.Join(global, name))
		}
	}

	if directory != "" {
		for _, name := range configNames() {
			loadOnce(filepath.Join(directory, name))
		}
	}

	if path := os.Getenv("WORKDECK_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// .env is best-effort; environment always wins.
	if directory != "" {
		_ = godotenv.Load(filepath.Join(directory, ".env"))
	}
	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func configNames() []string {
	return []string{"workdeck.jsonc", "workdeck.json", "workdeck.yaml", "workdeck.yml"}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("WORKDECK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("WORKDECK_WORKSPACES_DIR"); v != "" {
		cfg.WorkspacesDir = v
	}
	if v := os.Getenv("WORKDECK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("WORKDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WORKDECK_RUNTIME_BINARY"); v != "" {
		cfg.Runtime.Binary = v
	}
	if v := os.Getenv("WORKDECK_SYSTEM_PROMPT"); v != "" {
		cfg.Runtime.SystemPrompt = v
	}
	if v := os.Getenv("WORKDECK_BACKUP_INTERVAL"); v != "" {
		cfg.Backup.Interval = v
	}
	if v := os.Getenv("WORKDECK_TOOL_SERVER"); v != "" {
		cfg.ToolServer.Command = strings.Fields(v)
	}
	if v := os.Getenv("WORKDECK_TOOL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ToolServer.TimeoutMS = ms
		}
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Runtime.Binary == "" {
		return fmt.Errorf("runtime binary is required")
	}
	if _, err := c.BackupInterval(); err != nil {
		return err
	}
	return nil
}

// BackupInterval parses the backup interval. A zero duration means
// the background loop is disabled.
func (c *Config) BackupInterval() (time.Duration, error) {
	if c.Backup.Interval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Backup.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid backup interval %q: %w", c.Backup.Interval, err)
	}
	return d, nil
}

// ToolTimeout returns the tool discovery timeout.
func (c *ToolServerConfig) ToolTimeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// EnsureDirs creates the data and workspaces directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.WorkspacesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
