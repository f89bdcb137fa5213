package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration loaded from config.yaml, with
// environment overrides for the values a sandbox supervisor injects.
type Config struct {
	Addr        string       `yaml:"addr"`
	WorkDir     string       `yaml:"work_dir"`
	CORSOrigins []string     `yaml:"cors_origins"`
	Claude      ClaudeConfig `yaml:"claude"`
}

// ClaudeConfig selects the CLI subprocess and its per-turn flags.
type ClaudeConfig struct {
	Binary         string   `yaml:"binary"`
	Model          string   `yaml:"model"`
	PermissionMode string   `yaml:"permission_mode"`
	Args           []string `yaml:"args"`
}

// Load reads the config file, creating it with defaults on first run.
func Load() (*Config, error) {
	if err := EnsureConfigExists(); err != nil {
		return nil, fmt.Errorf("ensure config: %w", err)
	}
	configFile, err := GetConfigFile()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configFile, err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Claude.Binary == "" {
		c.Claude.Binary = "claude"
	}
	if c.WorkDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.WorkDir = wd
		}
	}
}

// applyEnv overlays supervisor-provided settings. PORT wins over the file so
// the same image runs behind any port mapping.
func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.Addr = ":" + port
	}
	if workDir := os.Getenv("AGENTD_WORK_DIR"); workDir != "" {
		c.WorkDir = workDir
	}
	if model := os.Getenv("AGENTD_MODEL"); model != "" {
		c.Claude.Model = model
	}
}
