// Package config defines the Foreman application configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Foreman configuration.
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	Auth      AuthConfig       `json:"auth" yaml:"auth"`
	Runtime   RuntimeConfig    `json:"runtime" yaml:"runtime"`
	Templates []TemplateConfig `json:"templates,omitempty" yaml:"templates"`
	DBPath    string           `json:"db_path" yaml:"db_path"`
	LogLevel  string           `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9070"
}

// AuthConfig controls API authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// RuntimeConfig points at the external execution runtime's dispatch webhook.
type RuntimeConfig struct {
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token"`
}

// TemplateConfig defines a worker template preloaded at startup. Templates
// already present (matched by name) are left untouched.
type TemplateConfig struct {
	Name         string   `json:"name" yaml:"name"`
	DisplayName  string   `json:"display_name,omitempty" yaml:"display_name"`
	Role         string   `json:"role" yaml:"role"`
	TaskTypes    []string `json:"task_types,omitempty" yaml:"task_types"`
	Model        string   `json:"model,omitempty" yaml:"model"`
	Tools        []string `json:"tools,omitempty" yaml:"tools"`
	Skills       []string `json:"skills,omitempty" yaml:"skills"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	ReviewEvery  int      `json:"review_every" yaml:"review_every"`
	MaxParallel  int      `json:"max_parallel" yaml:"max_parallel"`
	Active       bool     `json:"active" yaml:"active"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9070",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		DBPath:   "./foreman.db",
		LogLevel: "info",
		Templates: []TemplateConfig{
			{
				Name:         "generalist",
				Role:         "general-purpose worker",
				SystemPrompt: "You are a general-purpose worker. Complete the assigned task and report the result.",
				ReviewEvery:  5,
				MaxParallel:  2,
				Active:       true,
			},
		},
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
