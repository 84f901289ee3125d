// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/zalando/go-keyring"

	engramconfig "github.com/teradata-labs/engram/pkg/config"
)

const (
	// ServiceName for keyring storage
	ServiceName = "engram"
	// DefaultConfigFileName is the name of the config file
	DefaultConfigFileName = "engramd"
)

// Config holds all configuration for the daemon.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// DataDir is the Engram data directory (computed from the
	// ENGRAM_DATA_DIR env var or ~/.engram). Not loaded from the
	// config file.
	DataDir string `mapstructure:"-"`

	// Session identifies the interactive session this daemon serves.
	Session SessionConfig `mapstructure:"session"`

	// Roles enables or disables the three workers.
	Roles RolesConfig `mapstructure:"roles"`

	// Agent configures the assistant CLI the workers invoke.
	Agent AgentConfig `mapstructure:"agent"`

	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// SessionConfig describes the served session.
type SessionConfig struct {
	// ID is the opaque session identifier, required.
	ID string `mapstructure:"id"`

	// CWD is the working directory passed to the agent runtime.
	CWD string `mapstructure:"cwd"`

	// TranscriptPath is the transcript file the Compactor reads.
	// Empty means the Compactor idles.
	TranscriptPath string `mapstructure:"transcript_path"`

	// ProjectSlug tags session-state rows.
	ProjectSlug string `mapstructure:"project_slug"`

	// LastCompactSize seeds the Compactor's token cursor after a
	// context-reset handoff.
	LastCompactSize int64 `mapstructure:"last_compact_size"`
}

// RolesConfig carries the per-role on/off switches. Values are the
// literal strings "on" and "off" to match the hook invocation contract.
type RolesConfig struct {
	Retriever string `mapstructure:"retriever"`
	Learner   string `mapstructure:"learner"`
	Compactor string `mapstructure:"compactor"`
}

// AgentConfig configures the assistant CLI subprocess.
type AgentConfig struct {
	// Binary is the CLI executable (default "claude").
	Binary string `mapstructure:"binary"`

	// Model overrides the CLI's default model when non-empty.
	Model string `mapstructure:"model"`

	// MCPServer is the knowledge-tool MCP server script exposed to
	// every invocation.
	MCPServer string `mapstructure:"mcp_server"`

	// PythonPath runs MCPServer (default "python3").
	PythonPath string `mapstructure:"python_path"`

	// SessionBudgetUSD caps total spend across all roles.
	SessionBudgetUSD float64 `mapstructure:"session_budget_usd"`

	// APIKey for the spawned CLI; falls back to env and keyring.
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig holds the queue database location.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is a zap level name (debug, info, warn, error).
	Level string `mapstructure:"level"`

	// File redirects all output there when non-empty; a sidecar must
	// not write to the terminal it shares with the assistant.
	File string `mapstructure:"file"`
}

// LoadConfig reads configuration with the standard priority order.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(engramconfig.GetEngramDataDir())
		viper.AddConfigPath(".")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("ENGRAM")
	viper.AutomaticEnv()

	setDefaults()

	// A missing config file is fine; flags, env, and defaults carry.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DataDir = engramconfig.GetEngramDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("roles.retriever", "on")
	viper.SetDefault("roles.learner", "on")
	viper.SetDefault("roles.compactor", "on")

	viper.SetDefault("agent.binary", "claude")
	viper.SetDefault("agent.python_path", "python3")
	viper.SetDefault("agent.session_budget_usd", 5.0)

	viper.SetDefault("database.path", engramconfig.DefaultDBPath())

	viper.SetDefault("logging.level", "info")
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Session.ID == "" {
		return fmt.Errorf("session id is required (--session-id)")
	}
	for name, v := range map[string]string{
		"retriever": c.Roles.Retriever,
		"learner":   c.Roles.Learner,
		"compactor": c.Roles.Compactor,
	} {
		if v != "on" && v != "off" {
			return fmt.Errorf("invalid --%s value %q (want on or off)", name, v)
		}
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Session.LastCompactSize < 0 {
		return fmt.Errorf("last-compact-size cannot be negative")
	}
	return nil
}

// RoleEnabled interprets an on/off switch.
func RoleEnabled(v string) bool {
	return v != "off"
}

// ResolveAPIKey finds the API key for the spawned CLI: config value,
// then environment, then OS keyring. An empty result is not an error;
// the CLI may be authenticated through its own session.
func (c *Config) ResolveAPIKey() string {
	if c.Agent.APIKey != "" {
		return c.Agent.APIKey
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key
	}
	if key, err := keyring.Get(ServiceName, "anthropic_api_key"); err == nil && key != "" {
		return key
	}
	return ""
}
