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
	"testing"

	"github.com/stretchr/testify/assert"
)

func validTestConfig() Config {
	return Config{
		Session: SessionConfig{ID: "sess-1"},
		Roles:   RolesConfig{Retriever: "on", Learner: "on", Compactor: "off"},
		Agent: AgentConfig{
			Binary:           "claude",
			PythonPath:       "python3",
			SessionBudgetUSD: 5.0,
		},
		Database: DatabaseConfig{Path: "/tmp/engram.db"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := validTestConfig()
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidateMissingSessionID(t *testing.T) {
	cfg := validTestConfig()
	cfg.Session.ID = ""
	err := cfg.Validate()
	assert.ErrorContains(t, err, "session id")
}

func TestConfigValidateBadRoleValue(t *testing.T) {
	cfg := validTestConfig()
	cfg.Roles.Learner = "maybe"
	err := cfg.Validate()
	assert.ErrorContains(t, err, "learner")
}

func TestConfigValidateEmptyDBPath(t *testing.T) {
	cfg := validTestConfig()
	cfg.Database.Path = ""
	err := cfg.Validate()
	assert.ErrorContains(t, err, "database path")
}

func TestConfigValidateNegativeCompactSize(t *testing.T) {
	cfg := validTestConfig()
	cfg.Session.LastCompactSize = -1
	err := cfg.Validate()
	assert.ErrorContains(t, err, "last-compact-size")
}

func TestRoleEnabled(t *testing.T) {
	assert.True(t, RoleEnabled("on"))
	assert.False(t, RoleEnabled("off"))
}

func TestResolveAPIKeyPrefersConfig(t *testing.T) {
	cfg := validTestConfig()
	cfg.Agent.APIKey = "sk-from-config"
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	assert.Equal(t, "sk-from-config", cfg.ResolveAPIKey())
}

func TestResolveAPIKeyFallsBackToEnv(t *testing.T) {
	cfg := validTestConfig()
	t.Setenv("ANTHROPIC_API_KEY", "sk-from-env")
	assert.Equal(t, "sk-from-env", cfg.ResolveAPIKey())
}
