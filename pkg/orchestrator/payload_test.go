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
package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/engram/pkg/queue"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		payload string
		wantErr bool
	}{
		{"valid prompt", queue.KindPromptContext, `{"prompt":"how?","prompt_hash":"abc123","timestamp":1724500000}`, false},
		{"prompt missing hash", queue.KindPromptContext, `{"prompt":"how?"}`, true},
		{"prompt empty prompt", queue.KindPromptContext, `{"prompt":"","prompt_hash":"abc"}`, true},
		{"valid tool use", queue.KindToolUse, `{"tool_name":"Bash","tool_input":"mvn compile","tool_response":{"ok":true}}`, false},
		{"tool use missing name", queue.KindToolUse, `{"tool_input":"x"}`, true},
		{"valid session end", queue.KindSessionEvent, `{"event":"session_end"}`, false},
		{"valid compactor trigger event", queue.KindSessionEvent, `{"event":"compactor_trigger"}`, false},
		{"unknown event", queue.KindSessionEvent, `{"event":"reboot"}`, true},
		{"valid learn trigger", queue.KindLearnTrigger, `{"instruction":"remember the port is 8443"}`, false},
		{"learn trigger empty", queue.KindLearnTrigger, `{"instruction":""}`, true},
		{"legacy compactor trigger", queue.KindCompactorTrigger, `{}`, false},
		{"unknown kind", "telemetry", `{}`, true},
		{"not an object", queue.KindPromptContext, `"just a string"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validatePayload(tt.kind, []byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodePrompt(t *testing.T) {
	p, err := decodePrompt([]byte(`{"prompt":"how do I configure X?","prompt_hash":"abc123","timestamp":1724500000.5}`))
	require.NoError(t, err)
	assert.Equal(t, "how do I configure X?", p.Prompt)
	assert.Equal(t, "abc123", p.PromptHash)
	assert.InDelta(t, 1724500000.5, p.Timestamp, 1e-6)
}

func TestDecodeToolUseArbitraryJSON(t *testing.T) {
	p, err := decodeToolUse([]byte(`{"tool_name":"Bash","tool_input":{"command":"ls"},"tool_response":"ok"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bash", p.ToolName)
	assert.JSONEq(t, `{"command":"ls"}`, string(p.ToolInput))
	assert.Equal(t, "ok", rawJSONText(p.ToolResponse))
	assert.Equal(t, "(none)", rawJSONText(nil))
}

func TestIsSkipReply(t *testing.T) {
	assert.True(t, isSkipReply(""))
	assert.True(t, isSkipReply("   \n"))
	assert.True(t, isSkipReply("SKIP"))
	assert.True(t, isSkipReply("  skip  "))
	assert.True(t, isSkipReply("short"))
	assert.False(t, isSkipReply("== relevant knowledge about the build system =="))
}

func TestBuildLearnerMessageTruncates(t *testing.T) {
	long := strings.Repeat("y", learnerTruncateChars+1000)
	msg := buildLearnerMessage("Bash", long, "out")
	assert.Contains(t, msg, "Tool: Bash")
	assert.NotContains(t, msg, long)
	assert.Contains(t, msg, strings.Repeat("y", learnerTruncateChars))
}
