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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/teradata-labs/engram/pkg/queue"
)

// Session event names carried by session_event messages.
const (
	EventSessionEnd       = "session_end"
	EventCompactorTrigger = "compactor_trigger"
)

// PromptPayload is the body of a prompt_context message written by the
// prompt-submit hook.
type PromptPayload struct {
	Prompt     string  `json:"prompt"`
	PromptHash string  `json:"prompt_hash"`
	Timestamp  float64 `json:"timestamp,omitempty"`
}

// ToolUsePayload is the body of a tool_use message written by the
// tool-use hook. Input and response are arbitrary JSON.
type ToolUsePayload struct {
	ToolName     string          `json:"tool_name"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`
}

// SessionEventPayload is the body of a session_event message.
type SessionEventPayload struct {
	Event string `json:"event"`
}

// LearnTriggerPayload is the body of a learn_trigger message: a free
// form instruction the user addressed at the Learner directly.
type LearnTriggerPayload struct {
	Instruction string `json:"instruction"`
}

// Hooks are written independently of the daemon, so claimed payloads
// are validated against these schemas before dispatch. A violation is
// a producer bug; the message is marked failed, never retried.
var payloadSchemas = map[string]*gojsonschema.Schema{}

func init() {
	raw := map[string]string{
		queue.KindPromptContext: `{
			"type": "object",
			"required": ["prompt", "prompt_hash"],
			"properties": {
				"prompt": {"type": "string", "minLength": 1},
				"prompt_hash": {"type": "string", "minLength": 1},
				"timestamp": {"type": "number"}
			}
		}`,
		queue.KindToolUse: `{
			"type": "object",
			"required": ["tool_name"],
			"properties": {
				"tool_name": {"type": "string", "minLength": 1}
			}
		}`,
		queue.KindSessionEvent: `{
			"type": "object",
			"required": ["event"],
			"properties": {
				"event": {"type": "string", "enum": ["session_end", "compactor_trigger"]}
			}
		}`,
		queue.KindLearnTrigger: `{
			"type": "object",
			"required": ["instruction"],
			"properties": {
				"instruction": {"type": "string", "minLength": 1}
			}
		}`,
		// Older hooks send compactor triggers as their own kind with an
		// empty body rather than as a session event.
		queue.KindCompactorTrigger: `{"type": "object"}`,
	}
	for kind, schema := range raw {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
		if err != nil {
			panic(fmt.Sprintf("invalid payload schema for %s: %v", kind, err))
		}
		payloadSchemas[kind] = compiled
	}
}

// validatePayload checks a claimed message body against the schema for
// its kind. Unknown kinds fail validation.
func validatePayload(kind string, payload []byte) error {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return fmt.Errorf("unknown message kind %q", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("failed to validate %s payload: %w", kind, err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid %s payload: %s", kind, strings.Join(problems, "; "))
	}
	return nil
}

func decodePrompt(payload []byte) (PromptPayload, error) {
	var p PromptPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode prompt payload: %w", err)
	}
	return p, nil
}

func decodeToolUse(payload []byte) (ToolUsePayload, error) {
	var p ToolUsePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode tool_use payload: %w", err)
	}
	return p, nil
}

func decodeSessionEvent(payload []byte) (SessionEventPayload, error) {
	var p SessionEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode session_event payload: %w", err)
	}
	return p, nil
}

func decodeLearnTrigger(payload []byte) (LearnTriggerPayload, error) {
	var p LearnTriggerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode learn_trigger payload: %w", err)
	}
	return p, nil
}
