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

// Package agent drives the external assistant CLI that hosts the
// retriever, learner, and compactor roles. Each role runs as a
// persistent CLI session: InitSession creates it and returns a resume
// handle, Resume sends one message into it and blocks until the
// terminal result arrives on the CLI's stream-json output.
package agent

import (
	"context"
	"errors"
)

// Role names for the persistent sessions the daemon maintains.
const (
	RoleRetriever = "retriever"
	RoleLearner   = "learner"
	RoleCompactor = "compactor"
)

// Outcome classifies how an invocation ended.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// ErrBudgetExhausted is returned by Resume once accumulated cost for
// this runner reaches the configured session budget. Callers treat it
// as a terminal condition for the role, not a transient failure.
var ErrBudgetExhausted = errors.New("agent session budget exhausted")

// SessionSpec describes a fresh persistent session for one role.
type SessionSpec struct {
	// Role is recorded in logs and usage rows (retriever, learner, compactor).
	Role string

	// SystemPrompt is sent as the first message of the session,
	// concatenated with a fixed readiness probe.
	SystemPrompt string

	// Tools is the allowlist passed to the CLI for this session.
	Tools []string

	// MaxTurns bounds the agentic loop during initialization.
	MaxTurns int
}

// CallSpec bounds a single resumed invocation.
type CallSpec struct {
	// Tools is the allowlist for this call. Empty means inherit the
	// CLI default, which for our prompts means no tool access.
	Tools []string

	// MaxTurns bounds the agentic loop for this call.
	MaxTurns int

	// BudgetUSD is the advisory per-call cost cap. The CLI reports
	// actual cost in its result; calls that exceed this are logged.
	BudgetUSD float64
}

// Result is the terminal reply of one invocation.
type Result struct {
	// Outcome is OutcomeSuccess or OutcomeError.
	Outcome string

	// Text is the assistant's final text. Empty when the run produced
	// no usable output.
	Text string

	// CostUSD is the total cost the CLI reported for the invocation.
	CostUSD float64

	// Handle identifies the underlying CLI session; passing it to
	// Resume continues the same conversation.
	Handle string

	// NumTurns is how many agentic turns the invocation consumed.
	NumTurns int

	// DurationMS is the wall-clock duration the CLI reported.
	DurationMS int64
}

// Invoker is the surface the workers program against. The production
// implementation shells out to the assistant CLI; tests substitute
// in-process fakes.
type Invoker interface {
	// InitSession starts a persistent session and returns its resume handle.
	InitSession(ctx context.Context, spec SessionSpec) (string, error)

	// Resume sends one message into an existing session and waits for
	// the terminal result. A nil error with Outcome == OutcomeError
	// means the CLI ran but the agent failed; a non-nil error means
	// the invocation itself could not complete.
	Resume(ctx context.Context, handle, message string, spec CallSpec) (*Result, error)
}
