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
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// readinessProbe is appended to every session's system prompt so the
// initialization call produces a cheap, deterministic first exchange.
const readinessProbe = "Read the instructions above carefully. When you are ready to receive tasks, reply with the single word: READY"

// defaultSessionBudgetUSD caps total spend per runner when the
// configuration does not say otherwise.
const defaultSessionBudgetUSD = 5.0

// Config describes how to reach the assistant CLI.
type Config struct {
	// Binary is the assistant CLI executable. Defaults to "claude".
	Binary string

	// WorkDir is the working directory for spawned CLI processes,
	// normally the project the daemon serves.
	WorkDir string

	// Model overrides the CLI's default model when non-empty.
	Model string

	// MCPServerPath points at the knowledge-tool MCP server script.
	// When set, every invocation gets an --mcp-config exposing it.
	MCPServerPath string

	// PythonPath is the interpreter used to run MCPServerPath.
	// Defaults to "python3".
	PythonPath string

	// SessionBudgetUSD is the total spend allowed across all calls made
	// through this runner. Zero means the default; negative disables
	// the cap.
	SessionBudgetUSD float64

	// ExtraEnv entries (KEY=value) are appended to the subprocess
	// environment, e.g. credentials resolved from the OS keyring.
	ExtraEnv []string
}

// CLIRunner implements Invoker by shelling out to the assistant CLI in
// headless mode and reading its stream-json output. It is safe for
// concurrent use; the spend ledger is shared across all sessions made
// through the same runner.
type CLIRunner struct {
	cfg       Config
	logger    *zap.Logger
	mcpConfig string

	mu       sync.Mutex
	spentUSD float64
}

// NewCLIRunner creates a runner with defaults applied.
func NewCLIRunner(cfg Config, logger *zap.Logger) *CLIRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.PythonPath == "" {
		cfg.PythonPath = "python3"
	}
	if cfg.SessionBudgetUSD == 0 {
		cfg.SessionBudgetUSD = defaultSessionBudgetUSD
	}
	return &CLIRunner{
		cfg:       cfg,
		logger:    logger,
		mcpConfig: mcpConfigJSON(cfg.MCPServerPath, cfg.PythonPath),
	}
}

// InitSession starts a persistent CLI session for one role. The system
// prompt plus a readiness probe form the first message; the handle in
// the terminal result identifies the session for later Resume calls.
func (r *CLIRunner) InitSession(ctx context.Context, spec SessionSpec) (string, error) {
	if err := r.checkBudget(); err != nil {
		return "", err
	}

	message := spec.SystemPrompt + "\n\n" + readinessProbe
	res, err := r.invoke(ctx, "", message, spec.Tools, spec.MaxTurns)
	if err != nil {
		return "", fmt.Errorf("failed to initialize %s session: %w", spec.Role, err)
	}
	r.addSpend(res.CostUSD)

	if res.Handle == "" {
		return "", fmt.Errorf("failed to initialize %s session: no session id in result", spec.Role)
	}
	if res.Outcome != OutcomeSuccess {
		return "", fmt.Errorf("failed to initialize %s session: agent reported %s: %s", spec.Role, res.Outcome, firstLine(res.Text))
	}

	r.logger.Info("agent session initialized",
		zap.String("role", spec.Role),
		zap.String("handle", res.Handle),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int("num_turns", res.NumTurns))
	return res.Handle, nil
}

// Resume sends one message into an existing session and waits for the
// terminal result.
func (r *CLIRunner) Resume(ctx context.Context, handle, message string, spec CallSpec) (*Result, error) {
	if handle == "" {
		return nil, fmt.Errorf("cannot resume agent session: empty handle")
	}
	if err := r.checkBudget(); err != nil {
		return nil, err
	}

	res, err := r.invoke(ctx, handle, message, spec.Tools, spec.MaxTurns)
	if err != nil {
		return nil, err
	}
	r.addSpend(res.CostUSD)

	if spec.BudgetUSD > 0 && res.CostUSD > spec.BudgetUSD {
		r.logger.Warn("agent call exceeded its cost cap",
			zap.String("handle", handle),
			zap.Float64("cost_usd", res.CostUSD),
			zap.Float64("cap_usd", spec.BudgetUSD))
	}

	r.logger.Debug("agent call complete",
		zap.String("handle", res.Handle),
		zap.String("outcome", res.Outcome),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int("num_turns", res.NumTurns),
		zap.Int64("duration_ms", res.DurationMS))
	return res, nil
}

// SpentUSD reports the accumulated cost of all invocations so far.
func (r *CLIRunner) SpentUSD() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spentUSD
}

func (r *CLIRunner) checkBudget() error {
	if r.cfg.SessionBudgetUSD < 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spentUSD >= r.cfg.SessionBudgetUSD {
		return fmt.Errorf("%w: spent $%.4f of $%.2f", ErrBudgetExhausted, r.spentUSD, r.cfg.SessionBudgetUSD)
	}
	return nil
}

func (r *CLIRunner) addSpend(cost float64) {
	r.mu.Lock()
	r.spentUSD += cost
	r.mu.Unlock()
}

// invoke runs one headless CLI process: message on stdin, stream-json
// on stdout, terminal result parsed out of the stream.
func (r *CLIRunner) invoke(ctx context.Context, resumeHandle, message string, tools []string, maxTurns int) (*Result, error) {
	args := buildArgs(resumeHandle, r.cfg.Model, maxTurns, tools, r.mcpConfig)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Stdin = strings.NewReader(message)
	cmd.Env = subprocessEnv(r.cfg.ExtraEnv)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent CLI %s: %w", r.cfg.Binary, err)
	}

	res, parseErr := parseStream(ctx, stdout)
	waitErr := cmd.Wait()

	if parseErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent invocation failed: %w (stderr: %s)", parseErr, stderrTail(stderr.Bytes()))
	}
	if waitErr != nil {
		// The CLI exits non-zero for error results it already reported
		// in the stream, so the parsed result stays authoritative.
		r.logger.Warn("agent CLI exited with error after emitting a result",
			zap.Error(waitErr),
			zap.String("outcome", res.Outcome))
	}
	return res, nil
}

// buildArgs assembles the headless CLI argument list. The prompt itself
// travels on stdin so argv never carries transcript-sized payloads.
func buildArgs(resumeHandle, model string, maxTurns int, tools []string, mcpConfig string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resumeHandle != "" {
		args = append(args, "--resume", resumeHandle)
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if mcpConfig != "" {
		args = append(args, "--mcp-config", mcpConfig)
	}
	// Headless runs cannot answer permission prompts.
	args = append(args, "--dangerously-skip-permissions")
	return args
}

// mcpConfigJSON renders the inline MCP configuration exposing the
// knowledge-tool server to the spawned CLI. Empty when no server is
// configured.
func mcpConfigJSON(serverPath, pythonPath string) string {
	if serverPath == "" {
		return ""
	}
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"engram": map[string]any{
				"command": pythonPath,
				"args":    []string{serverPath},
			},
		},
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	return string(b)
}

// subprocessEnv builds the child environment. The daemon is itself
// spawned from inside an assistant session; the CLI refuses to start
// when it sees its own session markers, so those are stripped before
// the extras are appended.
func subprocessEnv(extra []string) []string {
	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "CLAUDE_CODE_ENTRYPOINT=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, extra...)
}

// stderrTail keeps error messages bounded when the CLI dumps a large
// trace before dying.
func stderrTail(b []byte) string {
	const max = 512
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	if s == "" {
		s = "(empty)"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
