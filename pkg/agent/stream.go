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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// maxStreamLineBytes caps a single stream-json line. Result lines carry
// the agent's full final text, which can be far larger than bufio's
// 64KB default token size.
const maxStreamLineBytes = 4 * 1024 * 1024

// streamEvent is one line of the CLI's stream-json output. Only the
// fields the daemon consumes are decoded; everything else is ignored.
type streamEvent struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	SessionID    string  `json:"session_id"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
	DurationMS   int64   `json:"duration_ms"`
}

// parseStream consumes the CLI's stream-json output until EOF and
// returns the terminal result event. Intermediate events (system init,
// assistant turns, tool progress) are skipped; malformed lines are
// skipped rather than failing the whole invocation. An error is
// returned when the stream ends without a terminal result.
func parseStream(ctx context.Context, r io.Reader) (*Result, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxStreamLineBytes)

	var (
		terminal  *streamEvent
		sessionID string
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Skip malformed lines; the CLI occasionally interleaves
			// diagnostics with the JSON stream.
			continue
		}

		// Every event carries the session id; remember the latest so a
		// stream that dies before the result still yields a handle.
		if event.SessionID != "" {
			sessionID = event.SessionID
		}

		if event.Type == "result" {
			ev := event
			terminal = &ev
		}

		// Check for cancellation between events.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading agent stream: %w", err)
	}

	if terminal == nil {
		return nil, fmt.Errorf("agent stream ended without a result event (session %q)", sessionID)
	}

	res := &Result{
		Outcome:    OutcomeSuccess,
		Text:       terminal.Result,
		CostUSD:    terminal.TotalCostUSD,
		Handle:     sessionID,
		NumTurns:   terminal.NumTurns,
		DurationMS: terminal.DurationMS,
	}
	if terminal.IsError || (terminal.Subtype != "" && terminal.Subtype != "success") {
		res.Outcome = OutcomeError
	}
	return res, nil
}
