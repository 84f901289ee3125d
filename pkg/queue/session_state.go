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
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionState is one versioned compaction document. Versions per session
// are contiguous starting at 1; the latest row is the current state.
type SessionState struct {
	ID            int64
	SessionID     string
	ProjectSlug   string
	StateText     string
	RawTailPath   string
	TokenEstimate int
	Version       int
	CreatedAt     time.Time
}

// LatestSessionState returns the highest-version state row for a session,
// or nil when the session has never been compacted.
func (g *Gateway) LatestSessionState(ctx context.Context, sessionID string) (*SessionState, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("queue gateway is closed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var st SessionState
	var tailPath sql.NullString
	var createdAt int64

	err := g.db.QueryRowContext(ctx, `
		SELECT id, session_id, project_slug, state_text, raw_tail_path, token_estimate, version, created_at
		FROM session_state
		WHERE session_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, sessionID).Scan(&st.ID, &st.SessionID, &st.ProjectSlug, &st.StateText,
		&tailPath, &st.TokenEstimate, &st.Version, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest session state: %w", err)
	}

	st.RawTailPath = tailPath.String
	st.CreatedAt = time.UnixMilli(createdAt)

	return &st, nil
}

// InsertSessionState appends a new state document at version previous+1 and
// returns the assigned version. The version column's uniqueness constraint
// rejects a duplicate insert if two writers ever race.
func (g *Gateway) InsertSessionState(ctx context.Context, sessionID, projectSlug, stateText, rawTailPath string, tokenEstimate int) (int, error) {
	if g.closed.Load() {
		return 0, fmt.Errorf("queue gateway is closed")
	}
	if sessionID == "" {
		return 0, fmt.Errorf("session ID cannot be empty")
	}
	if stateText == "" {
		return 0, fmt.Errorf("state text cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin state transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM session_state WHERE session_id = ?
	`, sessionID).Scan(&prev)
	if err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}

	version := int(prev.Int64) + 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO session_state (session_id, project_slug, state_text, raw_tail_path, token_estimate, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sessionID, projectSlug, stateText, nullable(rawTailPath), tokenEstimate, version, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert session state v%d: %w", version, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit state transaction: %w", err)
	}

	g.logger.Info("session state saved",
		zap.String("session_id", sessionID),
		zap.Int("version", version),
		zap.Int("state_chars", len(stateText)),
		zap.Int("token_estimate", tokenEstimate))

	return version, nil
}

// RecordUsage accumulates one agent invocation's cost into the per-agent
// usage row. Budgets are stored alongside so usage reporting can show
// remaining headroom without consulting daemon config.
func (g *Gateway) RecordUsage(ctx context.Context, sessionID, agentName string, costUSD, budgetPerCall, budgetSession float64, status string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO agent_usage (session_id, agent_name, invocation_count, total_cost_usd, last_cost_usd, budget_per_call, budget_session, status, last_invoked_at)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, agent_name) DO UPDATE SET
			invocation_count = invocation_count + 1,
			total_cost_usd = total_cost_usd + excluded.total_cost_usd,
			last_cost_usd = excluded.last_cost_usd,
			budget_per_call = excluded.budget_per_call,
			budget_session = excluded.budget_session,
			status = excluded.status,
			last_invoked_at = excluded.last_invoked_at
	`, sessionID, agentName, costUSD, costUSD, budgetPerCall, budgetSession, status, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record agent usage: %w", err)
	}
	return nil
}

// SessionSpend sums the accumulated cost across all agents of a session.
func (g *Gateway) SessionSpend(ctx context.Context, sessionID string) (float64, error) {
	if g.closed.Load() {
		return 0, fmt.Errorf("queue gateway is closed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var total sql.NullFloat64
	err := g.db.QueryRowContext(ctx, `
		SELECT SUM(total_cost_usd) FROM agent_usage WHERE session_id = ?
	`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum session spend: %w", err)
	}
	return total.Float64, nil
}
