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

// Orchestrator lifecycle states. One row per session id; at most one row is
// ever in starting or running. External actors drive shutdown by setting
// status to stopping.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
	StateCrashed  = "crashed"
)

// OrchestratorState mirrors the per-session daemon liveness row.
type OrchestratorState struct {
	SessionID          string
	PID                int
	Status             string
	RetrieverEnabled   bool
	LearnerEnabled     bool
	RetrieverSessionID string
	LearnerSessionID   string
	StartedAt          time.Time
	LastHeartbeatAt    time.Time
	StoppedAt          time.Time
	ErrorMessage       string
}

// UpsertStateStart registers this daemon instance as starting, resetting any
// leftover stopped-at and error from a previous run of the same session.
func (g *Gateway) UpsertStateStart(ctx context.Context, sessionID string, pid int, retrieverOn, learnerOn bool) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	now := time.Now().UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO orchestrator_state (session_id, pid, status, retriever_enabled, learner_enabled, started_at, last_heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			retriever_enabled = excluded.retriever_enabled,
			learner_enabled = excluded.learner_enabled,
			retriever_session_id = NULL,
			learner_session_id = NULL,
			started_at = excluded.started_at,
			last_heartbeat_at = excluded.last_heartbeat_at,
			stopped_at = NULL,
			error_message = NULL
	`, sessionID, pid, StateStarting, boolToInt(retrieverOn), boolToInt(learnerOn), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert orchestrator state: %w", err)
	}

	g.logger.Info("orchestrator state registered",
		zap.String("session_id", sessionID),
		zap.Int("pid", pid),
		zap.Bool("retriever", retrieverOn),
		zap.Bool("learner", learnerOn))

	return nil
}

// UpdateStateRunning transitions the state row to running and records the
// per-role agent session handles obtained during initialization.
func (g *Gateway) UpdateStateRunning(ctx context.Context, sessionID, retrieverHandle, learnerHandle string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET status = ?, retriever_session_id = ?, learner_session_id = ?, last_heartbeat_at = ?
		WHERE session_id = ?
	`, StateRunning, nullable(retrieverHandle), nullable(learnerHandle), time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark orchestrator running: %w", err)
	}
	return nil
}

// TouchHeartbeat refreshes last_heartbeat_at. Liveness checks treat a row as
// alive only while the heartbeat is fresh.
func (g *Gateway) TouchHeartbeat(ctx context.Context, sessionID string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		UPDATE orchestrator_state SET last_heartbeat_at = ? WHERE session_id = ?
	`, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	return nil
}

// MarkStopping requests shutdown. Also usable by external tooling against a
// daemon it does not own; the daemon notices on its next poll.
func (g *Gateway) MarkStopping(ctx context.Context, sessionID string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		UPDATE orchestrator_state SET status = ? WHERE session_id = ?
	`, StateStopping, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark orchestrator stopping: %w", err)
	}
	return nil
}

// MarkStopped records a clean teardown with a stopped-at timestamp.
func (g *Gateway) MarkStopped(ctx context.Context, sessionID string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		UPDATE orchestrator_state SET status = ?, stopped_at = ? WHERE session_id = ?
	`, StateStopped, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark orchestrator stopped: %w", err)
	}
	return nil
}

// MarkCrashed records a fatal error on the state row.
func (g *Gateway) MarkCrashed(ctx context.Context, sessionID, errMsg string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		UPDATE orchestrator_state SET status = ?, stopped_at = ?, error_message = ? WHERE session_id = ?
	`, StateCrashed, time.Now().UnixMilli(), errMsg, sessionID)
	if err != nil {
		return fmt.Errorf("failed to mark orchestrator crashed: %w", err)
	}
	return nil
}

// LookupStatus returns the current status of the session's state row, or
// empty string when no row exists.
func (g *Gateway) LookupStatus(ctx context.Context, sessionID string) (string, error) {
	if g.closed.Load() {
		return "", fmt.Errorf("queue gateway is closed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var status string
	err := g.db.QueryRowContext(ctx, `
		SELECT status FROM orchestrator_state WHERE session_id = ?
	`, sessionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up orchestrator status: %w", err)
	}
	return status, nil
}

// LookupState returns the full state row, or nil when no row exists.
func (g *Gateway) LookupState(ctx context.Context, sessionID string) (*OrchestratorState, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("queue gateway is closed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var st OrchestratorState
	var retrieverEnabled, learnerEnabled int
	var retrieverHandle, learnerHandle, errMsg sql.NullString
	var startedAt int64
	var heartbeatAt, stoppedAt sql.NullInt64

	err := g.db.QueryRowContext(ctx, `
		SELECT session_id, pid, status, retriever_enabled, learner_enabled,
		       retriever_session_id, learner_session_id,
		       started_at, last_heartbeat_at, stopped_at, error_message
		FROM orchestrator_state WHERE session_id = ?
	`, sessionID).Scan(
		&st.SessionID, &st.PID, &st.Status, &retrieverEnabled, &learnerEnabled,
		&retrieverHandle, &learnerHandle,
		&startedAt, &heartbeatAt, &stoppedAt, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up orchestrator state: %w", err)
	}

	st.RetrieverEnabled = retrieverEnabled != 0
	st.LearnerEnabled = learnerEnabled != 0
	st.RetrieverSessionID = retrieverHandle.String
	st.LearnerSessionID = learnerHandle.String
	st.StartedAt = time.UnixMilli(startedAt)
	if heartbeatAt.Valid {
		st.LastHeartbeatAt = time.UnixMilli(heartbeatAt.Int64)
	}
	if stoppedAt.Valid {
		st.StoppedAt = time.UnixMilli(stoppedAt.Int64)
	}
	st.ErrorMessage = errMsg.String

	return &st, nil
}

// ReapStale flips rows stuck in starting or running with a heartbeat older
// than liveness to crashed. A later daemon instance calls this on startup so
// dead predecessors never look alive to external tooling.
func (g *Gateway) ReapStale(ctx context.Context, liveness time.Duration) (int64, error) {
	if g.closed.Load() {
		return 0, fmt.Errorf("queue gateway is closed")
	}

	cutoff := time.Now().Add(-liveness).UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.db.ExecContext(ctx, `
		UPDATE orchestrator_state
		SET status = ?, stopped_at = ?, error_message = ?
		WHERE status IN (?, ?) AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
	`, StateCrashed, time.Now().UnixMilli(), "heartbeat stale, reaped by a later instance",
		StateStarting, StateRunning, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reap stale state rows: %w", err)
	}

	reaped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if reaped > 0 {
		g.logger.Info("reaped stale orchestrator rows", zap.Int64("count", reaped))
	}

	return reaped, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
