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
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Enqueue appends a message to the cognitive inbox with status pending.
// payload is marshalled to JSON. In production the hooks are the producers;
// this method exists for tooling and tests that simulate them.
func (g *Gateway) Enqueue(ctx context.Context, sessionID, kind string, payload any) (int64, error) {
	if g.closed.Load() {
		return 0, fmt.Errorf("queue gateway is closed")
	}
	if sessionID == "" {
		return 0, fmt.Errorf("session ID cannot be empty")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.db.ExecContext(ctx, `
		INSERT INTO cognitive_inbox (session_id, message_type, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, kind, string(payloadJSON), StatusPending, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}

	g.logger.Debug("message enqueued",
		zap.Int64("message_id", id),
		zap.String("session_id", sessionID),
		zap.String("kind", kind))

	return id, nil
}

// ClaimPending atomically claims up to limit pending messages for a session,
// oldest first, flipping each to processing. A row is returned only if this
// call performed the flip, so two claimants can never both own the same row.
func (g *Gateway) ClaimPending(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("queue gateway is closed")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session ID cannot be empty")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, message_type, payload, created_at
		FROM cognitive_inbox
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, sessionID, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending messages: %w", err)
	}

	var candidates []*Message
	for rows.Next() {
		var msg Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Kind, &msg.Payload, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msg.SessionID = sessionID
		msg.Status = StatusProcessing
		msg.CreatedAt = time.UnixMilli(createdAt)
		candidates = append(candidates, &msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate pending messages: %w", err)
	}
	rows.Close()

	// Flip each candidate, keeping only rows this transaction actually won.
	// The status predicate makes the flip idempotent against racing claims.
	claimed := make([]*Message, 0, len(candidates))
	for _, msg := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE cognitive_inbox SET status = ? WHERE id = ? AND status = ?
		`, StatusProcessing, msg.ID, StatusPending)
		if err != nil {
			return nil, fmt.Errorf("failed to claim message %d: %w", msg.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if affected == 1 {
			claimed = append(claimed, msg)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	if len(claimed) > 0 {
		g.logger.Debug("claimed pending messages",
			zap.String("session_id", sessionID),
			zap.Int("count", len(claimed)))
	}

	return claimed, nil
}

// MarkCompleted flips a claimed message to its terminal completed state.
func (g *Gateway) MarkCompleted(ctx context.Context, id int64) error {
	return g.setMessageStatus(ctx, id, StatusCompleted)
}

// MarkFailed flips a claimed message to its terminal failed state.
func (g *Gateway) MarkFailed(ctx context.Context, id int64) error {
	return g.setMessageStatus(ctx, id, StatusFailed)
}

// ReleaseToPending returns a claimed message to the queue for a later poll.
// Used when the Learner is busy; the work is deferrable and must not be lost.
func (g *Gateway) ReleaseToPending(ctx context.Context, id int64) error {
	return g.setMessageStatus(ctx, id, StatusPending)
}

func (g *Gateway) setMessageStatus(ctx context.Context, id int64, status string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		UPDATE cognitive_inbox SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set message %d to %s: %w", id, status, err)
	}
	return nil
}

// SweepInFlight marks every non-terminal message for the session as failed.
// Called on shutdown so no row is left pending or processing for a daemon
// that no longer exists. Returns the number of rows swept.
func (g *Gateway) SweepInFlight(ctx context.Context, sessionID string) (int64, error) {
	if g.closed.Load() {
		return 0, fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.db.ExecContext(ctx, `
		UPDATE cognitive_inbox SET status = ?
		WHERE session_id = ? AND status IN (?, ?)
	`, StatusFailed, sessionID, StatusPending, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep in-flight messages: %w", err)
	}

	swept, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if swept > 0 {
		g.logger.Info("swept in-flight messages to failed",
			zap.String("session_id", sessionID),
			zap.Int64("count", swept))
	}

	return swept, nil
}

// MessageStatus reports the current inbox status of one message.
func (g *Gateway) MessageStatus(ctx context.Context, id int64) (string, error) {
	if g.closed.Load() {
		return "", fmt.Errorf("queue gateway is closed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var status string
	err := g.db.QueryRowContext(ctx, `
		SELECT status FROM cognitive_inbox WHERE id = ?
	`, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("failed to look up message %d: %w", id, err)
	}
	return status, nil
}
