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
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetrievalResult is the daemon's reply to one prompt message. The prompt
// hook polls the retrieval inbox for a row matching its fingerprint.
type RetrievalResult struct {
	ID             int64
	SessionID      string
	PromptHash     string
	ContextType    string
	ContextText    string
	RelevanceScore float64
	Status         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// WriteRetrieval writes exactly one retrieval row for a prompt fingerprint.
// Relevance is 0.8 when text is non-empty, 0.0 otherwise; empty text is
// stored as NULL. The row expires RetrievalTTL after creation.
func (g *Gateway) WriteRetrieval(ctx context.Context, sessionID, promptHash, contextType, text string) error {
	if g.closed.Load() {
		return fmt.Errorf("queue gateway is closed")
	}
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	relevance := 0.0
	contextText := sql.NullString{}
	if text != "" {
		relevance = 0.8
		contextText = sql.NullString{String: text, Valid: true}
	}

	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO retrieval_inbox (session_id, prompt_hash, context_type, context_text, relevance_score, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionID, promptHash, contextType, contextText, relevance,
		StatusPending, now.UnixMilli(), now.Add(RetrievalTTL).UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write retrieval result: %w", err)
	}

	g.logger.Debug("retrieval result written",
		zap.String("session_id", sessionID),
		zap.String("prompt_hash", promptHash),
		zap.String("context_type", contextType),
		zap.Float64("relevance", relevance))

	return nil
}

// PurgeExpiredRetrievals deletes retrieval rows past their expiry so the
// inbox never accumulates stale context. Returns the number deleted.
func (g *Gateway) PurgeExpiredRetrievals(ctx context.Context) (int64, error) {
	if g.closed.Load() {
		return 0, fmt.Errorf("queue gateway is closed")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	res, err := g.db.ExecContext(ctx, `
		DELETE FROM retrieval_inbox WHERE expires_at < ?
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired retrievals: %w", err)
	}

	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if purged > 0 {
		g.logger.Debug("purged expired retrieval rows", zap.Int64("count", purged))
	}

	return purged, nil
}

// RetrievalsForPrompt returns the undelivered rows written for one prompt
// fingerprint, oldest first. This mirrors what the prompt hook polls for and
// backs diagnostics and tests.
func (g *Gateway) RetrievalsForPrompt(ctx context.Context, sessionID, promptHash string) ([]*RetrievalResult, error) {
	if g.closed.Load() {
		return nil, fmt.Errorf("queue gateway is closed")
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	rows, err := g.db.QueryContext(ctx, `
		SELECT id, context_type, context_text, relevance_score, status, created_at, expires_at
		FROM retrieval_inbox
		WHERE session_id = ? AND prompt_hash = ? AND status = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID, promptHash, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query retrieval rows: %w", err)
	}
	defer rows.Close()

	var results []*RetrievalResult
	for rows.Next() {
		var r RetrievalResult
		var text sql.NullString
		var createdAt, expiresAt int64
		if err := rows.Scan(&r.ID, &r.ContextType, &text, &r.RelevanceScore, &r.Status, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan retrieval row: %w", err)
		}
		r.SessionID = sessionID
		r.PromptHash = promptHash
		if text.Valid {
			r.ContextText = text.String
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		r.ExpiresAt = time.UnixMilli(expiresAt)
		results = append(results, &r)
	}

	return results, rows.Err()
}
