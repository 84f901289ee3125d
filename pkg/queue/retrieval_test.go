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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRetrievalWithContext(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	err := g.WriteRetrieval(ctx, "sess-1", "abc123", ContextMemoryResults, "=== MEMORY CONTEXT ===\nrelevant thing\n")
	require.NoError(t, err)

	results, err := g.RetrievalsForPrompt(ctx, "sess-1", "abc123")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, ContextMemoryResults, r.ContextType)
	assert.Contains(t, r.ContextText, "=== MEMORY CONTEXT ===")
	assert.Equal(t, 0.8, r.RelevanceScore)
	assert.Equal(t, StatusPending, r.Status)
	assert.WithinDuration(t, r.CreatedAt.Add(RetrievalTTL), r.ExpiresAt, time.Second)
}

func TestWriteRetrievalNone(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	err := g.WriteRetrieval(ctx, "sess-1", "def456", ContextNone, "")
	require.NoError(t, err)

	results, err := g.RetrievalsForPrompt(ctx, "sess-1", "def456")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, ContextNone, r.ContextType)
	assert.Empty(t, r.ContextText)
	assert.Equal(t, 0.0, r.RelevanceScore)

	// The stored column must be NULL, not empty string
	var isNull bool
	err = g.db.QueryRow("SELECT context_text IS NULL FROM retrieval_inbox WHERE id = ?", r.ID).Scan(&isNull)
	require.NoError(t, err)
	assert.True(t, isNull)
}

func TestPurgeExpiredRetrievals(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.WriteRetrieval(ctx, "sess-1", "fresh", ContextNone, ""))
	require.NoError(t, g.WriteRetrieval(ctx, "sess-1", "stale", ContextNone, ""))

	// Backdate the second row past its TTL
	_, err := g.db.Exec("UPDATE retrieval_inbox SET expires_at = ? WHERE prompt_hash = 'stale'",
		time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)

	purged, err := g.PurgeExpiredRetrievals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	results, err := g.RetrievalsForPrompt(ctx, "sess-1", "stale")
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = g.RetrievalsForPrompt(ctx, "sess-1", "fresh")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRetrievalTimestampColumnsAreUnixMillis(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	before := time.Now()
	require.NoError(t, g.WriteRetrieval(ctx, "sess-1", "ms", ContextNone, ""))

	// Raw columns hold millisecond epochs; hooks polling the inbox must
	// compare expiry in the same unit.
	var createdAt, expiresAt int64
	err := g.db.QueryRow("SELECT created_at, expires_at FROM retrieval_inbox WHERE prompt_hash = 'ms'").
		Scan(&createdAt, &expiresAt)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, createdAt, before.UnixMilli())
	assert.LessOrEqual(t, createdAt, time.Now().UnixMilli())
	assert.Equal(t, createdAt+RetrievalTTL.Milliseconds(), expiresAt)
}

func TestRetrievalsForPromptFiltersSession(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.WriteRetrieval(ctx, "sess-1", "shared", ContextMemoryResults, "mine"))
	require.NoError(t, g.WriteRetrieval(ctx, "sess-2", "shared", ContextMemoryResults, "theirs"))

	results, err := g.RetrievalsForPrompt(ctx, "sess-1", "shared")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mine", results[0].ContextText)
}
