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

// Package queue provides the typed SQLite surface shared between the daemon
// and the hooks of the interactive session: the cognitive inbox the hooks
// write into, the retrieval inbox the daemon answers on, the per-session
// orchestrator state row, versioned session-state documents, and per-agent
// usage accounting.
//
// All timestamp columns store Unix epoch milliseconds. Producers and
// consumers outside this process must read and write the same unit.
package queue

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	_ "github.com/teradata-labs/engram/internal/sqlitedriver"
)

// Message kinds accepted on the cognitive inbox. Hooks and MCP tools are the
// producers; the daemon is the only consumer for its session id.
const (
	KindPromptContext    = "prompt_context"
	KindToolUse          = "tool_use"
	KindSessionEvent     = "session_event"
	KindLearnTrigger     = "learn_trigger"
	KindCompactorTrigger = "compactor_trigger"
)

// Cognitive inbox statuses. Transitions are monotone
// pending -> processing -> {completed, failed}, except for the
// release-to-pending reversal used when the Learner is busy.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Retrieval result classification.
const (
	ContextMemoryResults = "memory-results"
	ContextNone          = "none"
)

// RetrievalTTL is how long a retrieval row stays readable before consumers
// must treat it as absent.
const RetrievalTTL = 60 * time.Second

// Message is one work item claimed from the cognitive inbox.
type Message struct {
	ID        int64
	SessionID string
	Kind      string
	Payload   []byte // raw JSON object as written by the producer
	Status    string
	CreatedAt time.Time
}

// Gateway is the single DB handle owned by a daemon instance.
// All operations are safe for concurrent use.
type Gateway struct {
	mu sync.RWMutex

	db     *sql.DB
	dbPath string

	logger *zap.Logger

	// Lifecycle
	closed atomic.Bool
}

// New opens (creating if necessary) the queue database at dbPath.
func New(dbPath string, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Open SQLite database
	// Add pragmas for better concurrency:
	// - busy_timeout: Wait up to 5s if database is locked
	// - journal_mode=WAL: Write-Ahead Logging for concurrent reads/writes
	dbURL := dbPath
	if dbPath == ":memory:" {
		// For in-memory databases with shared cache, use file URI format
		// This allows multiple connections to share the same in-memory database
		dbURL = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool parameters for better concurrency
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	// Enable WAL mode for better concurrent access (for file-based databases)
	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			logger.Warn("Failed to enable WAL mode", zap.Error(err))
			// Continue anyway - not critical
		}
	}

	// Set busy timeout for all connections
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		logger.Warn("Failed to set busy timeout", zap.Error(err))
		// Continue anyway - not critical
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Gateway{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS cognitive_inbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	message_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cognitive_claim ON cognitive_inbox(session_id, status, created_at);

CREATE TABLE IF NOT EXISTS retrieval_inbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	prompt_hash TEXT NOT NULL,
	context_type TEXT NOT NULL,
	context_text TEXT,
	relevance_score REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	delivered_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_retrieval_lookup ON retrieval_inbox(session_id, prompt_hash, status);
CREATE INDEX IF NOT EXISTS idx_retrieval_expires ON retrieval_inbox(expires_at);

CREATE TABLE IF NOT EXISTS orchestrator_state (
	session_id TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	status TEXT NOT NULL,
	retriever_enabled INTEGER NOT NULL DEFAULT 1,
	learner_enabled INTEGER NOT NULL DEFAULT 1,
	retriever_session_id TEXT,
	learner_session_id TEXT,
	started_at INTEGER NOT NULL,
	last_heartbeat_at INTEGER,
	stopped_at INTEGER,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS session_state (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	project_slug TEXT NOT NULL DEFAULT '',
	state_text TEXT NOT NULL,
	raw_tail_path TEXT,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, version)
);

CREATE INDEX IF NOT EXISTS idx_session_state_latest ON session_state(session_id, version DESC);

CREATE TABLE IF NOT EXISTS agent_usage (
	session_id TEXT NOT NULL,
	agent_name TEXT NOT NULL,
	invocation_count INTEGER NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	last_cost_usd REAL NOT NULL DEFAULT 0,
	budget_per_call REAL NOT NULL DEFAULT 0,
	budget_session REAL NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'idle',
	last_invoked_at INTEGER,
	PRIMARY KEY (session_id, agent_name)
);
`

// Close closes the database connection. Safe to call more than once.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}

	g.logger.Debug("queue gateway closing", zap.String("db_path", g.dbPath))

	if g.db != nil {
		return g.db.Close()
	}

	return nil
}
