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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/queue"
)

const (
	// compactThresholdTokens is how many new estimated tokens must
	// accumulate before a compaction runs.
	compactThresholdTokens = 20000

	// transcriptBytesPerToken converts transcript file size to a crude
	// cumulative token estimate for the trigger rule.
	transcriptBytesPerToken = 6

	// minStateChars rejects degenerate agent output; anything shorter
	// is not a usable state document.
	minStateChars = 50

	// tailDirName is the directory next to the transcript where raw
	// tail snapshots are written.
	tailDirName = "compactor_tails"
)

// Compactor periodically distills the session transcript into a
// versioned state document so context survives a manual reset. It is
// timer-driven, not queue-driven, with its own single-flight slot; a
// compactor_trigger session event forces a run past the threshold.
type Compactor struct {
	sessionID        string
	projectSlug      string
	transcriptPath   string
	tailDir          string
	gateway          *queue.Gateway
	invoker          agent.Invoker
	logger           *zap.Logger
	counter          *TokenCounter
	budgetSessionUSD float64

	handle string
	busy   atomic.Bool
	wg     sync.WaitGroup

	lastCompactedTokens atomic.Int64
	missingOnce         sync.Once
}

func newCompactor(sessionID, projectSlug, transcriptPath string, lastCompactedTokens int64, gw *queue.Gateway, invoker agent.Invoker, budgetSessionUSD float64, logger *zap.Logger) *Compactor {
	c := &Compactor{
		sessionID:        sessionID,
		projectSlug:      projectSlug,
		transcriptPath:   transcriptPath,
		gateway:          gw,
		invoker:          invoker,
		logger:           logger.Named("compactor"),
		counter:          GetTokenCounter(),
		budgetSessionUSD: budgetSessionUSD,
	}
	if transcriptPath != "" {
		c.tailDir = filepath.Join(filepath.Dir(transcriptPath), tailDirName)
	}
	c.lastCompactedTokens.Store(lastCompactedTokens)
	return c
}

// Busy reports whether a compaction is currently in flight.
func (c *Compactor) Busy() bool {
	return c.busy.Load()
}

// Wait blocks until any in-flight compaction finishes.
func (c *Compactor) Wait() {
	c.wg.Wait()
}

// LastCompactedTokens exposes the trigger cursor.
func (c *Compactor) LastCompactedTokens() int64 {
	return c.lastCompactedTokens.Load()
}

// Check evaluates the trigger rule and starts a compaction when it
// fires. force bypasses the token threshold but not the busy flag.
// Without a transcript path the Compactor idles.
func (c *Compactor) Check(ctx context.Context, force bool) {
	if c.transcriptPath == "" {
		return
	}

	fi, err := os.Stat(c.transcriptPath)
	if err != nil {
		c.missingOnce.Do(func() {
			c.logger.Warn("transcript not readable, compactor idling",
				zap.String("path", c.transcriptPath),
				zap.Error(err))
		})
		return
	}

	estimate := fi.Size() / transcriptBytesPerToken
	if !force && estimate-c.lastCompactedTokens.Load() < compactThresholdTokens {
		return
	}

	if !c.busy.CompareAndSwap(false, true) {
		c.logger.Debug("compaction already running, skipping check")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.busy.Store(false)
		defer func() {
			if rec := recover(); rec != nil {
				c.logger.Error("compactor panicked",
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
			}
		}()
		c.run(ctx, estimate)
	}()
}

// run performs one compaction. On any failure the token cursor stays
// put so the next interval retries.
func (c *Compactor) run(ctx context.Context, estimate int64) {
	chunks, err := ExtractChunks(c.transcriptPath)
	if err != nil {
		c.logger.Error("failed to extract transcript", zap.Error(err))
		return
	}
	if len(chunks) == 0 {
		c.logger.Debug("no conversational content in transcript, idling")
		return
	}

	win := windowChunks(chunks, chunkWindowBudget)

	prev, err := c.gateway.LatestSessionState(ctx, c.sessionID)
	if err != nil {
		c.logger.Error("failed to load previous session state", zap.Error(err))
		return
	}

	var message string
	if prev != nil {
		message = buildCompactorUpdateMessage(prev.StateText, renderChunks(win))
	} else {
		message = buildCompactorInitialMessage(renderChunks(win))
	}

	res, err := c.invoker.Resume(ctx, c.handle, message, agent.CallSpec{
		MaxTurns:  compactorMaxTurns,
		BudgetUSD: perCallBudgetUSD,
	})
	recordAgentUsage(ctx, c.gateway, c.sessionID, agent.RoleCompactor, res, err, c.budgetSessionUSD, c.logger)

	if err != nil {
		c.logger.Error("compactor agent call failed", zap.Error(err))
		return
	}
	if res.Outcome != agent.OutcomeSuccess {
		c.logger.Warn("compactor agent reported error")
		return
	}

	stateText := strings.TrimSpace(res.Text)
	if len(stateText) < minStateChars {
		c.logger.Warn("compactor produced no usable state document",
			zap.Int("chars", len(stateText)))
		return
	}

	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	tailPath, err := c.writeTail(chunks, version)
	if err != nil {
		c.logger.Error("failed to write tail snapshot", zap.Error(err))
		return
	}

	tokenEstimate := c.counter.CountTokens(stateText)
	if _, err := c.gateway.InsertSessionState(ctx, c.sessionID, c.projectSlug, stateText, tailPath, tokenEstimate); err != nil {
		c.logger.Error("failed to insert session state", zap.Error(err))
		return
	}

	c.lastCompactedTokens.Store(estimate)
	c.logger.Info("session compacted",
		zap.Int("version", version),
		zap.Int("state_chars", len(stateText)),
		zap.Int("window_chunks", len(win)),
		zap.Int64("compacted_tokens", estimate))
}

// writeTail persists the raw second half of the extracted chunks next
// to the transcript, named per session and version.
func (c *Compactor) writeTail(chunks []Chunk, version int) (string, error) {
	if err := os.MkdirAll(c.tailDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create tail directory: %w", err)
	}

	path := filepath.Join(c.tailDir, fmt.Sprintf("%s_v%d.txt", c.sessionID, version))
	if err := os.WriteFile(path, []byte(tailSnapshot(chunks)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write tail file: %w", err)
	}
	return path, nil
}
