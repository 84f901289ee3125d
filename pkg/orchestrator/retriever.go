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
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/queue"
)

// Retriever answers prompt_context messages with context retrieved
// from the knowledge base. It is a single-slot worker: while one
// prompt is in flight, further prompts are busy-skipped with an
// immediate none result so the waiting hook never hangs.
type Retriever struct {
	sessionID        string
	gateway          *queue.Gateway
	invoker          agent.Invoker
	window           *Window
	logger           *zap.Logger
	budgetSessionUSD float64

	handle string
	busy   atomic.Bool
	wg     sync.WaitGroup
}

func newRetriever(sessionID string, gw *queue.Gateway, invoker agent.Invoker, window *Window, budgetSessionUSD float64, logger *zap.Logger) *Retriever {
	return &Retriever{
		sessionID:        sessionID,
		gateway:          gw,
		invoker:          invoker,
		window:           window,
		logger:           logger.Named("retriever"),
		budgetSessionUSD: budgetSessionUSD,
	}
}

// Busy reports whether a prompt is currently in flight.
func (r *Retriever) Busy() bool {
	return r.busy.Load()
}

// Wait blocks until any in-flight work finishes.
func (r *Retriever) Wait() {
	r.wg.Wait()
}

// Dispatch handles one claimed prompt message. The busy-skip decision
// happens synchronously; the agent call runs on its own goroutine.
func (r *Retriever) Dispatch(ctx context.Context, msg *queue.Message) {
	p, err := decodePrompt(msg.Payload)
	if err != nil {
		r.logger.Error("undecodable prompt payload", zap.Int64("message_id", msg.ID), zap.Error(err))
		r.failMessage(ctx, msg.ID)
		return
	}

	if !r.busy.CompareAndSwap(false, true) {
		// Busy-skip: the hook is on a deadline, so it gets a none
		// result now instead of a late real one.
		r.logger.Info("retriever busy, skipping prompt",
			zap.Int64("message_id", msg.ID),
			zap.String("prompt_hash", p.PromptHash))
		r.writeResult(ctx, p.PromptHash, "")
		r.completeMessage(ctx, msg.ID)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.busy.Store(false)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("retriever panicked",
					zap.Int64("message_id", msg.ID),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				// The hook must still find a row.
				r.writeResult(ctx, p.PromptHash, "")
				r.failMessage(ctx, msg.ID)
			}
		}()
		r.process(ctx, msg.ID, p)
	}()
}

// process runs one retrieval: window update, agent call, classify,
// write exactly one retrieval row.
func (r *Retriever) process(ctx context.Context, msgID int64, p PromptPayload) {
	r.window.AddUser(p.Prompt)

	message := buildRetrieverMessage(p.Prompt, r.window.Format())

	res, err := r.invoker.Resume(ctx, r.handle, message, agent.CallSpec{
		Tools:     retrieverTools,
		MaxTurns:  retrieverMaxTurns,
		BudgetUSD: perCallBudgetUSD,
	})
	recordAgentUsage(ctx, r.gateway, r.sessionID, agent.RoleRetriever, res, err, r.budgetSessionUSD, r.logger)

	text := ""
	switch {
	case err != nil:
		// Collapse to a none result; the hook must not hang on our
		// failure.
		r.logger.Error("retriever agent call failed",
			zap.Int64("message_id", msgID),
			zap.String("prompt_hash", p.PromptHash),
			zap.Error(err))
	case res.Outcome != agent.OutcomeSuccess:
		r.logger.Warn("retriever agent reported error",
			zap.Int64("message_id", msgID),
			zap.String("prompt_hash", p.PromptHash))
	default:
		text = res.Text
	}

	if isSkipReply(text) {
		text = ""
	}

	if !r.writeResult(ctx, p.PromptHash, text) {
		r.failMessage(ctx, msgID)
		return
	}

	if text != "" {
		r.window.AddAssistantSummary("(retrieved) " + truncate(text, summaryChars))
	}
	r.completeMessage(ctx, msgID)
}

// writeResult writes the single retrieval row for a fingerprint. Empty
// text means a none result. Reports whether the write succeeded.
func (r *Retriever) writeResult(ctx context.Context, promptHash, text string) bool {
	contextType := queue.ContextNone
	if text != "" {
		contextType = queue.ContextMemoryResults
	}
	if err := r.gateway.WriteRetrieval(ctx, r.sessionID, promptHash, contextType, text); err != nil {
		r.logger.Error("failed to write retrieval result",
			zap.String("prompt_hash", promptHash),
			zap.Error(err))
		return false
	}
	return true
}

func (r *Retriever) completeMessage(ctx context.Context, id int64) {
	if err := r.gateway.MarkCompleted(ctx, id); err != nil {
		r.logger.Warn("failed to mark message completed", zap.Int64("message_id", id), zap.Error(err))
	}
}

func (r *Retriever) failMessage(ctx context.Context, id int64) {
	if err := r.gateway.MarkFailed(ctx, id); err != nil {
		r.logger.Warn("failed to mark message failed", zap.Int64("message_id", id), zap.Error(err))
	}
}
