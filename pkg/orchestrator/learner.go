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
	"encoding/json"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/queue"
)

// Learner extracts durable knowledge from tool observations. Unlike
// the Retriever nothing waits on its answer, so when it is busy the
// claimed message is released back to pending instead of skipped;
// extraction is deferrable but must not be lost.
type Learner struct {
	sessionID        string
	gateway          *queue.Gateway
	invoker          agent.Invoker
	window           *Window
	logger           *zap.Logger
	budgetSessionUSD float64

	handle   string
	busy     atomic.Bool
	wg       sync.WaitGroup
	released atomic.Int64
}

func newLearner(sessionID string, gw *queue.Gateway, invoker agent.Invoker, window *Window, budgetSessionUSD float64, logger *zap.Logger) *Learner {
	return &Learner{
		sessionID:        sessionID,
		gateway:          gw,
		invoker:          invoker,
		window:           window,
		logger:           logger.Named("learner"),
		budgetSessionUSD: budgetSessionUSD,
	}
}

// Busy reports whether an observation is currently in flight.
func (l *Learner) Busy() bool {
	return l.busy.Load()
}

// Wait blocks until any in-flight work finishes.
func (l *Learner) Wait() {
	l.wg.Wait()
}

// Dispatch handles one claimed tool_use or learn_trigger message. If
// the worker is busy the message is released to pending for the next
// poll; otherwise the agent call runs on its own goroutine.
func (l *Learner) Dispatch(ctx context.Context, msg *queue.Message) {
	message, err := l.composeMessage(msg)
	if err != nil {
		l.logger.Error("undecodable learner payload",
			zap.Int64("message_id", msg.ID),
			zap.String("kind", msg.Kind),
			zap.Error(err))
		l.failMessage(ctx, msg.ID)
		return
	}

	if !l.busy.CompareAndSwap(false, true) {
		released := l.released.Add(1)
		l.logger.Info("learner busy, releasing message to pending",
			zap.Int64("message_id", msg.ID),
			zap.Int64("released_total", released))
		if err := l.gateway.ReleaseToPending(ctx, msg.ID); err != nil {
			l.logger.Error("failed to release message", zap.Int64("message_id", msg.ID), zap.Error(err))
		}
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.busy.Store(false)
		defer func() {
			if rec := recover(); rec != nil {
				l.logger.Error("learner panicked",
					zap.Int64("message_id", msg.ID),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				l.failMessage(ctx, msg.ID)
			}
		}()
		l.process(ctx, msg.ID, message)
	}()
}

// composeMessage builds the agent prompt for either message kind.
func (l *Learner) composeMessage(msg *queue.Message) (string, error) {
	switch msg.Kind {
	case queue.KindLearnTrigger:
		p, err := decodeLearnTrigger(msg.Payload)
		if err != nil {
			return "", err
		}
		return buildLearnTriggerMessage(p.Instruction), nil
	default:
		p, err := decodeToolUse(msg.Payload)
		if err != nil {
			return "", err
		}
		return buildLearnerMessage(p.ToolName, rawJSONText(p.ToolInput), rawJSONText(p.ToolResponse)), nil
	}
}

// process runs one extraction. Knowledge persistence happens inside
// the agent's own tool calls; the daemon only records a trace of the
// reply into the sliding window.
func (l *Learner) process(ctx context.Context, msgID int64, message string) {
	res, err := l.invoker.Resume(ctx, l.handle, message, agent.CallSpec{
		Tools:     learnerTools,
		MaxTurns:  learnerMaxTurns,
		BudgetUSD: perCallBudgetUSD,
	})
	recordAgentUsage(ctx, l.gateway, l.sessionID, agent.RoleLearner, res, err, l.budgetSessionUSD, l.logger)

	if err != nil {
		l.logger.Error("learner agent call failed", zap.Int64("message_id", msgID), zap.Error(err))
		l.failMessage(ctx, msgID)
		return
	}
	if res.Outcome != agent.OutcomeSuccess {
		l.logger.Warn("learner agent reported error", zap.Int64("message_id", msgID))
		l.failMessage(ctx, msgID)
		return
	}

	if !isSkipReply(res.Text) {
		l.window.AddAssistantSummary("(learned) " + truncate(res.Text, summaryChars))
	}

	if err := l.gateway.MarkCompleted(ctx, msgID); err != nil {
		l.logger.Warn("failed to mark message completed", zap.Int64("message_id", msgID), zap.Error(err))
	}
}

func (l *Learner) failMessage(ctx context.Context, id int64) {
	if err := l.gateway.MarkFailed(ctx, id); err != nil {
		l.logger.Warn("failed to mark message failed", zap.Int64("message_id", id), zap.Error(err))
	}
}

// rawJSONText renders an arbitrary JSON value for the agent prompt.
// Strings lose their quoting; everything else stays compact JSON.
func rawJSONText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "(none)"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}
