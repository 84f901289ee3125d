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
	"errors"

	"go.uber.org/zap"

	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/queue"
)

// Usage row statuses.
const (
	usageStatusOK         = "ok"
	usageStatusOverBudget = "over_budget"
)

// recordAgentUsage accumulates one invocation into the per-agent usage
// row. Best-effort: accounting must never fail the work itself.
func recordAgentUsage(ctx context.Context, gw *queue.Gateway, sessionID, role string, res *agent.Result, callErr error, budgetSessionUSD float64, logger *zap.Logger) {
	status := usageStatusOK
	if errors.Is(callErr, agent.ErrBudgetExhausted) {
		status = usageStatusOverBudget
	} else if res == nil {
		// The invocation never ran; there is no cost to record.
		return
	}

	cost := 0.0
	if res != nil {
		cost = res.CostUSD
	}

	if err := gw.RecordUsage(ctx, sessionID, role, cost, perCallBudgetUSD, budgetSessionUSD, status); err != nil {
		logger.Warn("failed to record agent usage",
			zap.String("agent", role),
			zap.Error(err))
	}
}
