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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/engram/pkg/agent"
	"github.com/teradata-labs/engram/pkg/queue"
)

// stubInvoker is an in-process Invoker: InitSession hands out
// deterministic handles, Resume answers via the reply callback (or
// SKIP when none is set) after an optional delay.
type stubInvoker struct {
	mu          sync.Mutex
	initRoles   []string
	resumeCount int
	resumeMsgs  []string

	delay time.Duration
	reply func(handle, message string) (*agent.Result, error)
}

func (s *stubInvoker) InitSession(_ context.Context, spec agent.SessionSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initRoles = append(s.initRoles, spec.Role)
	return "handle-" + spec.Role, nil
}

func (s *stubInvoker) Resume(ctx context.Context, handle, message string, _ agent.CallSpec) (*agent.Result, error) {
	s.mu.Lock()
	s.resumeCount++
	s.resumeMsgs = append(s.resumeMsgs, message)
	reply := s.reply
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if reply != nil {
		return reply(handle, message)
	}
	return &agent.Result{Outcome: agent.OutcomeSuccess, Text: "SKIP", Handle: handle}, nil
}

func (s *stubInvoker) resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeCount
}

func (s *stubInvoker) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.resumeMsgs))
	copy(out, s.resumeMsgs)
	return out
}

var _ agent.Invoker = (*stubInvoker)(nil)

// newTestGateway opens a throwaway file-backed queue database so
// concurrent access behaves like production, not like shared-cache
// memory mode.
func newTestGateway(t *testing.T) *queue.Gateway {
	t.Helper()
	g, err := queue.New(filepath.Join(t.TempDir(), "engram.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
