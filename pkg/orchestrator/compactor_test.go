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
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/engram/pkg/agent"
)

const testStateDoc = `# GOAL
Ship the widget importer.

# DECISIONS
- Use SQLite for the staging cache.

# NEXT
- Wire the importer into CI.`

// bigTranscript writes a transcript whose size comfortably clears the
// compaction threshold (20k tokens at 6 bytes per token = 120KB).
func bigTranscript(t *testing.T) string {
	t.Helper()
	filler := strings.Repeat("z", 400)
	var lines []string
	for i := 0; i < 200; i++ {
		lines = append(lines, userLine(fmt.Sprintf("question %d %s", i, filler)))
		lines = append(lines, assistantLine(fmt.Sprintf("answer %d %s", i, filler)))
	}
	return writeTranscript(t, lines...)
}

func stateReply(text string) func(string, string) (*agent.Result, error) {
	return func(_, _ string) (*agent.Result, error) {
		return &agent.Result{Outcome: agent.OutcomeSuccess, Text: text, CostUSD: 0.03}, nil
	}
}

func TestCompactorThresholdRun(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := bigTranscript(t)
	inv := &stubInvoker{reply: stateReply(testStateDoc)}

	c := newCompactor("sess-c1", "widgets", path, 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, false)
	c.Wait()

	st, err := g.LatestSessionState(ctx, "sess-c1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Version)
	assert.Equal(t, "widgets", st.ProjectSlug)
	assert.Equal(t, testStateDoc, st.StateText)
	assert.Positive(t, st.TokenEstimate)

	// Tail file exists under compactor_tails next to the transcript.
	require.NotEmpty(t, st.RawTailPath)
	tail, err := os.ReadFile(st.RawTailPath)
	require.NoError(t, err)
	assert.Contains(t, string(tail), "[USER]")
	assert.Contains(t, st.RawTailPath, tailDirName)
	assert.Contains(t, st.RawTailPath, "sess-c1_v1")

	// The cursor advanced to the file-size estimate.
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, fi.Size()/transcriptBytesPerToken, c.LastCompactedTokens())
	assert.Equal(t, 1, inv.resumes())
}

func TestCompactorBelowThresholdIdles(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := writeTranscript(t, userLine("tiny"), assistantLine("reply"))
	inv := &stubInvoker{reply: stateReply(testStateDoc)}

	c := newCompactor("sess-c2", "", path, 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, false)
	c.Wait()

	st, err := g.LatestSessionState(ctx, "sess-c2")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Zero(t, inv.resumes())
}

func TestCompactorForceBypassesThreshold(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := writeTranscript(t, userLine("tiny but real conversation"), assistantLine("a real reply"))
	inv := &stubInvoker{reply: stateReply(testStateDoc)}

	c := newCompactor("sess-c3", "", path, 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, true)
	c.Wait()

	st, err := g.LatestSessionState(ctx, "sess-c3")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.Version)
}

func TestCompactorVersionsAreContiguous(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := bigTranscript(t)

	var sawUpdate bool
	inv := &stubInvoker{reply: func(_, msg string) (*agent.Result, error) {
		if strings.Contains(msg, "Previous session-state document") {
			sawUpdate = true
		}
		return &agent.Result{Outcome: agent.OutcomeSuccess, Text: testStateDoc}, nil
	}}

	c := newCompactor("sess-c4", "", path, 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	for i := 0; i < 3; i++ {
		c.Check(ctx, true)
		c.Wait()
	}

	st, err := g.LatestSessionState(ctx, "sess-c4")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 3, st.Version)
	assert.True(t, sawUpdate, "second run should compose an update prompt")
	assert.Contains(t, st.RawTailPath, "sess-c4_v3")
}

func TestCompactorFailureDoesNotAdvanceCursor(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := bigTranscript(t)
	inv := &stubInvoker{reply: func(_, _ string) (*agent.Result, error) {
		return nil, errors.New("agent down")
	}}

	c := newCompactor("sess-c5", "", path, 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, false)
	c.Wait()

	assert.Zero(t, c.LastCompactedTokens())

	st, err := g.LatestSessionState(ctx, "sess-c5")
	require.NoError(t, err)
	assert.Nil(t, st)

	// Next tick retries because the cursor never moved.
	c.Check(ctx, false)
	c.Wait()
	assert.Equal(t, 2, inv.resumes())
}

func TestCompactorShortResultRejected(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := bigTranscript(t)
	inv := &stubInvoker{reply: stateReply("too short")}

	c := newCompactor("sess-c6", "", path, 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, false)
	c.Wait()

	st, err := g.LatestSessionState(ctx, "sess-c6")
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Zero(t, c.LastCompactedTokens())
}

func TestCompactorMissingTranscriptIdles(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	inv := &stubInvoker{}

	c := newCompactor("sess-c7", "", "/nonexistent/transcript.jsonl", 0, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, false)
	c.Check(ctx, true)
	c.Wait()

	assert.Zero(t, inv.resumes())
}

func TestCompactorNoTranscriptConfigured(t *testing.T) {
	g := newTestGateway(t)
	inv := &stubInvoker{}
	c := newCompactor("sess-c8", "", "", 0, g, inv, 5.0, zaptest.NewLogger(t))

	c.Check(context.Background(), true)
	c.Wait()
	assert.Zero(t, inv.resumes())
}

func TestCompactorSeededCursorSuppressesRun(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()
	path := bigTranscript(t)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	seed := fi.Size() / transcriptBytesPerToken

	inv := &stubInvoker{reply: stateReply(testStateDoc)}
	c := newCompactor("sess-c9", "", path, seed, g, inv, 5.0, zaptest.NewLogger(t))
	c.handle = "h1"

	c.Check(ctx, false)
	c.Wait()
	assert.Zero(t, inv.resumes())
}
