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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func userLine(text string) string {
	return fmt.Sprintf(`{"type":"user","message":{"content":%q}}`, text)
}

func assistantLine(texts ...string) string {
	var blocks []string
	for _, tx := range texts {
		blocks = append(blocks, fmt.Sprintf(`{"type":"text","text":%q}`, tx))
	}
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[%s]}}`, strings.Join(blocks, ","))
}

func TestExtractChunksConversationOnly(t *testing.T) {
	path := writeTranscript(t,
		userLine("first question"),
		`{"type":"system","subtype":"init"}`,
		assistantLine("first answer"),
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok"}]}}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{}}]}}`,
		`not json at all`,
		userLine("second question"),
	)

	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, chunkLabelUser, chunks[0].Label)
	assert.Equal(t, "first question", chunks[0].Text)
	assert.Equal(t, chunkLabelAssistant, chunks[1].Label)
	assert.Equal(t, "first answer", chunks[1].Text)
	assert.Equal(t, chunkLabelUser, chunks[2].Label)
	assert.Equal(t, "second question", chunks[2].Text)
}

func TestExtractChunksDeterministicWithOffsets(t *testing.T) {
	path := writeTranscript(t,
		userLine("q1"),
		assistantLine("a1", "a1 continued"),
		userLine("q2"),
	)

	first, err := ExtractChunks(path)
	require.NoError(t, err)
	second, err := ExtractChunks(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Offsets point at the start of the source line.
	assert.Equal(t, int64(0), first[0].Offset)
	for i := 1; i < len(first); i++ {
		assert.Greater(t, first[i].Offset, first[i-1].Offset)
	}
	assert.Equal(t, "a1\na1 continued", first[1].Text)
}

func TestExtractChunksTruncatesBodies(t *testing.T) {
	long := strings.Repeat("x", chunkCharLimit+500)
	path := writeTranscript(t, userLine(long))

	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Text, chunkCharLimit)
}

func TestExtractChunksEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	chunks, err := ExtractChunks(path)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestWindowChunksSuffixBudget(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < 10; i++ {
		chunks = append(chunks, Chunk{Label: chunkLabelUser, Text: strings.Repeat("x", 95)})
	}
	// Each rendered chunk is ~102 chars plus separator.
	win := windowChunks(chunks, 500)

	require.NotEmpty(t, win)
	assert.Less(t, len(win), len(chunks))
	// It is a contiguous suffix.
	assert.Equal(t, chunks[len(chunks)-len(win):], win)
}

func TestWindowChunksAlwaysReturnsFinalChunk(t *testing.T) {
	chunks := []Chunk{{Label: chunkLabelUser, Text: strings.Repeat("x", 1000)}}
	win := windowChunks(chunks, 10)
	require.Len(t, win, 1)
}

func TestWindowChunksEmpty(t *testing.T) {
	assert.Nil(t, windowChunks(nil, 1000))
}

func TestTailSnapshotSecondHalf(t *testing.T) {
	chunks := []Chunk{
		{Label: chunkLabelUser, Text: "one"},
		{Label: chunkLabelAssistant, Text: "two"},
		{Label: chunkLabelUser, Text: "three"},
		{Label: chunkLabelAssistant, Text: "four"},
	}

	tail := tailSnapshot(chunks)
	assert.NotContains(t, tail, "one")
	assert.NotContains(t, tail, "two")
	assert.Contains(t, tail, "[USER] three")
	assert.Contains(t, tail, "[CLAUDE] four")

	assert.Empty(t, tailSnapshot(nil))
}

func TestTruncateRespectsUTF8(t *testing.T) {
	s := strings.Repeat("é", 100) // 2 bytes each
	out := truncate(s, 101)
	assert.LessOrEqual(t, len(out), 101)
	assert.True(t, strings.HasPrefix(s, out))
	assert.Equal(t, 100, len(out)) // cut back to the sequence boundary

	assert.Equal(t, "abc", truncate("abc", 10))
}
