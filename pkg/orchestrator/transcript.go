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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Chunk labels for extracted conversational content.
const (
	chunkLabelUser      = "[USER]"
	chunkLabelAssistant = "[CLAUDE]"
)

// chunkCharLimit caps one chunk's body. Raw transcript entries can
// carry entire file dumps; the Compactor only needs the conversation.
const chunkCharLimit = 3000

// chunkWindowBudget is the total character budget of the suffix handed
// to the Compactor agent. Measured in extracted conversational
// characters, not raw file bytes, because the transcript is dominated
// by tool progress noise.
const chunkWindowBudget = 30000

// Chunk is one labelled piece of conversation extracted from the
// transcript, with the byte offset of the line it came from. The
// offset makes a future switch to incremental tailing straightforward.
type Chunk struct {
	Label  string
	Text   string
	Offset int64
}

// String renders the chunk the way it appears in Compactor prompts and
// tail snapshots.
func (c Chunk) String() string {
	return c.Label + " " + c.Text
}

// transcriptEntry decodes only the transcript fields the extractor
// consumes. Content is either a plain string (user messages) or an
// array of typed blocks (assistant messages, tool results).
type transcriptEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractChunks stream-parses a JSONL transcript file and returns the
// conversational chunks in order. Malformed and non-conversational
// lines are silently skipped, so the result is deterministic for a
// given file.
func ExtractChunks(path string) ([]Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	return extractChunks(f)
}

func extractChunks(r io.Reader) ([]Chunk, error) {
	// bufio.Reader instead of a Scanner: transcript lines routinely
	// exceed any fixed token size.
	reader := bufio.NewReaderSize(r, 64*1024)

	var (
		chunks []Chunk
		offset int64
	)
	for {
		line, err := reader.ReadString('\n')
		lineStart := offset
		offset += int64(len(line))

		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if c, ok := parseLine(trimmed); ok {
				c.Offset = lineStart
				chunks = append(chunks, c)
			}
		}

		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, fmt.Errorf("failed to read transcript: %w", err)
		}
	}
}

// parseLine turns one transcript line into a chunk, or reports that
// the line carries no conversational content.
func parseLine(line string) (Chunk, bool) {
	var entry transcriptEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return Chunk{}, false
	}
	if len(entry.Message.Content) == 0 {
		return Chunk{}, false
	}

	switch entry.Type {
	case "user":
		// Real user messages carry string content; tool-result arrays
		// under the same type are progress noise and are skipped.
		var text string
		if err := json.Unmarshal(entry.Message.Content, &text); err != nil {
			return Chunk{}, false
		}
		if strings.TrimSpace(text) == "" {
			return Chunk{}, false
		}
		return Chunk{Label: chunkLabelUser, Text: truncate(text, chunkCharLimit)}, true

	case "assistant":
		var blocks []contentBlock
		if err := json.Unmarshal(entry.Message.Content, &blocks); err != nil {
			return Chunk{}, false
		}
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
				texts = append(texts, b.Text)
			}
		}
		if len(texts) == 0 {
			return Chunk{}, false
		}
		return Chunk{Label: chunkLabelAssistant, Text: truncate(strings.Join(texts, "\n"), chunkCharLimit)}, true
	}

	return Chunk{}, false
}

// windowChunks walks backwards from the end of the chunk list and
// returns the longest contiguous suffix whose rendered size stays
// within budget. At least the final chunk is always returned when any
// exist, even if it alone exceeds the budget.
func windowChunks(chunks []Chunk, budget int) []Chunk {
	if len(chunks) == 0 {
		return nil
	}

	total := 0
	start := len(chunks)
	for i := len(chunks) - 1; i >= 0; i-- {
		size := len(chunks[i].String()) + 1 // rendered line + separator
		if total+size > budget && start < len(chunks) {
			break
		}
		total += size
		start = i
	}
	return chunks[start:]
}

// renderChunks joins chunks into the text block used in prompts and
// tail files.
func renderChunks(chunks []Chunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.String()
	}
	return strings.Join(parts, "\n\n")
}

// tailSnapshot returns the raw second half of the chunk list, the part
// persisted next to each session-state version so a fresh context can
// see verbatim recent conversation, not only the distilled document.
func tailSnapshot(chunks []Chunk) string {
	if len(chunks) == 0 {
		return ""
	}
	return renderChunks(chunks[len(chunks)/2:])
}
