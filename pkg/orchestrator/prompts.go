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
	"strings"
	"unicode/utf8"
)

// Per-call tuning for the role agents. The Retriever is kept tight
// because a hook is waiting on its answer; the Learner gets more turns
// because lookup, dedup, and save are separate tool calls.
const (
	retrieverMaxTurns = 5
	learnerMaxTurns   = 8
	compactorMaxTurns = 5

	perCallBudgetUSD = 0.25

	// learnerTruncateChars bounds each of tool input and response in
	// the Learner prompt.
	learnerTruncateChars = 2000

	// skipThresholdChars: replies shorter than this carry no usable
	// context and are treated as SKIP.
	skipThresholdChars = 20

	// summaryChars bounds the assistant-summary entries pushed into
	// the sliding window.
	summaryChars = 100
)

const retrieverSystemPrompt = `You are the Retriever, the memory-recall half of a coding assistant's cognitive sidecar.

For every user prompt you receive, search the knowledge base for prior learnings, error solutions, and patterns that would help answer it. Use the memory search tools available to you.

Rules:
- Reply with ONLY the relevant knowledge, formatted as short bullet points the assistant can inject verbatim.
- Never invent knowledge. Only report what the tools returned.
- If nothing relevant is found, reply with the single word: SKIP`

const learnerSystemPrompt = `You are the Learner, the knowledge-extraction half of a coding assistant's cognitive sidecar.

You receive observations of tool activity from a live coding session. Decide whether each observation carries durable knowledge: a non-obvious error and its fix, a reusable pattern, or a project-specific learning.

Rules:
- First search the knowledge base to avoid saving duplicates.
- Save durable knowledge with the save tools available to you, then reply with a one-line summary of what you saved.
- If the observation is routine or trivial, reply with the single word: SKIP`

const compactorSystemPrompt = `You are the Compactor. You maintain a structured session-state document that lets a coding assistant resume work after its context is cleared.

The document has these sections:
# GOAL — what the user is trying to accomplish (replace when it changes)
# DECISIONS — decisions made so far (append-only)
# DONE — completed steps (append-only)
# IN PROGRESS — current work (replace)
# NEXT — agreed next steps (replace)

Rules:
- When given a previous document plus new conversation, update it: append to the append-only sections, replace the volatile ones.
- Keep the document under roughly one page. Drop detail before dropping sections.
- Reply with ONLY the document, no commentary.`

// Knowledge-tool allowlists per role, matching the MCP server exposed
// through the adapter's --mcp-config.
var (
	retrieverTools = []string{
		"mcp__engram__memory_search",
		"mcp__engram__memory_get_recent_learnings",
	}
	learnerTools = []string{
		"mcp__engram__memory_search",
		"mcp__engram__memory_save_learning",
		"mcp__engram__memory_save_error",
		"mcp__engram__memory_save_pattern",
	}
)

// buildRetrieverMessage composes one Retriever invocation: the new
// prompt, the recent-conversation window, and the SKIP directive.
func buildRetrieverMessage(prompt, windowTranscript string) string {
	return fmt.Sprintf(`New user prompt:
%s

Recent conversation:
%s

Search the knowledge base for anything relevant to the new prompt. Reply with the relevant knowledge only, or SKIP if nothing useful is known.`, prompt, windowTranscript)
}

// buildLearnerMessage composes one Learner invocation from a tool
// observation, with input and response truncated.
func buildLearnerMessage(toolName, toolInput, toolResponse string) string {
	return fmt.Sprintf(`Tool observation from the live session:

Tool: %s
Input: %s
Response: %s

If this contains durable knowledge (an error and its fix, a reusable pattern, a project learning), save it with your tools and summarize what you saved in one line. Otherwise reply SKIP.`,
		toolName, truncate(toolInput, learnerTruncateChars), truncate(toolResponse, learnerTruncateChars))
}

// buildLearnTriggerMessage passes a user-addressed instruction to the
// Learner verbatim.
func buildLearnTriggerMessage(instruction string) string {
	return fmt.Sprintf(`The user explicitly asked you to learn the following:

%s

Save it with your tools and summarize what you saved in one line, or reply SKIP if there is nothing to save.`, instruction)
}

// buildCompactorInitialMessage composes the first compaction of a
// session, with no previous document to update.
func buildCompactorInitialMessage(window string) string {
	return fmt.Sprintf(`Produce the session-state document for this conversation:

%s`, window)
}

// buildCompactorUpdateMessage composes an incremental compaction.
func buildCompactorUpdateMessage(previousState, window string) string {
	return fmt.Sprintf(`Previous session-state document:

%s

New conversation since then:

%s

Produce the updated document.`, previousState, window)
}

// isSkipReply classifies an agent reply as carrying no useful context:
// empty, the literal SKIP, or too short to matter.
func isSkipReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if strings.ToUpper(trimmed) == "SKIP" {
		return true
	}
	return len(trimmed) < skipThresholdChars
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	for len(cut) > 0 && cut[len(cut)-1] >= 0x80 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
