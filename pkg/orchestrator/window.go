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
	"strings"
	"sync"
)

// windowPairs bounds the sliding window to the last N user/assistant
// pairs. Older entries are dropped on insert.
const windowPairs = 5

// windowPlaceholder is what Format returns when nothing has been
// recorded yet, so prompts never contain an empty transcript section.
const windowPlaceholder = "(no recent conversation)"

const (
	windowRoleUser      = "USER"
	windowRoleAssistant = "ASSISTANT"
)

type windowEntry struct {
	role string
	text string
}

// Window is the in-memory log of recent user prompts and role
// summaries. The Retriever and Learner both append from their own
// goroutines, so access is serialized with a mutex. Entries are never
// mutated after insertion.
type Window struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewWindow creates an empty sliding window.
func NewWindow() *Window {
	return &Window{}
}

// AddUser records a user prompt.
func (w *Window) AddUser(text string) {
	w.add(windowRoleUser, text)
}

// AddAssistantSummary records a short summary of role activity.
func (w *Window) AddAssistantSummary(text string) {
	w.add(windowRoleAssistant, text)
}

func (w *Window) add(role, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{role: role, text: text})
	if max := windowPairs * 2; len(w.entries) > max {
		w.entries = w.entries[len(w.entries)-max:]
	}
}

// Format renders the retained entries as a multi-line transcript with
// role prefixes, oldest first. Depends only on the last windowPairs
// pairs, never on earlier history.
func (w *Window) Format() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.entries) == 0 {
		return windowPlaceholder
	}

	var b strings.Builder
	for i, e := range w.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[" + e.role + "] ")
		b.WriteString(e.text)
	}
	return b.String()
}

// Len reports the number of retained entries.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
