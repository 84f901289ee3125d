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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowEmptyFormatsPlaceholder(t *testing.T) {
	w := NewWindow()
	assert.Equal(t, windowPlaceholder, w.Format())
}

func TestWindowFormatRolesAndOrder(t *testing.T) {
	w := NewWindow()
	w.AddUser("how do I run the tests?")
	w.AddAssistantSummary("(retrieved) use pytest -x")

	assert.Equal(t,
		"[USER] how do I run the tests?\n[ASSISTANT] (retrieved) use pytest -x",
		w.Format())
}

func TestWindowTrimsToLastPairs(t *testing.T) {
	w := NewWindow()
	for i := 0; i < 20; i++ {
		w.AddUser(fmt.Sprintf("prompt %d", i))
		w.AddAssistantSummary(fmt.Sprintf("summary %d", i))
	}

	assert.Equal(t, windowPairs*2, w.Len())

	out := w.Format()
	assert.NotContains(t, out, "prompt 14")
	assert.Contains(t, out, "prompt 15")
	assert.Contains(t, out, "summary 19")
}

func TestWindowDependsOnlyOnLastPairs(t *testing.T) {
	// Same trailing history, different prefixes: identical output.
	build := func(prefix int) string {
		w := NewWindow()
		for i := 0; i < prefix; i++ {
			w.AddUser(fmt.Sprintf("old %d", i))
			w.AddAssistantSummary(fmt.Sprintf("old summary %d", i))
		}
		for i := 0; i < windowPairs; i++ {
			w.AddUser(fmt.Sprintf("recent %d", i))
			w.AddAssistantSummary(fmt.Sprintf("recent summary %d", i))
		}
		return w.Format()
	}

	assert.Equal(t, build(0), build(37))
}

func TestWindowConcurrentAppends(t *testing.T) {
	w := NewWindow()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if n%2 == 0 {
					w.AddUser("u")
				} else {
					w.AddAssistantSummary("a")
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, windowPairs*2, w.Len())
	assert.Len(t, strings.Split(w.Format(), "\n"), windowPairs*2)
}
