package agentloop

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	loopHistorySize = 20
	maxExactRepeats = 3
	maxCycleLength  = 3
)

// LoopDetector keeps a bounded history of action signatures and reports
// when the agent repeats itself.
type LoopDetector struct {
	mu      sync.Mutex
	history []string
}

// NewLoopDetector creates an empty LoopDetector.
func NewLoopDetector() *LoopDetector {
	return &LoopDetector{}
}

// toolCallSignature renders a tool call as "tool_call|name|k=v|..." with
// the argument keys sorted.
func toolCallSignature(name string, args map[string]any) string {
	parts := []string{"tool_call", name}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, "|")
}

func (d *LoopDetector) record(sig string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, sig)
	if len(d.history) > loopHistorySize {
		d.history = d.history[len(d.history)-loopHistorySize:]
	}
}

// RecordToolCall records a tool invocation.
func (d *LoopDetector) RecordToolCall(name string, args map[string]any) {
	d.record(toolCallSignature(name, args))
}

// RecordResponse records a text response.
func (d *LoopDetector) RecordResponse(text string) {
	d.record("response|" + text)
}

// Check returns a description of the detected loop, or "" when the recent
// history does not repeat. It never modifies the history.
func (d *LoopDetector) Check() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.history)
	if n < 2 {
		return ""
	}

	if n >= maxExactRepeats {
		recent := d.history[n-maxExactRepeats:]
		same := true
		for _, s := range recent[1:] {
			if s != recent[0] {
				same = false
				break
			}
		}
		if same {
			return fmt.Sprintf("Same action repeated %d times", maxExactRepeats)
		}
	}

	for cycle := 2; cycle <= maxCycleLength; cycle++ {
		if n < cycle*2 {
			break
		}
		recent := d.history[n-cycle*2:]
		match := true
		for i := 0; i < cycle; i++ {
			if recent[i] != recent[i+cycle] {
				match = false
				break
			}
		}
		if match {
			return fmt.Sprintf("Detected repeating cycle of length %d", cycle)
		}
	}

	return ""
}

// History returns a copy of the recorded signatures, oldest first.
func (d *LoopDetector) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

// Reset clears the history.
func (d *LoopDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
}
