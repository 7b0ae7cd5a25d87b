package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/martinemde/magnet/agentloop"
)

const (
	maxArgsWidth = 120
	maxDiffLines = 40
)

// renderer prints agent events to a terminal.
type renderer struct {
	out io.Writer
	// midLine is set while streamed text has not ended with a newline.
	midLine bool
	// streamed is set once deltas were printed for the current reply.
	streamed bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// render consumes events until the channel closes. It returns the final
// response and the last error the run reported.
func (r *renderer) render(events <-chan agentloop.AgentEvent) (string, error) {
	var (
		response string
		runErr   error
	)
	for ev := range events {
		switch ev.Kind {
		case agentloop.EventTextDelta:
			r.text(ev.String("content"))
			r.streamed = true
		case agentloop.EventTextComplete:
			if !r.streamed {
				r.text(ev.String("content"))
			}
			r.endLine()
			r.streamed = false
		case agentloop.EventToolCallStart:
			r.endLine()
			args, _ := ev.Data["arguments"].(map[string]any)
			fmt.Fprintf(r.out, "→ %s %s\n", ev.String("name"), formatArgs(args))
		case agentloop.EventToolCallComplete:
			r.toolResult(ev.Result())
		case agentloop.EventError:
			r.endLine()
			msg := ev.String("error")
			fmt.Fprintf(r.out, "error: %s\n", msg)
			if cause, ok := ev.Data["cause"].(error); ok {
				runErr = cause
			} else {
				runErr = errors.New(msg)
			}
		case agentloop.EventEnd:
			r.endLine()
			response = ev.String("response")
		}
	}
	return response, runErr
}

func (r *renderer) text(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.midLine = !strings.HasSuffix(s, "\n")
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *renderer) toolResult(res *agentloop.ToolResult) {
	if res == nil {
		return
	}
	if !res.Success {
		fmt.Fprintf(r.out, "  ✗ %s\n", firstLine(res.Error))
		return
	}
	lines := strings.Split(strings.TrimRight(res.Output, "\n"), "\n")
	summary := fmt.Sprintf("%d lines", len(lines))
	if len(lines) == 1 {
		summary = firstLine(lines[0])
	}
	if res.Truncated {
		summary += " (truncated)"
	}
	fmt.Fprintf(r.out, "  ✓ %s\n", summary)
	if res.Diff != "" {
		fmt.Fprint(r.out, indent(clipLines(res.Diff, maxDiffLines), "    "))
	}
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	s := string(data)
	if len(s) > maxArgsWidth {
		s = s[:maxArgsWidth-3] + "..."
	}
	return s
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	if len(s) > maxArgsWidth {
		s = s[:maxArgsWidth-3] + "..."
	}
	return s
}

func clipLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = append(lines[:n], fmt.Sprintf("... %d more lines", len(lines)-n))
	}
	return strings.Join(lines, "\n") + "\n"
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	var sb strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		sb.WriteString(prefix)
		sb.WriteString(l)
	}
	return sb.String()
}
