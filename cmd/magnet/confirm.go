package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/martinemde/magnet/agentloop"
)

const confirmPrompt = "Allow? [y/N] "

// lineReader is the slice of *readline.Instance the confirmer needs.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

// terminalConfirmer asks the user to approve mutating tool calls. Without a
// reader every request is declined.
type terminalConfirmer struct {
	mu      sync.Mutex
	reader  lineReader
	restore string
	out     io.Writer
}

var _ agentloop.Confirmer = (*terminalConfirmer)(nil)

func (c *terminalConfirmer) RequestConfirmation(ctx context.Context, tc agentloop.ToolConfirmation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n%s wants to run: %s\n", tc.ToolName, tc.Description)
	if tc.Command != "" {
		fmt.Fprintf(c.out, "  $ %s\n", tc.Command)
	}
	for _, p := range tc.AffectedPaths {
		fmt.Fprintf(c.out, "  %s\n", p)
	}
	if tc.Diff != "" {
		fmt.Fprint(c.out, indent(clipLines(tc.Diff, maxDiffLines), "  "))
	}
	if tc.IsDangerous {
		fmt.Fprintln(c.out, "  warning: this command is potentially dangerous")
	}

	if c.reader == nil || ctx.Err() != nil {
		fmt.Fprintln(c.out, "  declined: no interactive terminal")
		return false
	}

	c.reader.SetPrompt(confirmPrompt)
	defer c.reader.SetPrompt(c.restore)
	line, err := c.reader.Readline()
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
