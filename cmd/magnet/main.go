// Command magnet is an autonomous coding agent for the terminal.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/fang"

	"github.com/martinemde/magnet/logger"
)

// Version set via ldflags during build
var version = "dev"

func main() {
	defer func() { _ = logger.Close() }()

	if err := fang.Execute(context.Background(), newRootCommand(), fang.WithVersion(version)); err != nil {
		logger.ErrorCF("cli", "Command failed", map[string]any{"error": err.Error()})
		_ = logger.Close()
		os.Exit(1)
	}
}
