package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/martinemde/magnet/config"
)

var rootFlags struct {
	model     string
	provider  string
	approval  string
	maxTurns  int
	dataDir   string
	debug     bool
	logLevel  string
	noConfirm bool
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "magnet [prompt]",
		Short: "An autonomous coding agent for your terminal",
		Long: `magnet is a coding agent that reads, edits and runs code in the current
directory through a set of tools, asking before it changes anything.

With a prompt it runs once and exits. Without one it starts an interactive
session; type /help there for the available commands.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runRoot,
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&rootFlags.model, "model", "m", "", "Model to use (default from config)")
	f.StringVarP(&rootFlags.provider, "provider", "p", "", "Provider: openai, anthropic, ollama or gollm")
	f.StringVarP(&rootFlags.approval, "approval", "a", "", "Approval policy: on-request, on-failure, auto, auto-edit, never or yolo")
	f.IntVar(&rootFlags.maxTurns, "max-turns", 0, "Maximum model requests per message")
	f.StringVar(&rootFlags.dataDir, "data-dir", "", "Directory for sessions, memory and logs")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.BoolVarP(&rootFlags.debug, "debug", "d", false, "Enable debug logging")
	f.BoolVar(&rootFlags.noConfirm, "no-confirm", false, "Decline every confirmation instead of prompting")

	cmd.AddCommand(newSessionsCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newConfigCommand())
	return cmd
}

// flagOverrides maps the flags the user set to config keys.
func flagOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	set := func(flag, key string, value any) {
		if cmd.Flags().Changed(flag) {
			overrides[key] = value
		}
	}
	set("model", "model.name", rootFlags.model)
	set("provider", "model.provider", rootFlags.provider)
	set("approval", "approval", rootFlags.approval)
	set("max-turns", "max_turns", rootFlags.maxTurns)
	set("data-dir", "data_dir", rootFlags.dataDir)
	set("log-level", "log_level", rootFlags.logLevel)
	set("debug", "debug", rootFlags.debug)
	return overrides
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.Options{Overrides: flagOverrides(cmd)})
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		return runOnce(cmd, cfg, strings.Join(args, " "))
	}
	return runInteractive(cmd, cfg, "")
}

// runOnce runs a single prompt. Confirmations are asked on the terminal
// when there is one.
func runOnce(cmd *cobra.Command, cfg *config.Config, prompt string) error {
	if err := setupLogging(cfg); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	confirmer := &terminalConfirmer{out: out}
	if !rootFlags.noConfirm && readline.DefaultIsTerminal() {
		rl, err := readline.NewEx(&readline.Config{Prompt: confirmPrompt})
		if err == nil {
			defer rl.Close()
			confirmer.reader = rl
			confirmer.restore = confirmPrompt
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, cwd, out, confirmer)
	if err != nil {
		return err
	}
	defer a.close()

	if err := runMessage(cmd.Context(), a, prompt); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}
	return nil
}

// runInteractive starts the REPL, first restoring resumeID when set.
func runInteractive(cmd *cobra.Command, cfg *config.Config, resumeID string) error {
	if err := setupLogging(cfg); err != nil {
		return err
	}
	rl, err := newReadline(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("start line editor: %w", err)
	}
	defer rl.Close()

	out := cmd.OutOrStdout()
	confirmer := &terminalConfirmer{out: out, restore: replPrompt}
	if !rootFlags.noConfirm {
		confirmer.reader = rl
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, cwd, out, confirmer)
	if err != nil {
		return err
	}
	defer a.close()

	if resumeID != "" {
		if err := a.resume(resumeID); err != nil {
			return fmt.Errorf("resume %s: %w", resumeID, err)
		}
	}
	return runREPL(cmd.Context(), a, rl)
}
