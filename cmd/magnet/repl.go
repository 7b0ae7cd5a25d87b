package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/chzyer/readline"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/persistence"
	"github.com/martinemde/magnet/unifiedllm"
)

const replPrompt = "magnet> "

const replHelp = `Commands:
  /help               show this help
  /exit, /quit        leave magnet
  /clear              start over with an empty conversation
  /compact            summarize the conversation to free context
  /stats              show session statistics
  /tools              list available tools
  /mcp                show MCP server status
  /save               save the session
  /checkpoint         save a checkpoint of the session
  /sessions           list saved sessions
  /resume <id>        load a saved session
  /approval [policy]  show or set the approval policy
  /model [name]       show or switch the model`

// runMessage runs one user message and renders its events. Interrupts
// cancel the run. The session is saved afterwards.
func runMessage(ctx context.Context, a *app, message string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	_, err := newRenderer(a.out).render(a.session.Run(ctx, message))
	if ctx.Err() != nil {
		fmt.Fprintln(a.out, "interrupted")
	}
	if saveErr := a.save(); saveErr != nil {
		logger.WarnCF("cli", "Could not save session", map[string]any{"error": saveErr.Error()})
	}
	return err
}

// runREPL reads messages and slash commands until /exit or EOF.
func runREPL(ctx context.Context, a *app, rl *readline.Instance) error {
	fmt.Fprintf(a.out, "magnet %s, model %s, session %s\nType /help for commands.\n\n", version, a.model, a.session.ID())
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(ctx, a, input); quit {
				return nil
			}
			continue
		}
		if err := runMessage(ctx, a, input); err != nil {
			logger.DebugCF("cli", "Run ended with error", map[string]any{"error": err.Error()})
		}
		fmt.Fprintln(a.out)
	}
}

// handleCommand runs a slash command and reports whether to quit.
func handleCommand(ctx context.Context, a *app, input string) bool {
	fields := strings.Fields(input)
	name, args := fields[0], fields[1:]
	out := a.out

	switch name {
	case "/exit", "/quit":
		if err := a.save(); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
		return true
	case "/help":
		fmt.Fprintln(out, replHelp)
	case "/clear":
		a.session.Clear()
		fmt.Fprintln(out, "Conversation cleared.")
	case "/compact":
		before := a.session.Agent().Context().RenderedTokens()
		if err := a.session.Compact(ctx); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		after := a.session.Agent().Context().RenderedTokens()
		fmt.Fprintf(out, "Compacted: %d → %d tokens.\n", before, after)
	case "/stats":
		printStats(out, a.session.Stats(), a.model)
	case "/tools":
		for _, n := range a.session.Agent().Pipeline().Registry().Names() {
			fmt.Fprintln(out, n)
		}
	case "/mcp":
		printMCP(out, a.mcp)
	case "/save":
		if err := a.save(); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(out, "Saved session %s.\n", a.session.ID())
	case "/checkpoint":
		id, err := a.store.SaveCheckpoint(a.session.Snapshot())
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(out, "Checkpoint %s saved.\n", id)
	case "/sessions":
		infos, err := a.store.List()
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		printSessions(out, infos)
	case "/resume":
		if len(args) != 1 {
			fmt.Fprintln(out, "Usage: /resume <session-id>")
			break
		}
		if err := a.resume(args[0]); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		fmt.Fprintf(out, "Resumed session %s (%d messages).\n", args[0], a.session.Stats().MessageCount)
	case "/approval":
		if len(args) == 0 {
			fmt.Fprintf(out, "Approval policy: %s\n", a.approval.Policy())
			break
		}
		p, err := agentloop.ParseApprovalPolicy(args[0])
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			break
		}
		a.approval.SetPolicy(p)
		fmt.Fprintf(out, "Approval policy set to %s.\n", p)
	case "/model":
		if len(args) == 0 {
			fmt.Fprintf(out, "Model: %s\n", a.model)
			printModels(out, a.provider, a.model)
			break
		}
		a.setModel(args[0])
		fmt.Fprintf(out, "Model set to %s.\n", args[0])
	default:
		fmt.Fprintf(out, "Unknown command: %s. Type /help for commands.\n", name)
	}
	return false
}

func printStats(out io.Writer, s agentloop.SessionStats, model string) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Session\t%s\n", s.SessionID)
	fmt.Fprintf(tw, "Model\t%s\n", model)
	fmt.Fprintf(tw, "Started\t%s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(tw, "Turns\t%d\n", s.TurnCount)
	fmt.Fprintf(tw, "Messages\t%d\n", s.MessageCount)
	fmt.Fprintf(tw, "Tokens\t%d in, %d out, %d total\n", s.TokenUsage.InputTokens, s.TokenUsage.OutputTokens, s.TokenUsage.TotalTokens)
	fmt.Fprintf(tw, "Tools\t%d\n", s.ToolsCount)
	fmt.Fprintf(tw, "MCP servers\t%d\n", s.MCPServers)
	_ = tw.Flush()
}

// printModels lists the catalog models of provider, marking the current one.
func printModels(out io.Writer, provider, current string) {
	if provider == "" {
		return
	}
	models := unifiedllm.ListModels(provider)
	if len(models) == 0 {
		return
	}
	fmt.Fprintf(out, "Known %s models:\n", provider)
	for _, m := range models {
		mark := " "
		if m.ID == current {
			mark = "*"
		}
		fmt.Fprintf(out, " %s %-20s %s, %dk context\n", mark, m.ID, m.DisplayName, m.ContextWindow/1000)
	}
}

func printMCP(out io.Writer, m mcpStatuser) {
	if m == nil {
		fmt.Fprintln(out, "No MCP servers configured.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tTRANSPORT\tSTATUS\tTOOLS\tERROR")
	for _, s := range m.Statuses() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.Name, s.Transport, s.Status, s.Tools, s.Error)
	}
	_ = tw.Flush()
}

func printSessions(out io.Writer, infos []persistence.SessionInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tTURNS\tMESSAGES")
	for _, s := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.SessionID, s.UpdatedAt.Format("2006-01-02 15:04"), s.TurnCount, s.MessageCount)
	}
	_ = tw.Flush()
}

// newReadline opens the interactive line editor with history under dataDir.
func newReadline(dataDir string) (*readline.Instance, error) {
	return readline.NewEx(&readline.Config{
		Prompt:          replPrompt,
		HistoryFile:     filepath.Join(dataDir, "history"),
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
}
