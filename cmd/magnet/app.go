package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/config"
	"github.com/martinemde/magnet/hooks"
	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/mcp"
	"github.com/martinemde/magnet/memory"
	"github.com/martinemde/magnet/persistence"
	"github.com/martinemde/magnet/unifiedllm"
)

// modelSwitcher is the part of the streaming adapter and compactor that
// /model changes.
type modelSwitcher interface {
	SetModel(model string)
}

// mcpStatuser reports MCP server state for /mcp.
type mcpStatuser interface {
	Statuses() []mcp.ServerStatus
}

// app is one wired agent session with its collaborators.
type app struct {
	cfg      *config.Config
	cwd      string
	session  *agentloop.Session
	approval *agentloop.ApprovalManager
	store    *persistence.FileStore
	mcp      mcpStatuser
	provider string
	model    string
	switches []modelSwitcher
	closers  []func() error
	out      io.Writer
}

// setupLogging sends logs to <data_dir>/logs/magnet.log.
func setupLogging(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	if cfg.Debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)
	if err := os.MkdirAll(filepath.Dir(cfg.LogPath()), 0o700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	return logger.EnableFileLogging(cfg.LogPath())
}

// newApp wires providers, tools, MCP servers, hooks, memory and persistence
// into a session. confirmer answers approval prompts; it may be nil.
func newApp(ctx context.Context, cfg *config.Config, cwd string, out io.Writer, confirmer agentloop.Confirmer) (*app, error) {
	a := &app{cfg: cfg, cwd: cwd, out: out, provider: cfg.Model.Provider, model: cfg.Model.Name}
	ok := false
	defer func() {
		if !ok {
			_ = a.close()
		}
	}()

	store, err := persistence.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	a.store = store

	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	streaming := newStreamingAdapter(client, cfg)

	mem, err := memory.NewSQLiteStore(cfg.MemoryPath())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, mem.Close)

	env := agentloop.NewLocalExecutionEnvironment(cwd, cfg.ShellEnvironment)
	reg := agentloop.NewToolRegistry()
	agentloop.RegisterCoreTools(reg, agentloop.CoreToolOptions{Env: env, Memory: mem})

	if len(cfg.MCPServers) > 0 {
		manager := mcp.NewManager(cfg.MCPServers, cwd, version)
		a.closers = append(a.closers, manager.Shutdown)
		for name, err := range manager.Initialize(ctx) {
			fmt.Fprintf(out, "warning: MCP server %s unavailable: %v\n", name, err)
		}
		manager.RegisterTools(reg)
		a.mcp = manager
	}

	counter := agentloop.NewTokenCounter(cfg.Model.Name)
	a.approval = agentloop.NewApprovalManager(cfg.ApprovalPolicy(), cwd)
	pipelineOpts := []agentloop.PipelineOption{
		agentloop.WithApprover(a.approval),
		agentloop.WithHooks(hooks.NewSystem(cfg.Hooks, cfg.HooksEnabled, cwd)),
		agentloop.WithOutputLimit(cfg.MaxToolOutputTokens, counter),
	}
	if confirmer != nil {
		pipelineOpts = append(pipelineOpts, agentloop.WithConfirmer(confirmer))
	}

	window := min(cfg.Model.ContextWindow, unifiedllm.ContextWindowFor(cfg.Model.Name, cfg.Model.ContextWindow))
	definitions := cfg.Subagents
	if len(definitions) == 0 {
		definitions = agentloop.DefaultSubagents()
	}
	factory := &agentloop.SubagentFactory{
		Model:           streaming,
		Parent:          reg,
		PipelineOptions: pipelineOpts,
		ContextWindow:   window,
		Counter:         counter,
		WorkDir:         cwd,
		MaxDepth:        cfg.MaxSubagentDepth,
		Definitions:     definitions,
	}
	if cfg.MaxSubagentDepth > 0 {
		agentloop.RegisterSubagentTools(factory)
	}
	if len(cfg.AllowedTools) > 0 {
		reg.SetAllowed(cfg.AllowedTools)
	}

	memories, err := mem.List(ctx)
	if err != nil {
		logger.WarnCF("cli", "Could not load memories", map[string]any{"error": err.Error()})
	}
	prompt := agentloop.BuildSystemPrompt(agentloop.PromptOptions{
		Provider:              cfg.Model.Provider,
		Model:                 cfg.Model.Name,
		Env:                   env,
		Tools:                 reg.Tools(),
		DeveloperInstructions: cfg.DeveloperInstructions,
		UserInstructions:      cfg.UserInstructions,
		Memory:                memories,
	})
	factory.SystemPrompt = prompt

	compactor := agentloop.NewCompactor(client, cfg.Model.Name, client.DefaultProvider())
	agent := agentloop.NewAgent(
		streaming,
		agentloop.NewContextManager(prompt, window, counter),
		agentloop.NewPipeline(reg, pipelineOpts...),
		agentloop.AgentConfig{MaxTurns: cfg.MaxTurns, WorkDir: cwd},
		agentloop.WithCompactor(compactor),
	)
	a.session = agentloop.NewSession(agent)
	a.switches = []modelSwitcher{streaming, compactor}

	logger.InfoCF("cli", "Session started", map[string]any{
		"session_id": a.session.ID(),
		"provider":   cfg.Model.Provider,
		"model":      cfg.Model.Name,
		"tools":      reg.Count(),
	})
	ok = true
	return a, nil
}

// setModel switches the model of later requests.
func (a *app) setModel(model string) {
	a.model = model
	for _, s := range a.switches {
		s.SetModel(model)
	}
}

// save stores the current session snapshot.
func (a *app) save() error {
	return a.store.Save(a.session.Snapshot())
}

// resume loads a saved session into the current one.
func (a *app) resume(id string) error {
	snap, err := a.store.Load(id)
	if err != nil {
		return err
	}
	a.session.Restore(snap)
	return nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
