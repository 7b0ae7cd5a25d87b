// Package hooks runs user-configured shell commands at points of the agent
// lifecycle. Hook failures are logged and never affect the run.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/logger"
)

// DefaultTimeout bounds a hook without its own timeout.
const DefaultTimeout = 30 * time.Second

// Trigger names the lifecycle point a hook runs at.
type Trigger string

const (
	BeforeAgent Trigger = "before_agent"
	AfterAgent  Trigger = "after_agent"
	BeforeTool  Trigger = "before_tool"
	AfterTool   Trigger = "after_tool"
	OnError     Trigger = "on_error"
)

// Hook is one configured command. Exactly one of Command and Script is set;
// Script is written to a temporary bash script before running.
type Hook struct {
	Name       string  `json:"name" mapstructure:"name" yaml:"name" validate:"required"`
	Trigger    Trigger `json:"trigger" mapstructure:"trigger" yaml:"trigger" validate:"oneof=before_agent after_agent before_tool after_tool on_error"`
	Command    string  `json:"command,omitempty" mapstructure:"command" yaml:"command,omitempty"`
	Script     string  `json:"script,omitempty" mapstructure:"script" yaml:"script,omitempty"`
	TimeoutSec float64 `json:"timeout_sec" mapstructure:"timeout_sec" yaml:"timeout_sec" validate:"gte=0"`
	Enabled    bool    `json:"enabled" mapstructure:"enabled" yaml:"enabled"`
}

// Validate checks that exactly one of Command and Script is set.
func (h Hook) Validate() error {
	switch {
	case h.Command == "" && h.Script == "":
		return fmt.Errorf("hook %q: either command or script is required", h.Name)
	case h.Command != "" && h.Script != "":
		return fmt.Errorf("hook %q: command and script are mutually exclusive", h.Name)
	}
	return nil
}

func (h Hook) timeout() time.Duration {
	if h.TimeoutSec <= 0 {
		return DefaultTimeout
	}
	return time.Duration(h.TimeoutSec * float64(time.Second))
}

// System dispatches lifecycle events to the enabled hooks. It implements
// agentloop.Hooks.
type System struct {
	hooks []Hook
	cwd   string
	env   *agentloop.LocalExecutionEnvironment
}

var _ agentloop.Hooks = (*System)(nil)

// NewSystem keeps the enabled hooks of hooks. When enabled is false no hook
// ever runs. Hooks see the full environment.
func NewSystem(hooks []Hook, enabled bool, cwd string) *System {
	s := &System{
		cwd: cwd,
		env: agentloop.NewLocalExecutionEnvironment(cwd, agentloop.EnvPolicy{IgnoreDefaultExcludes: true}),
	}
	if enabled {
		for _, h := range hooks {
			if h.Enabled {
				s.hooks = append(s.hooks, h)
			}
		}
	}
	return s
}

// Hooks returns the active hooks.
func (s *System) Hooks() []Hook {
	return append([]Hook(nil), s.hooks...)
}

func (s *System) BeforeAgent(ctx context.Context, userMessage string) {
	s.trigger(ctx, BeforeAgent, map[string]string{"MAGNET_USER_MESSAGE": userMessage})
}

func (s *System) AfterAgent(ctx context.Context, userMessage, response string) {
	s.trigger(ctx, AfterAgent, map[string]string{
		"MAGNET_USER_MESSAGE": userMessage,
		"MAGNET_RESPONSE":     response,
	})
}

func (s *System) BeforeTool(ctx context.Context, name string, params map[string]any) {
	s.trigger(ctx, BeforeTool, map[string]string{
		"MAGNET_TOOL_NAME":   name,
		"MAGNET_TOOL_PARAMS": encodeParams(params),
	})
}

func (s *System) AfterTool(ctx context.Context, name string, params map[string]any, result *agentloop.ToolResult) {
	vars := map[string]string{
		"MAGNET_TOOL_NAME":   name,
		"MAGNET_TOOL_PARAMS": encodeParams(params),
	}
	if result != nil {
		vars["MAGNET_TOOL_RESULT"] = result.ModelContent()
	}
	s.trigger(ctx, AfterTool, vars)
}

func (s *System) OnError(ctx context.Context, err error) {
	vars := map[string]string{}
	if err != nil {
		vars["MAGNET_ERROR"] = err.Error()
	}
	s.trigger(ctx, OnError, vars)
}

func encodeParams(params map[string]any) string {
	if params == nil {
		return "{}"
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// trigger runs every hook registered for t, one after another.
func (s *System) trigger(ctx context.Context, t Trigger, vars map[string]string) {
	if len(s.hooks) == 0 {
		return
	}
	vars["MAGNET_TRIGGER"] = string(t)
	vars["MAGNET_CWD"] = s.cwd
	for _, h := range s.hooks {
		if h.Trigger != t {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.run(ctx, h, vars)
	}
}

func (s *System) run(ctx context.Context, h Hook, vars map[string]string) {
	command := h.Command
	if command == "" {
		path, cleanup, err := writeScript(h.Script)
		if err != nil {
			logger.WarnCF("hooks", "Failed to prepare hook script", map[string]any{
				"hook":  h.Name,
				"error": err.Error(),
			})
			return
		}
		defer cleanup()
		command = path
	}

	res, err := s.env.ExecCommand(ctx, command, h.timeout(), s.cwd, vars)
	fields := map[string]any{"hook": h.Name, "trigger": string(h.Trigger)}
	switch {
	case err != nil:
		fields["error"] = err.Error()
		logger.WarnCF("hooks", "Hook failed to start", fields)
	case res.TimedOut:
		fields["timeout"] = h.timeout().String()
		logger.WarnCF("hooks", "Hook timed out", fields)
	case res.ExitCode != 0:
		fields["exit_code"] = res.ExitCode
		fields["stderr"] = res.Stderr
		logger.WarnCF("hooks", "Hook exited with error", fields)
	default:
		fields["duration_ms"] = res.DurationMs
		logger.DebugCF("hooks", "Hook finished", fields)
	}
}

// writeScript saves script as an executable bash file.
func writeScript(script string) (string, func(), error) {
	f, err := os.CreateTemp("", "magnet-hook-*.sh")
	if err != nil {
		return "", nil, fmt.Errorf("create hook script: %w", err)
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if _, err := f.WriteString("#!/bin/bash\n" + script + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write hook script: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write hook script: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("chmod hook script: %w", err)
	}
	return path, cleanup, nil
}
