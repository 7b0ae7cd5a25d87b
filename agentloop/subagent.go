package agentloop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/magnet/logger"
)

const (
	subagentToolPrefix     = "subagent_"
	defaultSubagentTurns   = 20
	defaultSubagentTimeout = 600 * time.Second
	noSubagentResponse     = "Sub-agent produced no final response."
)

// SubagentDefinition describes a specialised nested agent exposed as a
// tool.
type SubagentDefinition struct {
	Name           string   `json:"name" mapstructure:"name" yaml:"name" validate:"required"`
	Description    string   `json:"description" mapstructure:"description" yaml:"description" validate:"required"`
	GoalPrompt     string   `json:"goal_prompt" mapstructure:"goal_prompt" yaml:"goal_prompt"`
	AllowedTools   []string `json:"allowed_tools,omitempty" mapstructure:"allowed_tools" yaml:"allowed_tools,omitempty"`
	MaxTurns       int      `json:"max_turns" mapstructure:"max_turns" yaml:"max_turns" validate:"gte=0"`
	TimeoutSeconds float64  `json:"timeout_seconds" mapstructure:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the wall-clock budget of one sub-agent run.
func (d SubagentDefinition) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return defaultSubagentTimeout
	}
	return time.Duration(d.TimeoutSeconds * float64(time.Second))
}

func (d SubagentDefinition) turns() int {
	if d.MaxTurns <= 0 {
		return defaultSubagentTurns
	}
	return d.MaxTurns
}

// DefaultSubagents returns the definitions available when none are
// configured.
func DefaultSubagents() []SubagentDefinition {
	return []SubagentDefinition{
		{
			Name:        "codebase_investigator",
			Description: "investigates the codebase to answer questions about structure, behavior and dependencies without modifying anything.",
			GoalPrompt: "You are a codebase investigator. Explore the code with the read-only tools available to you " +
				"and report precise findings with file paths and line numbers. Do not modify any file.",
			AllowedTools:   []string{"read_file", "list_dir", "grep", "glob"},
			MaxTurns:       defaultSubagentTurns,
			TimeoutSeconds: defaultSubagentTimeout.Seconds(),
		},
		{
			Name:        "code_reviewer",
			Description: "reviews recent changes for bugs, style problems and missing tests.",
			GoalPrompt: "You are a careful code reviewer. Read the relevant files and diffs, then list concrete problems " +
				"ordered by severity, each with its location and a suggested fix. Do not modify any file.",
			AllowedTools:   []string{"read_file", "list_dir", "grep", "glob", "shell"},
			MaxTurns:       defaultSubagentTurns,
			TimeoutSeconds: defaultSubagentTimeout.Seconds(),
		},
	}
}

// SubagentTermination is why a sub-agent run ended.
type SubagentTermination string

const (
	SubagentCompleted SubagentTermination = "completed"
	SubagentTimeout   SubagentTermination = "timeout"
	SubagentError     SubagentTermination = "error"
)

// SubagentFactory builds the nested agents of sub-agent tools. Nested agents
// share the parent's model, tools and pipeline options.
type SubagentFactory struct {
	Model           ModelStream
	Parent          *ToolRegistry
	PipelineOptions []PipelineOption
	SystemPrompt    string
	ContextWindow   int
	Counter         TokenCounter
	WorkDir         string
	NoStream        bool
	// MaxDepth is the deepest nesting level that may still run. A value
	// below 1 is treated as 1.
	MaxDepth    int
	Definitions []SubagentDefinition
}

func (f *SubagentFactory) maxDepth() int {
	if f.MaxDepth < 1 {
		return 1
	}
	return f.MaxDepth
}

// RegisterSubagentTools registers one tool per definition of f on the
// parent registry.
func RegisterSubagentTools(f *SubagentFactory) {
	for _, def := range f.Definitions {
		f.Parent.Register(NewSubagentTool(def, f, 0))
	}
}

// registry builds the tool set of an agent running at depth: the
// definition's allowed tools, limited to what the parent registry permits.
// Sub-agent tools are only present while depth is below the maximum.
func (f *SubagentFactory) registry(def SubagentDefinition, depth int) *ToolRegistry {
	reg := f.Parent.Clone(def.AllowedTools)
	for _, t := range reg.Tools() {
		if strings.HasPrefix(t.Name(), subagentToolPrefix) {
			reg.Unregister(t.Name())
		}
	}
	if depth < f.maxDepth() {
		for _, d := range f.Definitions {
			if len(def.AllowedTools) == 0 || containsString(def.AllowedTools, subagentToolPrefix+d.Name) {
				reg.Register(NewSubagentTool(d, f, depth))
			}
		}
	}
	return reg
}

func (f *SubagentFactory) newAgent(def SubagentDefinition, depth int) *Agent {
	pipeline := NewPipeline(f.registry(def, depth), f.PipelineOptions...)
	cm := NewContextManager(f.SystemPrompt, f.ContextWindow, f.Counter)
	return NewAgent(f.Model, cm, pipeline, AgentConfig{
		MaxTurns: def.turns(),
		WorkDir:  f.WorkDir,
		NoStream: f.NoStream,
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type subagentParams struct {
	Goal string `json:"goal" jsonschema:"description=The specific task or goal for the sub-agent to accomplish."`
}

// SubagentTool runs a nested agent for a goal and reports its outcome as a
// single result.
type SubagentTool struct {
	paramTool[subagentParams]
	def     SubagentDefinition
	factory *SubagentFactory
	depth   int
}

// NewSubagentTool creates the tool for def, called from an agent at depth.
func NewSubagentTool(def SubagentDefinition, factory *SubagentFactory, depth int) *SubagentTool {
	return &SubagentTool{
		paramTool: newParamTool[subagentParams](subagentToolPrefix+def.Name, "subagent "+def.Description, KindAgent),
		def:       def,
		factory:   factory,
		depth:     depth,
	}
}

// Definition returns the sub-agent definition.
func (t *SubagentTool) Definition() SubagentDefinition { return t.def }

func (t *SubagentTool) Execute(ctx context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	if strings.TrimSpace(p.Goal) == "" {
		return ErrorResult("No goal specified for sub-agent", nil)
	}
	if t.depth >= t.factory.maxDepth() {
		return ErrorResult(fmt.Sprintf("Sub-agent depth limit (%d) reached; cannot start %s", t.factory.maxDepth(), t.Name()), nil)
	}

	nested := t.factory.newAgent(t.def, t.depth+1)
	prompt := t.prompt(p.Goal)
	timeout := t.def.Timeout()

	logger.InfoCF("subagent", "Starting sub-agent", map[string]any{
		"subagent": t.def.Name,
		"depth":    t.depth + 1,
		"timeout":  timeout.String(),
	})
	out := drainSubagent(ctx, nested, prompt, timeout)
	logger.InfoCF("subagent", "Sub-agent finished", map[string]any{
		"subagent":    t.def.Name,
		"termination": string(out.termination),
		"tools":       len(out.tools),
	})

	return t.result(out)
}

func (t *SubagentTool) prompt(goal string) string {
	var sb strings.Builder
	if t.def.GoalPrompt != "" {
		sb.WriteString(t.def.GoalPrompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString("# Goal\n\n")
	sb.WriteString(goal)
	sb.WriteString("\n\nWhen you are done, reply with a concise report of what you found or did.")
	return sb.String()
}

type subagentOutcome struct {
	termination SubagentTermination
	tools       []string
	final       string
	err         string
}

// drainSubagent consumes the nested agent's events until it ends or the
// deadline passes. The deadline is checked at every event boundary and
// while waiting for the next event. On expiry the nested run is abandoned:
// it is asked to stop at its next boundary and its remaining events are
// discarded, but a tool call it is running is left to finish. Only
// cancelling ctx cancels the nested run outright.
func drainSubagent(ctx context.Context, nested *Agent, prompt string, timeout time.Duration) subagentOutcome {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopWatch := context.AfterFunc(ctx, cancel)

	events := nested.Run(runCtx, prompt)
	abandon := func() {
		nested.Stop()
		go func() {
			for range events {
			}
			stopWatch()
			cancel()
		}()
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	out := subagentOutcome{termination: SubagentCompleted}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				stopWatch()
				cancel()
				if err := ctx.Err(); err != nil && out.termination != SubagentError {
					out.termination = SubagentError
					out.err = err.Error()
				}
				return out
			}
			switch ev.Kind {
			case EventToolCallStart:
				out.tools = append(out.tools, ev.String("name"))
			case EventTextComplete:
				out.final = ev.String("content")
			case EventError:
				out.termination = SubagentError
				out.err = ev.String("error")
			case EventEnd:
				if r := ev.String("response"); r != "" {
					out.final = r
				}
			}
			if out.termination != SubagentError && time.Now().After(deadline) {
				out.termination = SubagentTimeout
				abandon()
				return out
			}
		case <-timer.C:
			if out.termination != SubagentError {
				out.termination = SubagentTimeout
			}
			abandon()
			return out
		case <-ctx.Done():
			out.termination = SubagentError
			out.err = ctx.Err().Error()
			abandon()
			return out
		}
	}
}

func (t *SubagentTool) result(out subagentOutcome) *ToolResult {
	final := strings.TrimSpace(out.final)
	if final == "" {
		final = noSubagentResponse
	}
	tools := "none"
	if len(out.tools) > 0 {
		tools = strings.Join(out.tools, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Sub-agent '%s' finished.\n", t.def.Name)
	fmt.Fprintf(&sb, "Termination: %s\n", out.termination)
	fmt.Fprintf(&sb, "Tools called: %s\n", tools)
	if out.err != "" {
		fmt.Fprintf(&sb, "Error: %s\n", out.err)
	}
	sb.WriteString("\nResult:\n")
	sb.WriteString(final)

	md := map[string]any{
		"subagent":    t.def.Name,
		"termination": string(out.termination),
		"tools_used":  out.tools,
	}
	if out.termination == SubagentError {
		r := ErrorResult("Sub-agent failed: "+out.err, md)
		r.Output = sb.String()
		return r
	}
	return SuccessResult(sb.String(), md)
}
