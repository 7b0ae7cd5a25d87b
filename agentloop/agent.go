package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/unifiedllm"
)

// DefaultMaxTurns bounds the model requests of a single Run.
const DefaultMaxTurns = 100

// ModelStream sends one model request and returns its normalized events.
// unifiedllm.StreamingAdapter implements it.
type ModelStream interface {
	Send(ctx context.Context, messages []unifiedllm.Message, tools []unifiedllm.ToolDefinition, stream bool) <-chan unifiedllm.StreamEvent
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	// MaxTurns bounds model requests per Run. Zero means DefaultMaxTurns.
	MaxTurns int
	// WorkDir is the directory tools resolve relative paths against.
	WorkDir string
	// NoStream requests whole replies instead of incremental chunks.
	NoStream bool
	// EventBuffer is the capacity of the event channel.
	EventBuffer int
}

// Agent drives the conversation between the model and the tools. An Agent
// runs one message at a time; it owns its context manager while running.
type Agent struct {
	model     ModelStream
	context   *ContextManager
	pipeline  *Pipeline
	detector  *LoopDetector
	compactor *Compactor
	config    AgentConfig

	stopOnce sync.Once
	stopped  chan struct{}
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithCompactor enables summary compaction when the context fills up.
func WithCompactor(c *Compactor) AgentOption {
	return func(a *Agent) { a.compactor = c }
}

// WithLoopDetector replaces the default loop detector.
func WithLoopDetector(d *LoopDetector) AgentOption {
	return func(a *Agent) {
		if d != nil {
			a.detector = d
		}
	}
}

// NewAgent creates an Agent.
func NewAgent(model ModelStream, cm *ContextManager, pipeline *Pipeline, config AgentConfig, opts ...AgentOption) *Agent {
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultMaxTurns
	}
	a := &Agent{
		model:    model,
		context:  cm,
		pipeline: pipeline,
		detector: NewLoopDetector(),
		config:   config,
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Context returns the context manager.
func (a *Agent) Context() *ContextManager { return a.context }

// Pipeline returns the tool pipeline.
func (a *Agent) Pipeline() *Pipeline { return a.pipeline }

// Config returns the agent configuration.
func (a *Agent) Config() AgentConfig { return a.config }

// Stop ends the current run at its next boundary: before the next model
// request or tool call. A model request in flight is cancelled; a tool call
// in flight runs to completion. The run then closes its events without End.
// A stopped agent does not run again.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}

func (a *Agent) stopRequested() bool {
	select {
	case <-a.stopped:
		return true
	default:
		return false
	}
}

// Run processes message and returns its events. The channel always starts
// with Start and, unless ctx is cancelled, ends with End before it closes.
func (a *Agent) Run(ctx context.Context, message string) <-chan AgentEvent {
	em := NewEventEmitter(a.config.EventBuffer)
	go func() {
		defer em.Close()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("internal error: %v", r)
				logger.ErrorCF("agent", "Run panicked", map[string]any{"panic": fmt.Sprint(r)})
				if em.Emit(ctx, EventError, errorData(err)) == nil {
					_ = em.Emit(ctx, EventEnd, endData(nil))
				}
			}
		}()
		a.run(ctx, message, em)
	}()
	return em.Events()
}

// errStopped reports that the consumer went away or Stop was called.
var errStopped = errors.New("agent run stopped")

func (a *Agent) run(ctx context.Context, message string, em *EventEmitter) {
	hooks := a.pipeline.Hooks()

	if em.Emit(ctx, EventStart, startData(message)) != nil {
		return
	}
	logger.InfoCF("agent", "Run started", map[string]any{"message_len": len(message)})
	hooks.BeforeAgent(ctx, message)

	a.context.AddUser(message)
	a.detector.Reset()

	final, err := a.loop(ctx, em)
	if errors.Is(err, errStopped) {
		return
	}
	if err != nil {
		hooks.OnError(ctx, err)
		logger.ErrorCF("agent", "Run failed", map[string]any{"error": err.Error()})
		if em.Emit(ctx, EventError, errorData(err)) != nil {
			return
		}
	}

	response := ""
	if final != nil {
		response = *final
	}
	hooks.AfterAgent(ctx, message, response)
	logger.InfoCF("agent", "Run finished", map[string]any{
		"has_response": final != nil,
		"failed":       err != nil,
	})
	_ = em.Emit(ctx, EventEnd, endData(final))
}

// loop runs model turns until a text-only completion. It returns the last
// text the model produced and the error that stopped the run, if any.
func (a *Agent) loop(ctx context.Context, em *EventEmitter) (*string, error) {
	var final *string

	for turn := 1; ; turn++ {
		if a.stopRequested() {
			return final, errStopped
		}
		if turn > a.config.MaxTurns {
			return final, fmt.Errorf("maximum turns (%d) reached", a.config.MaxTurns)
		}
		if turn > 1 && a.context.NeedsCompaction() {
			a.compact(ctx)
		}

		text, calls, err := a.request(ctx, em)
		if err != nil {
			return final, err
		}

		a.context.AddAssistant(text, calls)
		if text != "" {
			final = &text
			if em.Emit(ctx, EventTextComplete, textData(text)) != nil {
				return final, errStopped
			}
		}
		if len(calls) == 0 {
			return final, nil
		}
		if text != "" {
			a.detector.RecordResponse(text)
			if err := a.checkLoop(); err != nil {
				a.skipCalls(calls, err)
				return final, err
			}
		}

		for i, call := range calls {
			if a.stopRequested() {
				a.skipCalls(calls[i:], errStopped)
				return final, errStopped
			}
			if err := a.invoke(ctx, em, call); err != nil {
				a.skipCalls(calls[i+1:], err)
				return final, err
			}
		}
		a.context.PruneToolOutputs()
	}
}

// checkLoop asks the detector about the latest recorded action.
func (a *Agent) checkLoop() error {
	reason := a.detector.Check()
	if reason == "" {
		return nil
	}
	logger.WarnCF("agent", "Loop detected", map[string]any{"reason": reason})
	return fmt.Errorf("loop detected: %s", reason)
}

// skipCalls answers tool calls that will not run so every call in the log
// keeps a matching result.
func (a *Agent) skipCalls(calls []unifiedllm.ToolCall, cause error) {
	for _, call := range calls {
		a.context.AddToolResult(call.ID, "Error: Tool call skipped: "+cause.Error(), true)
	}
}

// request streams one completion, forwarding text deltas. It returns the
// accumulated text and the completed tool calls.
func (a *Agent) request(ctx context.Context, em *EventEmitter) (string, []unifiedllm.ToolCall, error) {
	messages := a.context.Render()
	inputTokens := a.context.RenderedTokens()
	defs := a.pipeline.Registry().Definitions()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-a.stopped:
			cancel()
		case <-reqCtx.Done():
		}
	}()

	var (
		text  strings.Builder
		calls []unifiedllm.ToolCall
		usage *unifiedllm.Usage
	)
	for ev := range a.model.Send(reqCtx, messages, defs, !a.config.NoStream) {
		switch ev.Type {
		case unifiedllm.TextDelta:
			if ev.Delta == "" {
				continue
			}
			text.WriteString(ev.Delta)
			if em.Emit(ctx, EventTextDelta, textData(ev.Delta)) != nil {
				return "", nil, errStopped
			}
		case unifiedllm.ToolCallComplete:
			if ev.ToolCall != nil {
				calls = append(calls, *ev.ToolCall)
			}
		case unifiedllm.MessageComplete:
			usage = ev.Usage
		case unifiedllm.StreamError:
			if ctx.Err() != nil || a.stopRequested() {
				return "", nil, errStopped
			}
			err := ev.Error
			if err == nil {
				err = errors.New("unknown stream error")
			}
			return "", nil, err
		}
	}
	if ctx.Err() != nil || a.stopRequested() {
		return "", nil, errStopped
	}

	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}

	if usage == nil {
		usage = a.estimateUsage(inputTokens, text.String(), calls)
	}
	a.context.SetLatestUsage(*usage)
	a.context.AddUsage(*usage)
	return text.String(), calls, nil
}

// estimateUsage derives usage from the token counter when the provider did
// not report it.
func (a *Agent) estimateUsage(inputTokens int, text string, calls []unifiedllm.ToolCall) *unifiedllm.Usage {
	output := 0
	if text != "" {
		output += a.context.CountTokens(text)
	}
	for _, call := range calls {
		output += a.context.CountTokens(call.ArgumentsJSON())
	}
	return &unifiedllm.Usage{
		InputTokens:  inputTokens,
		OutputTokens: output,
		TotalTokens:  inputTokens + output,
		Estimated:    true,
	}
}

// invoke runs one tool call through the pipeline and records its result.
func (a *Agent) invoke(ctx context.Context, em *EventEmitter, call unifiedllm.ToolCall) error {
	args := call.Arguments
	if em.Emit(ctx, EventToolCallStart, toolStartData(call.ID, call.Name, args)) != nil {
		return errStopped
	}

	var result *ToolResult
	if call.ParseError != "" {
		result = ErrorResult("Invalid tool arguments: "+call.ParseError, map[string]any{"tool_name": call.Name})
	} else {
		result = a.pipeline.Invoke(ctx, call.Name, args, a.config.WorkDir)
	}

	a.context.AddToolResult(call.ID, result.ModelContent(), !result.Success)
	a.detector.RecordToolCall(call.Name, args)

	if em.Emit(ctx, EventToolCallComplete, toolCompleteData(call.ID, call.Name, result)) != nil {
		return errStopped
	}
	return a.checkLoop()
}

// compact summarizes the conversation, falling back to pruning old tool
// output when no compactor is configured or the summary fails.
func (a *Agent) compact(ctx context.Context) {
	if a.compactor != nil {
		if err := a.compactor.Compact(ctx, a.context); err == nil {
			return
		}
	}
	a.context.PruneToolOutputs()
}
