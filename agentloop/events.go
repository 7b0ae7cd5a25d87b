package agentloop

import (
	"context"
	"sync"
	"time"
)

// EventKind identifies the type of agent event.
type EventKind string

const (
	EventStart            EventKind = "start"
	EventTextDelta        EventKind = "text_delta"
	EventTextComplete     EventKind = "text_complete"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallComplete EventKind = "tool_call_complete"
	EventError            EventKind = "error"
	EventEnd              EventKind = "end"
)

// AgentEvent is a typed event emitted by the agent loop.
type AgentEvent struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// String returns a string payload field, or "" when absent.
func (e AgentEvent) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Result returns the tool result carried by a tool_call_complete event.
func (e AgentEvent) Result() *ToolResult {
	r, _ := e.Data["result"].(*ToolResult)
	return r
}

// EventEmitter delivers events to a single consumer over a channel. Emit
// blocks until the consumer receives the event or ctx is done.
type EventEmitter struct {
	ch   chan AgentEvent
	once sync.Once
}

// NewEventEmitter creates an EventEmitter. A bufferSize of 0 makes every
// send a rendezvous with the consumer.
func NewEventEmitter(bufferSize int) *EventEmitter {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &EventEmitter{ch: make(chan AgentEvent, bufferSize)}
}

// Emit sends an event, returning ctx.Err() if the context ends first.
func (e *EventEmitter) Emit(ctx context.Context, kind EventKind, data map[string]any) error {
	event := AgentEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		Data:      data,
	}
	select {
	case e.ch <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan AgentEvent {
	return e.ch
}

// Close closes the event channel. Only the producer may call it, and it is
// safe to call more than once.
func (e *EventEmitter) Close() {
	e.once.Do(func() { close(e.ch) })
}

func startData(message string) map[string]any {
	return map[string]any{"message": message}
}

func textData(content string) map[string]any {
	return map[string]any{"content": content}
}

func toolStartData(callID, name string, args map[string]any) map[string]any {
	return map[string]any{"call_id": callID, "name": name, "arguments": args}
}

func toolCompleteData(callID, name string, result *ToolResult) map[string]any {
	return map[string]any{"call_id": callID, "name": name, "result": result}
}

func errorData(err error) map[string]any {
	return map[string]any{"error": err.Error(), "cause": err}
}

func endData(response *string) map[string]any {
	if response == nil {
		return map[string]any{"response": nil}
	}
	return map[string]any{"response": *response}
}
