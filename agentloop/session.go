package agentloop

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/magnet/logger"
	"github.com/martinemde/magnet/unifiedllm"
)

// Snapshot is the persisted form of a session.
type Snapshot struct {
	SessionID string           `json:"session_id"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	TurnCount int              `json:"turn_count"`
	Messages  []MessageItem    `json:"messages"`
	Usage     unifiedllm.Usage `json:"usage"`
}

// SessionStats summarizes a session for display.
type SessionStats struct {
	SessionID    string           `json:"session_id"`
	CreatedAt    time.Time        `json:"created_at"`
	TurnCount    int              `json:"turn_count"`
	MessageCount int              `json:"message_count"`
	TokenUsage   unifiedllm.Usage `json:"token_usage"`
	ToolsCount   int              `json:"tools_count"`
	MCPServers   int              `json:"mcp_servers"`
}

// Session is one conversation: an agent plus its identity, timestamps and
// turn counter. Runs are serialized.
type Session struct {
	id        string
	createdAt time.Time
	updatedAt time.Time
	turns     int
	agent     *Agent
	mu        sync.Mutex
}

// NewSession creates a session around agent with a fresh id.
func NewSession(agent *Agent) *Session {
	now := time.Now()
	return &Session{
		id:        uuid.NewString(),
		createdAt: now,
		updatedAt: now,
		agent:     agent,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Agent returns the session's agent.
func (s *Session) Agent() *Agent { return s.agent }

// CreatedAt returns when the session started.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// UpdatedAt returns when the last turn started.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// TurnCount returns the number of user turns so far.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// IncrementTurn counts a new user turn and returns the new count.
func (s *Session) IncrementTurn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns++
	s.updatedAt = time.Now()
	return s.turns
}

// Run counts a turn and runs message through the agent. After the run ends
// the context is compacted if it grew past its threshold. The returned
// channel closes once that is done.
func (s *Session) Run(ctx context.Context, message string) <-chan AgentEvent {
	turn := s.IncrementTurn()
	logger.DebugCF("session", "Turn started", map[string]any{"session_id": s.ID(), "turn": turn})

	out := make(chan AgentEvent)
	go func() {
		defer close(out)
		for ev := range s.agent.Run(ctx, message) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if ctx.Err() == nil && s.agent.Context().NeedsCompaction() {
			s.agent.compact(ctx)
		}
	}()
	return out
}

// Compact summarizes the conversation now. Without a compactor it prunes
// old tool output instead.
func (s *Session) Compact(ctx context.Context) error {
	if s.agent.compactor == nil {
		s.agent.Context().PruneToolOutputs()
		return nil
	}
	return s.agent.compactor.Compact(ctx, s.agent.Context())
}

// Clear drops the conversation while keeping the session identity.
func (s *Session) Clear() {
	s.agent.Context().Clear()
	s.agent.detector.Reset()
}

// Stats returns counters describing the session.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	id, created, turns := s.id, s.createdAt, s.turns
	s.mu.Unlock()

	cm := s.agent.Context()
	reg := s.agent.Pipeline().Registry()
	return SessionStats{
		SessionID:    id,
		CreatedAt:    created,
		TurnCount:    turns,
		MessageCount: cm.MessageCount(),
		TokenUsage:   cm.TotalUsage(),
		ToolsCount:   reg.Count(),
		MCPServers:   len(reg.MCPServers()),
	}
}

// Snapshot captures the session for persistence.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm := s.agent.Context()
	return Snapshot{
		SessionID: s.id,
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
		TurnCount: s.turns,
		Messages:  cm.Messages(),
		Usage:     cm.TotalUsage(),
	}
}

// Restore replaces the session state with snap. The system prompt of the
// current agent is kept.
func (s *Session) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = snap.SessionID
	s.createdAt = snap.CreatedAt
	s.updatedAt = snap.UpdatedAt
	s.turns = snap.TurnCount

	cm := s.agent.Context()
	cm.Restore(snap.Messages)
	cm.SetTotalUsage(snap.Usage)
	s.agent.detector.Reset()
	logger.InfoCF("session", "Session restored", map[string]any{
		"session_id": snap.SessionID,
		"messages":   len(snap.Messages),
	})
}
