// Package session defines the per-execution agent session: its history,
// counters, tool log, lifecycle state, and final run result.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentloop/internal/domain/cost"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// Status is the lifecycle state of a session. The last five are terminal and
// double as the run's termination reason.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusRunning             Status = "running"
	StatusAwaitingToolResults Status = "awaiting_tool_results"
	StatusComplete            Status = "complete"
	StatusMaxTurns            Status = "max_turns"
	StatusTimeout             Status = "timeout"
	StatusCostLimit           Status = "cost_limit"
	StatusError               Status = "error"
)

// Terminal reports whether s ends a session.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusMaxTurns, StatusTimeout, StatusCostLimit, StatusError:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusIdle:                {StatusRunning, StatusError},
	StatusRunning:             {StatusAwaitingToolResults, StatusComplete, StatusMaxTurns, StatusTimeout, StatusCostLimit, StatusError},
	StatusAwaitingToolResults: {StatusRunning, StatusError},
}

// ErrFrozen is returned when mutating a session that already terminated.
var ErrFrozen = errors.New("session is terminated")

// ErrInvalidTransition is returned for a lifecycle move the state machine forbids.
var ErrInvalidTransition = errors.New("invalid session transition")

// Session is the mutable state of one agent execution. It is owned by a
// single loop; observers use Snapshot.
type Session struct {
	ID         string
	AgentName  string
	ParentID   string
	Depth      int
	Messages   []message.Message
	Turn       int
	StartedAt  time.Time
	FinishedAt time.Time
	ToolLog    []tool.ExecutionRecord
	Tracker    *cost.Tracker
	SpentUSD   float64
	Status     Status
}

// New creates an idle session with a fresh id. A nil tracker gets a new one.
func New(agentName, parentID string, depth int, tracker *cost.Tracker) *Session {
	if tracker == nil {
		tracker = cost.NewTracker()
	}
	return &Session{
		ID:        uuid.NewString(),
		AgentName: agentName,
		ParentID:  parentID,
		Depth:     depth,
		Tracker:   tracker,
		Status:    StatusIdle,
	}
}

// Transition moves the session to the next state.
func (s *Session) Transition(to Status) error {
	if s.Status.Terminal() {
		return ErrFrozen
	}
	if !slices.Contains(transitions[s.Status], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}
	s.Status = to
	if to.Terminal() {
		s.FinishedAt = time.Now()
	}
	return nil
}

// Append adds messages to the history.
func (s *Session) Append(msgs ...message.Message) error {
	if s.Status.Terminal() {
		return ErrFrozen
	}
	s.Messages = append(s.Messages, msgs...)
	return nil
}

// ReplaceHistory swaps in a compacted history.
func (s *Session) ReplaceHistory(msgs []message.Message) error {
	if s.Status.Terminal() {
		return ErrFrozen
	}
	s.Messages = msgs
	return nil
}

// RecordTool appends an execution record to the tool log.
func (s *Session) RecordTool(rec tool.ExecutionRecord) error {
	if s.Status.Terminal() {
		return ErrFrozen
	}
	s.ToolLog = append(s.ToolLog, rec)
	return nil
}

// AddSpend adds the cost of one of this session's own provider calls.
func (s *Session) AddSpend(usd float64) {
	s.SpentUSD += usd
}

// Elapsed returns the wall-clock time since the session started.
func (s *Session) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// LastAssistantText returns the content of the most recent assistant message
// that carries text, or "".
func (s *Session) LastAssistantText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == message.RoleAssistant && strings.TrimSpace(m.Content) != "" {
			return m.Content
		}
	}
	return ""
}

// ToolsCalled returns the names of dispatched tools in call order.
func (s *Session) ToolsCalled() []string {
	names := make([]string, 0, len(s.ToolLog))
	for i := range s.ToolLog {
		names = append(names, s.ToolLog[i].Name)
	}
	return names
}

// Snapshot is a read-only copy of a session for hooks and observers.
type Snapshot struct {
	ID        string                 `json:"id"`
	AgentName string                 `json:"agent_name"`
	ParentID  string                 `json:"parent_id,omitempty"`
	Depth     int                    `json:"depth"`
	Messages  []message.Message      `json:"messages"`
	Turn      int                    `json:"turn"`
	StartedAt time.Time              `json:"started_at"`
	Elapsed   time.Duration          `json:"elapsed"`
	ToolLog   []tool.ExecutionRecord `json:"tool_log"`
	SpentUSD  float64                `json:"spent_usd"`
	Usage     cost.Summary           `json:"usage"`
	Status    Status                 `json:"status"`
}

// Snapshot deep-copies the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.ID,
		AgentName: s.AgentName,
		ParentID:  s.ParentID,
		Depth:     s.Depth,
		Messages:  message.Clone(s.Messages),
		Turn:      s.Turn,
		StartedAt: s.StartedAt,
		Elapsed:   s.Elapsed(time.Now()),
		ToolLog:   slices.Clone(s.ToolLog),
		SpentUSD:  s.SpentUSD,
		Usage:     s.Tracker.Totals(),
		Status:    s.Status,
	}
}

// RunResult is produced exactly once when a loop terminates.
type RunResult struct {
	FinalText string         `json:"final_text"`
	Success   bool           `json:"success"`
	Reason    Status         `json:"reason"`
	Session   *Session       `json:"-"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewRunResult builds the result for a session that just terminated.
func NewRunResult(s *Session, reason Status, finalText string) *RunResult {
	res := &RunResult{
		FinalText: finalText,
		Success:   reason == StatusComplete,
		Reason:    reason,
		Session:   s,
	}
	if trimmed := strings.TrimSpace(finalText); strings.HasPrefix(trimmed, "{") {
		var payload map[string]any
		if json.Unmarshal([]byte(trimmed), &payload) == nil {
			res.Payload = payload
		}
	}
	return res
}

// TurnsUsed returns the number of provider round-trips the run made.
func (r *RunResult) TurnsUsed() int {
	if r.Session == nil {
		return 0
	}
	return r.Session.Turn
}

// ToolsCalled returns the tools the run dispatched, in order.
func (r *RunResult) ToolsCalled() []string {
	if r.Session == nil {
		return nil
	}
	return r.Session.ToolsCalled()
}

type contextKey struct{}

// NewContext returns a context carrying the session that is dispatching tools,
// so that tool handlers such as the delegation tool can find their parent.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the dispatching session, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}
