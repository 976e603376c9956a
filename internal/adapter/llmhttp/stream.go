package llmhttp

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
)

// NextFunc produces the next chunk of a vendor stream, or io.EOF when the
// response is complete. It receives the stream so it can record usage,
// model, and stop reason as the vendor reports them.
type NextFunc func(s *Stream) (llm.Chunk, error)

// Stream adapts a vendor-specific NextFunc to provider.ChunkStream and
// accumulates the complete response as chunks pass through.
type Stream struct {
	next   NextFunc
	closer io.Closer

	mu   sync.Mutex
	resp llm.ChatResponse
	text strings.Builder
	done bool
}

// NewStream creates a stream over next. closer is usually the response body.
func NewStream(closer io.Closer, next NextFunc) *Stream {
	return &Stream{next: next, closer: closer}
}

// Next returns the next chunk, or io.EOF once the response is complete.
func (s *Stream) Next() (llm.Chunk, error) {
	if s.done {
		return llm.Chunk{}, io.EOF
	}
	c, err := s.next(s)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
		}
		return llm.Chunk{}, err
	}

	s.mu.Lock()
	switch c.Type {
	case llm.ChunkText:
		s.text.WriteString(c.Text)
	case llm.ChunkToolEnd:
		s.resp.ToolCalls = append(s.resp.ToolCalls, c.ToolCall)
	}
	s.mu.Unlock()
	return c, nil
}

// Response returns what has been accumulated so far; complete after io.EOF.
func (s *Stream) Response() llm.ChatResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := s.resp
	resp.Text = s.text.String()
	return resp
}

// Close releases the underlying body.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// SetModel records the model the vendor reported.
func (s *Stream) SetModel(model string) {
	s.mu.Lock()
	s.resp.Model = model
	s.mu.Unlock()
}

// SetStopReason records why the vendor ended the response.
func (s *Stream) SetStopReason(reason string) {
	s.mu.Lock()
	s.resp.StopReason = reason
	s.mu.Unlock()
}

// SetUsage replaces the recorded usage.
func (s *Stream) SetUsage(u llm.Usage) {
	s.mu.Lock()
	s.resp.Usage = u
	s.mu.Unlock()
}

// AddOutputTokens adds incrementally reported output tokens.
func (s *Stream) AddOutputTokens(n int) {
	s.mu.Lock()
	s.resp.Usage.OutputTokens += n
	s.mu.Unlock()
}

// PartialCall buffers a tool call whose arguments arrive in fragments.
type PartialCall struct {
	ID   string
	Name string
	Args strings.Builder
}

// Finish completes the call. A missing id is synthesized and malformed
// arguments become an empty map; the parse error is returned for logging
// but the call is always usable.
func (p *PartialCall) Finish() (message.ToolCall, error) {
	args, err := message.ParseArguments(p.Args.String())
	id := p.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return message.ToolCall{ID: id, Name: p.Name, Arguments: args}, err
}
