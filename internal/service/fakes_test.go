package service_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/agent"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/tool"
	"github.com/Strob0t/agentloop/internal/port/provider"
	"github.com/Strob0t/agentloop/internal/service"
)

// --- Fakes ---

var errVendorDown = errors.New("vendor unavailable")

// fakeVendor answers with respond. Model ids are fixed so that pricing is
// predictable.
type fakeVendor struct {
	name    string
	model   string
	window  int
	respond func(req llm.ChatRequest) (*llm.ChatResponse, error)

	// streamFailAfter makes Stream fail after emitting that many chunks;
	// negative disables it.
	streamFailAfter int

	mu       sync.Mutex
	requests []llm.ChatRequest
}

func newFakeVendor(name string, respond func(llm.ChatRequest) (*llm.ChatResponse, error)) *fakeVendor {
	return &fakeVendor{name: name, model: "test-model", window: 100000, respond: respond, streamFailAfter: -1}
}

func (v *fakeVendor) Name() string { return v.name }

func (v *fakeVendor) Model(llm.Tier) llm.ModelSpec {
	return llm.ModelSpec{ID: v.model, ContextWindow: v.window}
}

func (v *fakeVendor) Complete(ctx context.Context, _ string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	v.mu.Lock()
	v.requests = append(v.requests, req)
	v.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := v.respond(req)
	if err != nil {
		return nil, err
	}
	cp := *resp
	cp.Model = v.model
	return &cp, nil
}

func (v *fakeVendor) Stream(ctx context.Context, model string, req llm.ChatRequest) (provider.ChunkStream, error) {
	resp, err := v.Complete(ctx, model, req)
	if err != nil {
		return nil, err
	}
	return &fakeStream{chunks: chunksFor(resp), resp: *resp, failAfter: v.streamFailAfter}, nil
}

func (v *fakeVendor) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.requests)
}

func chunksFor(resp *llm.ChatResponse) []llm.Chunk {
	var out []llm.Chunk
	for _, word := range strings.SplitAfter(resp.Text, " ") {
		if word != "" {
			out = append(out, llm.Chunk{Type: llm.ChunkText, Text: word})
		}
	}
	for i, tc := range resp.ToolCalls {
		out = append(out,
			llm.Chunk{Type: llm.ChunkToolStart, Index: i, ToolCall: message.ToolCall{ID: tc.ID, Name: tc.Name}},
			llm.Chunk{Type: llm.ChunkToolDelta, Index: i, ToolCall: message.ToolCall{ID: tc.ID, Name: tc.Name}, ArgsDelta: "{}"},
			llm.Chunk{Type: llm.ChunkToolEnd, Index: i, ToolCall: tc},
		)
	}
	return out
}

type fakeStream struct {
	chunks    []llm.Chunk
	resp      llm.ChatResponse
	pos       int
	failAfter int
}

func (s *fakeStream) Next() (llm.Chunk, error) {
	if s.failAfter >= 0 && s.pos == s.failAfter {
		return llm.Chunk{}, errVendorDown
	}
	if s.pos >= len(s.chunks) {
		return llm.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *fakeStream) Response() llm.ChatResponse { return s.resp }
func (s *fakeStream) Close() error               { return nil }

func failing(llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errVendorDown
}

func text(s string) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Text: s, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func callTool(id, name string, args map[string]any) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{
		ToolCalls: []message.ToolCall{{ID: id, Name: name, Arguments: args}},
		Usage:     llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// lastMessage returns the final message of a request.
func lastMessage(req llm.ChatRequest) message.Message {
	return req.Messages[len(req.Messages)-1]
}

// firstUser returns the content of the first user message of a request.
func firstUser(req llm.ChatRequest) string {
	for _, m := range req.Messages {
		if m.Role == message.RoleUser {
			return m.Content
		}
	}
	return ""
}

// echoResponder plays the model side of the echo scenario.
func echoResponder(req llm.ChatRequest) (*llm.ChatResponse, error) {
	last := lastMessage(req)
	if last.Role == message.RoleTool {
		return text("The echo said: " + strings.TrimPrefix(last.Content, "Echo: "))
	}
	return callTool("call_1", "echo", map[string]any{"message": "hello"})
}

func newGateway(vendors ...provider.Vendor) *service.Gateway {
	return service.NewGateway(vendors, nil, config.Breaker{MaxFailures: 5, Timeout: time.Minute}, nil)
}

// newRegistry registers echo plus defs.
func newRegistry(defs ...tool.Definition) *service.Registry {
	reg := service.NewRegistry(nil)
	for _, def := range append([]tool.Definition{service.EchoTool()}, defs...) {
		if err := reg.Register(def); err != nil {
			panic(err)
		}
	}
	return reg
}

func failingTool(name string) tool.Definition {
	return tool.Definition{
		Name:       name,
		Parameters: tool.Schema{Type: "object"},
		Handler: tool.HandlerFunc(func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		}),
	}
}

func testConfig() agent.Config {
	cfg := agent.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.Compaction.Enabled = false
	return cfg
}

// memCache is an in-memory cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, val []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
	c.sets++
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}
