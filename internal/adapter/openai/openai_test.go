package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/agentloop/internal/adapter/llmhttp"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	domaintool "github.com/Strob0t/agentloop/internal/domain/tool"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "sk-test", BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func TestCompleteRequestShape(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "gpt-test" || req.Stream || req.StreamOptions != nil {
			t.Errorf("unexpected request: %+v", req)
		}
		if len(req.Messages) != 4 {
			t.Fatalf("messages = %d, want 4", len(req.Messages))
		}
		if req.Messages[0].Role != "system" {
			t.Errorf("first role = %q", req.Messages[0].Role)
		}
		asst := req.Messages[2]
		if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].Function.Arguments != `{"text":"hello"}` {
			t.Errorf("assistant tool calls = %+v", asst.ToolCalls)
		}
		if req.Messages[3].Role != "tool" || req.Messages[3].ToolCallID != "call_1" {
			t.Errorf("tool message = %+v", req.Messages[3])
		}
		if len(req.Tools) != 1 || req.Tools[0].Type != "function" || req.Tools[0].Function.Name != "echo" {
			t.Errorf("tools = %+v", req.Tools)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-test",
			"choices": []map[string]any{{
				"message": map[string]any{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]any{{
						"id":       "call_2",
						"type":     "function",
						"function": map[string]string{"name": "echo", "arguments": `{"text":"again"}`},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]int{"prompt_tokens": 30, "completion_tokens": 9},
		})
	})

	resp, err := p.Complete(context.Background(), "gpt-test", llm.ChatRequest{
		Messages: []message.Message{
			message.System("be brief"),
			message.User("echo hello"),
			message.Assistant("", message.ToolCall{ID: "call_1", Name: "echo", Arguments: map[string]any{"text": "hello"}}),
			message.ToolResult("call_1", "echo", "hello"),
		},
		Tools: []domaintool.Definition{{Name: "echo", Description: "Echo text back"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_2" || resp.ToolCalls[0].Arguments["text"] != "again" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 30 || resp.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.StopReason != "tool_calls" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
}

func TestCompleteNoChoices(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"model":"gpt-test","choices":[]}`)
	})
	_, err := p.Complete(context.Background(), "gpt-test", llm.ChatRequest{Messages: []message.Message{message.User("hi")}})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func writeData(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, l := range lines {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", l)
	}
}

func drain(t *testing.T, s interface {
	Next() (llm.Chunk, error)
}) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for {
		c, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, c)
	}
}

func TestStreamMultiplexedToolCalls(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream with include_usage")
		}
		writeData(w,
			`{"model":"gpt-test","choices":[{"delta":{"content":"Working"},"finish_reason":null}]}`,
			`{"model":"gpt-test","choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_a","function":{"name":"echo","arguments":""}}]},"finish_reason":null}]}`,
			`{"model":"gpt-test","choices":[{"delta":{"tool_calls":[{"index":1,"id":"call_b","function":{"name":"current_time","arguments":"{}"}}]},"finish_reason":null}]}`,
			`{"model":"gpt-test","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"text\":"}}]},"finish_reason":null}]}`,
			`{"model":"gpt-test","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"hi\"}"}}]},"finish_reason":null}]}`,
			`{"model":"gpt-test","choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"model":"gpt-test","choices":[],"usage":{"prompt_tokens":50,"completion_tokens":12}}`,
			`[DONE]`,
		)
	})

	s, err := p.Stream(context.Background(), "gpt-test", llm.ChatRequest{Messages: []message.Message{message.User("go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	chunks := drain(t, s)
	var ends []llm.Chunk
	for _, c := range chunks {
		if c.Type == llm.ChunkToolEnd {
			ends = append(ends, c)
		}
	}
	if chunks[0].Type != llm.ChunkText || chunks[0].Text != "Working" {
		t.Errorf("first chunk = %+v", chunks[0])
	}
	if len(ends) != 2 || ends[0].ToolCall.ID != "call_a" || ends[1].ToolCall.ID != "call_b" {
		t.Fatalf("tool ends = %+v", ends)
	}

	resp := s.Response()
	if len(resp.ToolCalls) != 2 || resp.ToolCalls[0].Arguments["text"] != "hi" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 50 || resp.Usage.OutputTokens != 12 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.StopReason != "tool_calls" || resp.Text != "Working" {
		t.Errorf("response = %+v", resp)
	}
}

func TestStreamWithoutFinishReason(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		writeData(w,
			`{"model":"local","choices":[{"delta":{"tool_calls":[{"index":0,"function":{"name":"echo","arguments":"{\"text\":\"x\"}"}}]},"finish_reason":null}]}`,
		)
	})

	s, err := p.Stream(context.Background(), "local", llm.ChatRequest{Messages: []message.Message{message.User("go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	drain(t, s)
	resp := s.Response()
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected pending call to be flushed at EOF, got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].ID == "" {
		t.Error("expected synthesized call id")
	}
}

func TestStreamErrorChunk(t *testing.T) {
	p := testProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		writeData(w, `{"error":{"type":"server_error","message":"boom"}}`)
	})
	s, err := p.Stream(context.Background(), "gpt-test", llm.ChatRequest{Messages: []message.Message{message.User("go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer func() { _ = s.Close() }()

	_, err = s.Next()
	var pe *llmhttp.ProviderError
	if !errors.As(err, &pe) || pe.Message != "boom" {
		t.Fatalf("expected ProviderError, got %v", err)
	}
}

func TestNameOverride(t *testing.T) {
	p := New(Config{Name: "litellm", Defaults: map[llm.Tier]llm.ModelSpec{llm.TierSmart: {ID: "smart", ContextWindow: 1000}}})
	if p.Name() != "litellm" {
		t.Errorf("name = %q", p.Name())
	}
	if got := p.Model(llm.TierFast); got.ID != "smart" {
		t.Errorf("missing tier should fall back to smart, got %+v", got)
	}
}
