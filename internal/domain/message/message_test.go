package message_test

import (
	"errors"
	"testing"

	"github.com/Strob0t/agentloop/internal/domain/message"
)

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"whitespace", "   ", 0, false},
		{"object", `{"text":"hello","n":2}`, 2, false},
		{"null", "null", 0, false},
		{"truncated", `{"text":"hel`, 0, true},
		{"array", `[1,2]`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := message.ParseArguments(tt.raw)
			if args == nil {
				t.Fatal("ParseArguments must never return a nil map")
			}
			if len(args) != tt.wantLen {
				t.Errorf("len(args) = %d, want %d", len(args), tt.wantLen)
			}
			if tt.wantErr && !errors.Is(err, message.ErrMalformedArguments) {
				t.Errorf("expected ErrMalformedArguments, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := []message.Message{
		message.System("sys"),
		message.Assistant("", message.ToolCall{ID: "c1", Name: "echo", Arguments: map[string]any{"text": "a"}}),
	}

	cp := message.Clone(orig)
	cp[0].Content = "changed"
	cp[1].ToolCalls[0].Arguments["text"] = "b"
	cp = append(cp, message.User("extra"))

	if orig[0].Content != "sys" {
		t.Errorf("clone content change leaked: %q", orig[0].Content)
	}
	if orig[1].ToolCalls[0].Arguments["text"] != "a" {
		t.Errorf("clone argument change leaked: %v", orig[1].ToolCalls[0].Arguments["text"])
	}
	if len(orig) != 2 {
		t.Errorf("append to clone changed original length to %d", len(orig))
	}
}

func TestHasToolCalls(t *testing.T) {
	if message.Assistant("hi").HasToolCalls() {
		t.Error("plain assistant message should not report tool calls")
	}
	if !message.Assistant("", message.ToolCall{ID: "1", Name: "echo"}).HasToolCalls() {
		t.Error("assistant with calls should report tool calls")
	}
	if (message.Message{Role: message.RoleUser, ToolCalls: []message.ToolCall{{ID: "x"}}}).HasToolCalls() {
		t.Error("only assistant messages carry tool calls")
	}
}
