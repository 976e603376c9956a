package service_test

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/service"
)

type fakeChatter struct {
	reply    string
	err      error
	requests []llm.ChatRequest
}

func (f *fakeChatter) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Text: f.reply}, nil
}

// longHistory has three user turns; the last one is still in progress.
func longHistory() []message.Message {
	echo := func(id, msg string) message.ToolCall {
		return message.ToolCall{ID: id, Name: "echo", Arguments: map[string]any{"message": msg}}
	}
	return []message.Message{
		message.System("be helpful"),
		message.User("first task"),
		message.Assistant("first answer"),
		message.User("second task"),
		message.Assistant("", echo("c1", "one")),
		message.ToolResult("c1", "echo", "Echo: one"),
		message.Assistant("second answer"),
		message.User("third task"),
		message.Assistant("", echo("c2", "two")),
		message.ToolResult("c2", "echo", "Echo: two"),
	}
}

func TestCompactIdentityBelowFiveMessages(t *testing.T) {
	chat := &fakeChatter{reply: "summary"}
	c := service.NewCompactor(config.Compaction{}, nil, nil)
	msgs := longHistory()[:4]

	out, report := c.Compact(context.Background(), chat, msgs, 1)
	if report.Compacted || len(out) != len(msgs) {
		t.Fatalf("expected identity, got %d messages (report %+v)", len(out), report)
	}
	for i := range msgs {
		if out[i].Content != msgs[i].Content || out[i].Role != msgs[i].Role {
			t.Errorf("message %d changed", i)
		}
	}
	if len(chat.requests) != 0 {
		t.Error("summarizer must not be called")
	}
}

func TestCompactSummarizesMiddle(t *testing.T) {
	chat := &fakeChatter{reply: "user asked two things, echo said one"}
	c := service.NewCompactor(config.Compaction{}, nil, nil)
	msgs := longHistory()

	out, report := c.Compact(context.Background(), chat, msgs, 1)
	if !report.Compacted || !report.Summarized {
		t.Fatalf("expected summarized compaction, got %+v", report)
	}
	if len(out) != 5 {
		t.Fatalf("compacted history has %d messages, want 5", len(out))
	}
	if out[0].Role != message.RoleSystem || out[0].Content != "be helpful" {
		t.Errorf("head changed: %+v", out[0])
	}
	if out[1].Role != message.RoleUser || out[1].Content != service.SummaryPrefix+chat.reply {
		t.Errorf("unexpected summary message: %+v", out[1])
	}
	tail := msgs[len(msgs)-3:]
	for i, m := range out[2:] {
		if m.Role != tail[i].Role || m.Content != tail[i].Content {
			t.Errorf("tail message %d changed: %+v", i, m)
		}
	}
	if report.TokensAfter >= report.TokensBefore {
		t.Errorf("tokens did not shrink: %d -> %d", report.TokensBefore, report.TokensAfter)
	}

	req := chat.requests[0]
	if req.Tier != llm.TierFast {
		t.Errorf("summarizer tier = %s, want fast", req.Tier)
	}
	transcript := lastMessage(req).Content
	if !strings.Contains(transcript, "first task") || strings.Contains(transcript, "third task") {
		t.Errorf("transcript should cover only the middle: %q", transcript)
	}
}

func TestCompactUsesSummaryCache(t *testing.T) {
	chat := &fakeChatter{reply: "cached summary"}
	mc := newMemCache()
	c := service.NewCompactor(config.Compaction{}, mc, nil)

	if _, report := c.Compact(context.Background(), chat, longHistory(), 1); report.Cached {
		t.Fatal("first compaction cannot be a cache hit")
	}
	out, report := c.Compact(context.Background(), chat, longHistory(), 1)
	if !report.Cached {
		t.Fatal("second compaction should hit the cache")
	}
	if len(chat.requests) != 1 || mc.sets != 1 {
		t.Errorf("summarizer calls = %d, cache sets = %d", len(chat.requests), mc.sets)
	}
	if out[1].Content != service.SummaryPrefix+"cached summary" {
		t.Errorf("unexpected summary: %q", out[1].Content)
	}
}

func TestCompactFallsBackToTruncation(t *testing.T) {
	chat := &fakeChatter{err: errVendorDown}
	c := service.NewCompactor(config.Compaction{FallbackKeep: 2}, nil, nil)
	msgs := longHistory()

	out, report := c.Compact(context.Background(), chat, msgs, 1)
	if !report.Compacted || report.Summarized {
		t.Fatalf("expected truncation fallback, got %+v", report)
	}
	if len(out) >= len(msgs) {
		t.Fatalf("history did not shrink: %d", len(out))
	}
	for _, m := range out {
		if strings.HasPrefix(m.Content, service.SummaryPrefix) {
			t.Error("fallback must not insert a summary")
		}
	}
	if out[1].Role == message.RoleTool {
		t.Error("kept middle must not start with an orphaned tool result")
	}
	if out[len(out)-1].Content != "Echo: two" {
		t.Errorf("tail lost: %+v", out[len(out)-1])
	}
}

func TestCompactEmptySummaryFallsBack(t *testing.T) {
	chat := &fakeChatter{reply: "   "}
	c := service.NewCompactor(config.Compaction{}, nil, nil)
	_, report := c.Compact(context.Background(), chat, longHistory(), 1)
	if report.Summarized {
		t.Error("blank summary must be treated as a failure")
	}
}

// singleTaskRun is the shape every loop run has: one task followed by
// tool turns.
func singleTaskRun() []message.Message {
	msgs := []message.Message{message.System("s"), message.User("the task")}
	for _, id := range []string{"c1", "c2", "c3"} {
		msgs = append(msgs,
			message.Assistant("", message.ToolCall{ID: id, Name: "echo", Arguments: map[string]any{"message": id}}),
			message.ToolResult(id, "echo", "Echo: "+id),
		)
	}
	return msgs
}

func TestCompactSingleTaskRunKeepsTask(t *testing.T) {
	chat := &fakeChatter{reply: "echoed c1 and c2"}
	msgs := singleTaskRun()

	out, report := service.NewCompactor(config.Compaction{}, nil, nil).Compact(context.Background(), chat, msgs, 1)
	if !report.Compacted || !report.Summarized {
		t.Fatalf("expected summarized compaction, got %+v", report)
	}
	if len(out) != 5 {
		t.Fatalf("compacted history has %d messages, want 5", len(out))
	}
	if out[1].Role != message.RoleUser || out[1].Content != "the task" {
		t.Errorf("task message not kept: %+v", out[1])
	}
	if out[2].Content != service.SummaryPrefix+chat.reply {
		t.Errorf("unexpected summary message: %+v", out[2])
	}
	if out[3].Role != message.RoleAssistant || out[4].ToolCallID != "c3" {
		t.Errorf("last tool pair not kept: %+v %+v", out[3], out[4])
	}
	transcript := lastMessage(chat.requests[0]).Content
	if strings.Contains(transcript, "the task") || strings.Contains(transcript, "Echo: c3") {
		t.Errorf("transcript should cover only the compacted turns: %q", transcript)
	}
}

func TestCompactPinsLastUserBeforeLaterWork(t *testing.T) {
	chat := &fakeChatter{reply: "earlier work"}
	msgs := append(longHistory(),
		message.Assistant("", message.ToolCall{ID: "c3", Name: "echo"}),
		message.ToolResult("c3", "echo", "Echo: three"),
	)

	out, report := service.NewCompactor(config.Compaction{}, nil, nil).Compact(context.Background(), chat, msgs, 1)
	if !report.Compacted {
		t.Fatalf("expected compaction, got %+v", report)
	}
	roles := make([]message.Role, 0, len(out))
	for _, m := range out {
		roles = append(roles, m.Role)
	}
	want := []message.Role{message.RoleSystem, message.RoleUser, message.RoleUser, message.RoleAssistant, message.RoleTool}
	if !slices.Equal(roles, want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	if out[1].Content != "third task" {
		t.Errorf("last user message not pinned: %+v", out[1])
	}
	if out[4].Content != "Echo: three" {
		t.Errorf("tail lost: %+v", out[4])
	}
}

func TestCompactSingleTaskRunFallbackKeepsTask(t *testing.T) {
	chat := &fakeChatter{err: errVendorDown}
	msgs := singleTaskRun()

	out, report := service.NewCompactor(config.Compaction{FallbackKeep: 2}, nil, nil).Compact(context.Background(), chat, msgs, 1)
	if !report.Compacted || report.Summarized {
		t.Fatalf("expected truncation fallback, got %+v", report)
	}
	if len(out) >= len(msgs) {
		t.Fatalf("history did not shrink: %d", len(out))
	}
	if out[1].Content != "the task" {
		t.Errorf("task message lost: %+v", out[1])
	}
	for i := 1; i < len(out); i++ {
		if out[i].Role == message.RoleTool && out[i-1].Role != message.RoleAssistant && out[i-1].Role != message.RoleTool {
			t.Errorf("orphaned tool result at %d", i)
		}
	}
}

func TestShouldCompact(t *testing.T) {
	c := service.NewCompactor(config.Compaction{}, nil, nil)
	msgs := longHistory()
	tokens := service.EstimateTokens(msgs)

	if c.ShouldCompact(msgs, tokens*2, 0.8) {
		t.Error("history at half the window should not trigger")
	}
	if !c.ShouldCompact(msgs, tokens, 0.8) {
		t.Error("history above the threshold should trigger")
	}
}
