package service

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zeebo/blake3"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/port/cache"
)

const (
	// SummaryPrefix starts the synthetic user message that replaces the
	// compacted part of a history.
	SummaryPrefix = "[prior context summary] "

	minCompactMessages = 5
	minCompactMiddle   = 2

	summaryCachePrefix = "compact:"
)

const summarizerPrompt = "You compress conversation history for an autonomous agent. " +
	"Summarize the transcript you are given. Preserve every fact, decision, tool outcome, " +
	"open question and user preference the agent will need to continue. Be concise and do not add commentary."

// Chatter is the part of the gateway the compactor needs.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// CompactionReport describes one compaction pass.
type CompactionReport struct {
	Compacted    bool
	Summarized   bool
	Cached       bool
	Removed      int
	TokensBefore int
	TokensAfter  int
	CostUSD      float64
}

// Compactor shrinks long histories by summarizing the middle of the
// conversation while keeping its head and recent tail verbatim.
type Compactor struct {
	cfg     config.Compaction
	cache   cache.Cache
	log     *slog.Logger
	metrics *agentotel.Metrics
}

// NewCompactor creates a compactor. A nil cache disables summary caching.
func NewCompactor(cfg config.Compaction, c cache.Cache, log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxToolResultChars <= 0 {
		cfg.MaxToolResultChars = 2000
	}
	if cfg.FallbackKeep <= 0 {
		cfg.FallbackKeep = 4
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1024
	}
	return &Compactor{cfg: cfg, cache: c, log: log}
}

// SetMetrics wires compaction counters.
func (c *Compactor) SetMetrics(m *agentotel.Metrics) {
	c.metrics = m
}

// ShouldCompact reports whether msgs exceed threshold of the context limit.
func (c *Compactor) ShouldCompact(msgs []message.Message, contextLimit int, threshold float64) bool {
	return float64(EstimateTokens(msgs)) > threshold*float64(contextLimit)
}

// Compact returns a shorter history, or msgs itself when there is nothing to
// compact. Summarization failures fall back to keeping the most recent
// compactable messages.
func (c *Compactor) Compact(ctx context.Context, chat Chatter, msgs []message.Message, protectedTools int) ([]message.Message, CompactionReport) {
	report := CompactionReport{TokensBefore: EstimateTokens(msgs)}
	if len(msgs) < minCompactMessages {
		report.TokensAfter = report.TokensBefore
		return msgs, report
	}
	split := splitHistory(msgs, protectedTools)
	before, after := msgs[split.headEnd:split.tailStart], []message.Message(nil)
	if split.pinned >= 0 {
		before, after = msgs[split.headEnd:split.pinned], msgs[split.pinned+1:split.tailStart]
	}
	if len(before)+len(after) < minCompactMiddle {
		report.TokensAfter = report.TokensBefore
		return msgs, report
	}
	middle := make([]message.Message, 0, len(before)+len(after))
	middle = append(append(middle, before...), after...)

	var condensed []message.Message
	summary, costUSD, cached, err := c.summarize(ctx, chat, middle)
	report.CostUSD = costUSD
	if err != nil {
		c.log.WarnContext(ctx, "compaction summary failed, truncating", "error", err, "middle", len(middle))
		recent := after
		if len(recent) == 0 {
			recent = before
		}
		condensed = fallbackKeep(recent, c.cfg.FallbackKeep)
	} else {
		report.Summarized = true
		report.Cached = cached
		condensed = []message.Message{message.User(SummaryPrefix + summary)}
	}

	// The pinned user message keeps its place relative to the compacted
	// messages when they all precede it.
	out := make([]message.Message, 0, split.headEnd+len(condensed)+2+len(msgs)-split.tailStart)
	out = append(out, msgs[:split.headEnd]...)
	switch {
	case split.pinned < 0:
		out = append(out, condensed...)
	case len(after) == 0:
		out = append(out, condensed...)
		out = append(out, msgs[split.pinned])
	default:
		out = append(out, msgs[split.pinned])
		out = append(out, condensed...)
	}
	out = append(out, msgs[split.tailStart:]...)

	report.Compacted = true
	report.Removed = len(msgs) - len(out)
	report.TokensAfter = EstimateTokens(out)
	c.metrics.Compacted(ctx, report.Summarized)
	c.log.InfoContext(ctx, "history compacted",
		"summarized", report.Summarized, "cached", report.Cached,
		"messages_before", len(msgs), "messages_after", len(out),
		"tokens_before", report.TokensBefore, "tokens_after", report.TokensAfter)
	return out, report
}

// historySplit marks the parts of a history that compaction keeps verbatim:
// msgs[:headEnd], msgs[tailStart:] and, when pinned >= 0, msgs[pinned].
type historySplit struct {
	headEnd   int
	pinned    int
	tailStart int
}

// splitHistory protects the leading system messages, the most recent user
// message, and up to n of the most recent tool messages together with the
// assistant turns that requested them and everything after. A user message
// directly after the system messages joins the head. The tail never starts
// with a tool message.
func splitHistory(msgs []message.Message, n int) historySplit {
	s := historySplit{pinned: -1}
	for s.headEnd < len(msgs) && msgs[s.headEnd].Role == message.RoleSystem {
		s.headEnd++
	}

	lastUser := -1
	for i := len(msgs) - 1; i >= s.headEnd; i-- {
		if msgs[i].Role == message.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser == s.headEnd {
		s.headEnd++
	}

	toolQuota := 0
	for _, m := range msgs[s.headEnd:] {
		if m.Role == message.RoleTool {
			toolQuota++
		}
	}
	toolQuota = min(toolQuota, max(n, 0))

	s.tailStart = len(msgs)
	if toolQuota == 0 && lastUser >= s.headEnd {
		s.tailStart = lastUser
	}
	toolsKept := 0
	for s.tailStart > s.headEnd && toolsKept < toolQuota {
		s.tailStart--
		if msgs[s.tailStart].Role == message.RoleTool {
			toolsKept++
		}
	}
	for s.tailStart > s.headEnd && msgs[s.tailStart].Role == message.RoleTool {
		s.tailStart--
	}

	if lastUser >= s.headEnd && lastUser < s.tailStart {
		s.pinned = lastUser
	}
	return s
}

// fallbackKeep returns the last keep middle messages, always dropping at
// least one and never starting with a tool message.
func fallbackKeep(middle []message.Message, keep int) []message.Message {
	keep = min(keep, len(middle)-1)
	if keep <= 0 {
		return nil
	}
	kept := middle[len(middle)-keep:]
	for len(kept) > 0 && kept[0].Role == message.RoleTool {
		kept = kept[1:]
	}
	return kept
}

func (c *Compactor) summarize(ctx context.Context, chat Chatter, middle []message.Message) (summary string, costUSD float64, cached bool, err error) {
	transcript := renderTranscript(middle, c.cfg.MaxToolResultChars)
	sum := blake3.Sum256([]byte(transcript))
	key := summaryCachePrefix + hex.EncodeToString(sum[:])

	if c.cache != nil {
		data, ok, cerr := c.cache.Get(ctx, key)
		if cerr != nil {
			c.log.WarnContext(ctx, "summary cache get failed", "error", cerr)
		} else if ok && len(data) > 0 {
			return string(data), 0, true, nil
		}
	}

	if chat == nil {
		return "", 0, false, fmt.Errorf("summarize: no chat client")
	}
	resp, err := chat.Chat(ctx, llm.ChatRequest{
		Tier: llm.TierFast,
		Messages: []message.Message{
			message.System(summarizerPrompt),
			message.User(transcript),
		},
		MaxOutputTokens: c.cfg.SummaryMaxTokens,
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(resp.Text)
	if summary == "" {
		return "", resp.Record.CostUSD, false, fmt.Errorf("summarize: empty summary")
	}

	if c.cache != nil {
		if cerr := c.cache.Set(ctx, key, []byte(summary), c.cfg.SummaryTTL); cerr != nil {
			c.log.WarnContext(ctx, "summary cache set failed", "error", cerr)
		}
	}
	return summary, resp.Record.CostUSD, false, nil
}

// renderTranscript turns messages into plain text for the summarizer.
func renderTranscript(msgs []message.Message, maxToolChars int) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case message.RoleTool:
			fmt.Fprintf(&b, "[tool result %s] %s\n", m.Name, truncate(m.Content, maxToolChars))
		case message.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "[assistant] %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				fmt.Fprintf(&b, "[assistant called %s] %s\n", tc.Name, args)
			}
		default:
			fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}
