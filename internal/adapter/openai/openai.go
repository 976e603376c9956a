// Package openai implements the provider port for the OpenAI Chat Completions
// API and compatible endpoints such as a LiteLLM proxy.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/Strob0t/agentloop/internal/adapter/llmhttp"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/port/provider"
)

// DefaultBaseURL is the public OpenAI API.
const DefaultBaseURL = "https://api.openai.com/v1"

// DefaultTiers maps each tier to an OpenAI model.
var DefaultTiers = map[llm.Tier]llm.ModelSpec{
	llm.TierFast:     {ID: "gpt-4o-mini", ContextWindow: 128000},
	llm.TierSmart:    {ID: "gpt-4o", ContextWindow: 128000},
	llm.TierCreative: {ID: "gpt-4.1", ContextWindow: 1047576},
}

// Config configures the adapter. Zero fields take defaults.
type Config struct {
	// Name overrides the vendor name reported in usage records.
	Name       string
	APIKey     string
	BaseURL    string
	Tiers      map[llm.Tier]llm.ModelSpec
	Defaults   map[llm.Tier]llm.ModelSpec
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider talks to a Chat Completions endpoint.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	tiers   map[llm.Tier]llm.ModelSpec
	client  *http.Client
	log     *slog.Logger
}

var _ provider.Vendor = (*Provider)(nil)

// New creates a Chat Completions provider.
func New(cfg Config) *Provider {
	p := &Provider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		tiers:   map[llm.Tier]llm.ModelSpec{},
		client:  cfg.HTTPClient,
		log:     cfg.Logger,
	}
	if p.name == "" {
		p.name = "openai"
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	defaults := cfg.Defaults
	if defaults == nil {
		defaults = DefaultTiers
	}
	for tier, spec := range defaults {
		p.tiers[tier] = spec
	}
	for tier, spec := range cfg.Tiers {
		if spec.ID == "" {
			continue
		}
		if spec.ContextWindow <= 0 {
			spec.ContextWindow = defaults[tier].ContextWindow
		}
		p.tiers[tier] = spec
	}
	return p
}

// Name returns the configured vendor name, "openai" by default.
func (p *Provider) Name() string { return p.name }

// Model resolves a tier; unknown tiers resolve to the smart model.
func (p *Provider) Model(tier llm.Tier) llm.ModelSpec {
	if spec, ok := p.tiers[tier]; ok {
		return spec
	}
	return p.tiers[llm.TierSmart]
}

// Complete sends a non-streaming request.
func (p *Provider) Complete(ctx context.Context, model string, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := llmhttp.Post(ctx, p.request(buildRequest(model, req, false), false))
	if err != nil {
		return nil, err
	}
	wire, err := llmhttp.DecodeJSON[response](resp, p.name)
	if err != nil {
		return nil, err
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", p.name)
	}

	choice := wire.Choices[0]
	out := &llm.ChatResponse{
		Text:       choice.Message.Content,
		Model:      wire.Model,
		StopReason: choice.FinishReason,
		Usage: llm.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		pc := llmhttp.PartialCall{ID: tc.ID, Name: tc.Function.Name}
		pc.Args.WriteString(tc.Function.Arguments)
		out.ToolCalls = append(out.ToolCalls, p.finish(&pc))
	}
	return out, nil
}

// Stream sends a streaming request with usage reporting enabled.
func (p *Provider) Stream(ctx context.Context, model string, req llm.ChatRequest) (provider.ChunkStream, error) {
	resp, err := llmhttp.Post(ctx, p.request(buildRequest(model, req, true), true))
	if err != nil {
		return nil, err
	}
	return p.newStream(resp.Body), nil
}

func (p *Provider) request(body request, stream bool) llmhttp.Request {
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}
	return llmhttp.Request{
		Vendor:  p.name,
		Client:  p.client,
		URL:     p.baseURL + "/chat/completions",
		Headers: headers,
		Body:    body,
		Stream:  stream,
	}
}

func (p *Provider) finish(pc *llmhttp.PartialCall) message.ToolCall {
	tc, err := pc.Finish()
	if err != nil {
		p.log.Warn("malformed tool arguments", "vendor", p.name, "tool", pc.Name, "error", err)
	}
	return tc
}

// newStream parses Chat Completions SSE chunks. Tool calls are multiplexed by
// index and only complete when finish_reason arrives, so finished calls are
// queued and drained one per Next.
func (p *Provider) newStream(body io.ReadCloser) *llmhttp.Stream {
	sse := llmhttp.NewSSEScanner(body)
	partials := map[int]*llmhttp.PartialCall{}
	var pending []llm.Chunk

	flush := func() {
		idx := make([]int, 0, len(partials))
		for i := range partials {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for _, i := range idx {
			pending = append(pending, llm.Chunk{Type: llm.ChunkToolEnd, Index: i, ToolCall: p.finish(partials[i])})
			delete(partials, i)
		}
	}

	return llmhttp.NewStream(body, func(s *llmhttp.Stream) (llm.Chunk, error) {
		for {
			if len(pending) > 0 {
				c := pending[0]
				pending = pending[1:]
				return c, nil
			}

			if !sse.Next() {
				if err := sse.Err(); err != nil {
					return llm.Chunk{}, fmt.Errorf("%s: read stream: %w", p.name, err)
				}
				// Some compatible servers close without finish_reason.
				if len(partials) > 0 {
					flush()
					continue
				}
				return llm.Chunk{}, io.EOF
			}

			data := sse.Event().Data
			if data == "[DONE]" {
				if len(partials) > 0 {
					flush()
					continue
				}
				return llm.Chunk{}, io.EOF
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return llm.Chunk{}, fmt.Errorf("%s: parse stream chunk: %w", p.name, err)
			}
			if chunk.Error != nil && chunk.Error.Message != "" {
				return llm.Chunk{}, &llmhttp.ProviderError{
					Vendor:     p.name,
					StatusCode: http.StatusOK,
					Type:       chunk.Error.Type,
					Message:    chunk.Error.Message,
				}
			}
			if chunk.Model != "" {
				s.SetModel(chunk.Model)
			}
			if chunk.Usage != nil {
				s.SetUsage(llm.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				})
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				pending = append(pending, llm.Chunk{Type: llm.ChunkText, Text: choice.Delta.Content})
			}
			for _, d := range choice.Delta.ToolCalls {
				pc, ok := partials[d.Index]
				if !ok {
					pc = &llmhttp.PartialCall{}
					partials[d.Index] = pc
				}
				if d.ID != "" {
					pc.ID = d.ID
				}
				if d.Function == nil {
					continue
				}
				if d.Function.Name != "" {
					pc.Name = d.Function.Name
				}
				if !ok {
					pending = append(pending, llm.Chunk{
						Type:     llm.ChunkToolStart,
						Index:    d.Index,
						ToolCall: message.ToolCall{ID: pc.ID, Name: pc.Name},
					})
				}
				if d.Function.Arguments != "" {
					pc.Args.WriteString(d.Function.Arguments)
					pending = append(pending, llm.Chunk{
						Type:      llm.ChunkToolDelta,
						Index:     d.Index,
						ToolCall:  message.ToolCall{ID: pc.ID, Name: pc.Name},
						ArgsDelta: d.Function.Arguments,
					})
				}
			}
			if choice.FinishReason != nil {
				s.SetStopReason(*choice.FinishReason)
				flush()
			}
		}
	})
}
