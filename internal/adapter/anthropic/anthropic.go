// Package anthropic implements the provider port for the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Strob0t/agentloop/internal/adapter/llmhttp"
	"github.com/Strob0t/agentloop/internal/domain/llm"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/port/provider"
)

const (
	vendorName = "anthropic"

	// DefaultBaseURL is the public Anthropic API.
	DefaultBaseURL = "https://api.anthropic.com"
	// DefaultVersion is sent as the anthropic-version header.
	DefaultVersion = "2023-06-01"

	defaultMaxTokens = 4096
)

// DefaultTiers maps each tier to a current Claude model.
var DefaultTiers = map[llm.Tier]llm.ModelSpec{
	llm.TierFast:     {ID: "claude-haiku-4-5", ContextWindow: 200000},
	llm.TierSmart:    {ID: "claude-sonnet-4-5", ContextWindow: 200000},
	llm.TierCreative: {ID: "claude-opus-4-1", ContextWindow: 200000},
}

// Config configures the adapter. Zero fields take defaults.
type Config struct {
	APIKey     string
	BaseURL    string
	Version    string
	Tiers      map[llm.Tier]llm.ModelSpec
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Provider talks to the Anthropic Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	version string
	tiers   map[llm.Tier]llm.ModelSpec
	client  *http.Client
	log     *slog.Logger
}

var _ provider.Vendor = (*Provider)(nil)

// New creates an Anthropic provider.
func New(cfg Config) *Provider {
	p := &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		version: cfg.Version,
		tiers:   make(map[llm.Tier]llm.ModelSpec, len(DefaultTiers)),
		client:  cfg.HTTPClient,
		log:     cfg.Logger,
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.version == "" {
		p.version = DefaultVersion
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	for tier, spec := range DefaultTiers {
		p.tiers[tier] = spec
	}
	for tier, spec := range cfg.Tiers {
		if spec.ID == "" {
			continue
		}
		if spec.ContextWindow <= 0 {
			spec.ContextWindow = DefaultTiers[tier].ContextWindow
		}
		p.tiers[tier] = spec
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return vendorName }

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
	wire, err := llmhttp.DecodeJSON[response](resp, vendorName)
	if err != nil {
		return nil, err
	}
	return p.toChatResponse(wire), nil
}

// Stream sends a streaming request and parses the SSE response.
func (p *Provider) Stream(ctx context.Context, model string, req llm.ChatRequest) (provider.ChunkStream, error) {
	resp, err := llmhttp.Post(ctx, p.request(buildRequest(model, req, true), true))
	if err != nil {
		return nil, err
	}
	return p.newStream(resp.Body), nil
}

func (p *Provider) request(body request, stream bool) llmhttp.Request {
	return llmhttp.Request{
		Vendor: vendorName,
		Client: p.client,
		URL:    p.baseURL + "/v1/messages",
		Headers: map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": p.version,
		},
		Body:   body,
		Stream: stream,
	}
}

func (p *Provider) toChatResponse(wire *response) *llm.ChatResponse {
	out := &llm.ChatResponse{
		Model:      wire.Model,
		StopReason: wire.StopReason,
		Usage: llm.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			call := llmhttp.PartialCall{ID: block.ID, Name: block.Name}
			call.Args.Write(block.Input)
			tc, err := call.Finish()
			if err != nil {
				p.log.Warn("malformed tool arguments", "vendor", vendorName, "tool", block.Name, "error", err)
			}
			out.ToolCalls = append(out.ToolCalls, tc)
		}
	}
	out.Text = text.String()
	return out
}

// newStream turns Anthropic SSE events into chunks. Tool input arrives as
// input_json_delta fragments and is completed on content_block_stop.
func (p *Provider) newStream(body io.ReadCloser) *llmhttp.Stream {
	sse := llmhttp.NewSSEScanner(body)
	partials := map[int]*llmhttp.PartialCall{}

	return llmhttp.NewStream(body, func(s *llmhttp.Stream) (llm.Chunk, error) {
		for {
			if !sse.Next() {
				if err := sse.Err(); err != nil {
					return llm.Chunk{}, fmt.Errorf("anthropic: read stream: %w", err)
				}
				return llm.Chunk{}, io.EOF
			}
			ev := sse.Event()

			switch ev.Type {
			case "message_start":
				var env struct {
					Message struct {
						Model string `json:"model"`
						Usage usage  `json:"usage"`
					} `json:"message"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
					return llm.Chunk{}, fmt.Errorf("anthropic: parse message_start: %w", err)
				}
				s.SetModel(env.Message.Model)
				s.SetUsage(llm.Usage{
					InputTokens:  env.Message.Usage.InputTokens,
					OutputTokens: env.Message.Usage.OutputTokens,
				})

			case "content_block_start":
				var env struct {
					Index int          `json:"index"`
					Block contentBlock `json:"content_block"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
					return llm.Chunk{}, fmt.Errorf("anthropic: parse content_block_start: %w", err)
				}
				if env.Block.Type != "tool_use" {
					continue
				}
				partials[env.Index] = &llmhttp.PartialCall{ID: env.Block.ID, Name: env.Block.Name}
				return llm.Chunk{
					Type:     llm.ChunkToolStart,
					Index:    env.Index,
					ToolCall: message.ToolCall{ID: env.Block.ID, Name: env.Block.Name},
				}, nil

			case "content_block_delta":
				var env struct {
					Index int `json:"index"`
					Delta struct {
						Type        string `json:"type"`
						Text        string `json:"text"`
						PartialJSON string `json:"partial_json"`
					} `json:"delta"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
					return llm.Chunk{}, fmt.Errorf("anthropic: parse content_block_delta: %w", err)
				}
				switch env.Delta.Type {
				case "text_delta":
					if env.Delta.Text == "" {
						continue
					}
					return llm.Chunk{Type: llm.ChunkText, Index: env.Index, Text: env.Delta.Text}, nil
				case "input_json_delta":
					pc, ok := partials[env.Index]
					if !ok || env.Delta.PartialJSON == "" {
						continue
					}
					pc.Args.WriteString(env.Delta.PartialJSON)
					return llm.Chunk{
						Type:      llm.ChunkToolDelta,
						Index:     env.Index,
						ToolCall:  message.ToolCall{ID: pc.ID, Name: pc.Name},
						ArgsDelta: env.Delta.PartialJSON,
					}, nil
				}

			case "content_block_stop":
				var env struct {
					Index int `json:"index"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
					return llm.Chunk{}, fmt.Errorf("anthropic: parse content_block_stop: %w", err)
				}
				pc, ok := partials[env.Index]
				if !ok {
					continue
				}
				delete(partials, env.Index)
				tc, err := pc.Finish()
				if err != nil {
					p.log.Warn("malformed tool arguments", "vendor", vendorName, "tool", pc.Name, "error", err)
				}
				return llm.Chunk{Type: llm.ChunkToolEnd, Index: env.Index, ToolCall: tc}, nil

			case "message_delta":
				var env struct {
					Delta struct {
						StopReason string `json:"stop_reason"`
					} `json:"delta"`
					Usage struct {
						OutputTokens int `json:"output_tokens"`
					} `json:"usage"`
				}
				if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
					return llm.Chunk{}, fmt.Errorf("anthropic: parse message_delta: %w", err)
				}
				if env.Delta.StopReason != "" {
					s.SetStopReason(env.Delta.StopReason)
				}
				// message_delta reports the cumulative output count.
				u := s.Response().Usage
				u.OutputTokens = env.Usage.OutputTokens
				s.SetUsage(u)

			case "message_stop":
				return llm.Chunk{}, io.EOF

			case "error":
				var env struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal([]byte(ev.Data), &env) == nil && env.Error.Message != "" {
					return llm.Chunk{}, &llmhttp.ProviderError{
						Vendor:     vendorName,
						StatusCode: http.StatusOK,
						Type:       env.Error.Type,
						Message:    env.Error.Message,
					}
				}
				return llm.Chunk{}, fmt.Errorf("anthropic: stream error: %s", ev.Data)
			}
		}
	})
}
