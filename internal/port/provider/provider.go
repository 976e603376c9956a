// Package provider defines the port every language-model vendor adapter implements.
package provider

import (
	"context"

	"github.com/Strob0t/agentloop/internal/domain/llm"
)

// Vendor is one language-model vendor. Adapters translate the vendor-neutral
// request into the vendor's wire format and back.
type Vendor interface {
	// Name identifies the vendor in usage records and logs.
	Name() string

	// Model resolves a tier to this vendor's concrete model.
	Model(tier llm.Tier) llm.ModelSpec

	// Complete sends a request and blocks until the full response is available.
	Complete(ctx context.Context, model string, req llm.ChatRequest) (*llm.ChatResponse, error)

	// Stream sends a request and returns a stream of chunks. The caller
	// must Close the stream even when iteration ends early.
	Stream(ctx context.Context, model string, req llm.ChatRequest) (ChunkStream, error)
}

// ChunkStream yields chunks of a streamed response. Next returns io.EOF once
// the response is complete; Response then returns the accumulated result.
type ChunkStream interface {
	Next() (llm.Chunk, error)
	Response() llm.ChatResponse
	Close() error
}
