package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/domain/llm"
)

// ErrStreamInterrupted is returned when a vendor fails after it already
// emitted chunks; the call cannot fall back at that point.
var ErrStreamInterrupted = errors.New("stream interrupted")

// ChatStream sends req as a streaming request and passes every chunk to emit
// as it arrives. A vendor is abandoned for the next one only while it has
// not emitted anything.
func (g *Gateway) ChatStream(ctx context.Context, req llm.ChatRequest, emit func(llm.Chunk)) (*llm.ChatResponse, error) {
	if len(g.vendors) == 0 {
		return nil, ErrNoProviders
	}
	tier := tierOrDefault(req.Tier)

	var errs []error
	for _, e := range g.vendors {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := e.vendor.Name()
		spec := e.vendor.Model(tier)

		start := time.Now()
		pctx, span := agentotel.StartProviderSpan(ctx, name, spec.ID, true)
		var (
			resp    llm.ChatResponse
			emitted bool
		)
		err := e.breaker.Execute(func() error {
			s, err := e.vendor.Stream(pctx, spec.ID, req)
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			for {
				c, err := s.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				emitted = true
				emit(c)
			}
			resp = s.Response()
			return nil
		})
		agentotel.EndSpan(span, err)

		if err != nil {
			g.attemptFailed(ctx, name, spec.ID, err)
			if emitted {
				return nil, fmt.Errorf("%s: %w: %w", name, ErrStreamInterrupted, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		g.record(ctx, name, spec.ID, req, &resp, time.Since(start))
		return &resp, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, errors.Join(errs...))
}
