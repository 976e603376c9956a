package llmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ProviderError is returned when a vendor API responds with a non-200 status.
type ProviderError struct {
	Vendor     string
	StatusCode int
	Type       string // vendor error type, e.g. "rate_limit_error"
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s: HTTP %d: %s: %s", e.Vendor, e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Vendor, e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying later
// (rate limiting, overload, or a server-side error).
func (e *ProviderError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Request describes one JSON POST to a vendor endpoint.
type Request struct {
	Vendor  string
	Client  *http.Client
	URL     string
	Headers map[string]string
	Body    any
	Stream  bool
}

// Post sends r and returns the response on HTTP 200. Any other status is
// decoded into a *ProviderError and the body is closed. On success the
// caller owns the body.
func Post(ctx context.Context, r Request) (*http.Response, error) {
	body, err := json.Marshal(r.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", r.Vendor, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", r.Vendor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", r.Vendor, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, readProviderError(r.Vendor, resp)
	}
	return resp, nil
}

// DecodeJSON decodes a response body into T and closes it.
func DecodeJSON[T any](resp *http.Response, vendor string) (*T, error) {
	defer func() { _ = resp.Body.Close() }()
	out := new(T)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", vendor, err)
	}
	return out, nil
}

// readProviderError parses the {"error":{"type":..,"message":..}} envelope
// shared by Anthropic, OpenAI, and compatible proxies.
func readProviderError(vendor string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error.Message != "" {
		return &ProviderError{
			Vendor:     vendor,
			StatusCode: resp.StatusCode,
			Type:       wire.Error.Type,
			Message:    wire.Error.Message,
		}
	}
	return &ProviderError{Vendor: vendor, StatusCode: resp.StatusCode, Message: string(body)}
}
