// Package tool defines tool definitions, argument schemas, and execution records.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Category groups tools for catalogs and policy.
type Category string

const (
	CategoryGeneral    Category = "general"
	CategoryRead       Category = "read"
	CategoryWrite      Category = "write"
	CategoryExternal   Category = "external"
	CategoryDelegation Category = "delegation"
)

// Handler executes a tool. The result is sent back to the model as text:
// strings are used as-is, any other value is JSON-encoded.
type Handler interface {
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Property describes one argument. Type is a JSON Schema primitive:
// string, integer, number, boolean, object or array.
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
}

// Schema is the JSON Schema object describing a tool's arguments.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// JSON returns the schema encoded for a vendor request. A zero schema
// encodes as an empty object schema.
func (s Schema) JSON() json.RawMessage {
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = map[string]Property{}
	}
	data, _ := json.Marshal(s)
	return data
}

// Definition is a registered tool.
type Definition struct {
	Name                 string   `json:"name"`
	Description          string   `json:"description"`
	Category             Category `json:"category"`
	Parameters           Schema   `json:"parameters"`
	Idempotent           bool     `json:"idempotent"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	Handler              Handler  `json:"-"`
}

// Validate checks the definition is usable.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("tool name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", d.Name)
	}
	for _, req := range d.Parameters.Required {
		if _, ok := d.Parameters.Properties[req]; !ok {
			return fmt.Errorf("tool %q: required property %q is not declared", d.Name, req)
		}
	}
	return nil
}

// ExecutionRecord captures one dispatched tool call. Records are never mutated.
type ExecutionRecord struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
	Duration  time.Duration  `json:"duration"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Turn      int            `json:"turn"`
	Attempts  int            `json:"attempts"`
	StartedAt time.Time      `json:"started_at"`
}

// Content returns the text sent back to the model for this call: the result
// on success, otherwise a JSON error payload.
func (r *ExecutionRecord) Content() string {
	if r.Success {
		return r.Result
	}
	data, _ := json.Marshal(map[string]string{"error": r.Error, "tool": r.Name})
	return string(data)
}
