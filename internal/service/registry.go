package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/domain/message"
	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// Registry errors.
var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrDuplicateTool    = errors.New("tool already registered")
)

// truncatedSuffix marks a tool result cut to the configured limit.
const truncatedSuffix = "... [truncated]"

// RetryPolicy controls handler retries within one dispatch.
type RetryPolicy struct {
	Enabled    bool
	MaxRetries int
	Backoff    time.Duration
}

// DispatchRequest is one tool call to execute.
type DispatchRequest struct {
	Call           message.ToolCall
	Turn           int
	Retry          RetryPolicy
	MaxResultChars int
}

// Registry holds tool definitions by name and dispatches calls to them.
// Definitions are registered at startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]tool.Definition
	order   []string
	log     *slog.Logger
	metrics *agentotel.Metrics
}

// NewRegistry creates an empty tool registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{tools: make(map[string]tool.Definition), log: log}
}

// SetMetrics wires tool call counters.
func (r *Registry) SetMetrics(m *agentotel.Metrics) {
	r.metrics = m
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(def tool.Definition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("register tool: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("register tool %q: %w", def.Name, ErrDuplicateTool)
	}
	r.tools[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get returns a registered definition.
func (r *Registry) Get(name string) (tool.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Definitions returns the catalog restricted to allowed, in registration
// order. A nil allow-list means every tool; unknown names are ignored.
func (r *Registry) Definitions(allowed []string) []tool.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tool.Definition, 0, len(r.order))
	for _, name := range r.order {
		if allowed != nil && !slices.Contains(allowed, name) {
			continue
		}
		out = append(out, r.tools[name])
	}
	return out
}

// Validate checks that name is registered and args satisfy its schema:
// required properties are present and declared types match. Undeclared
// properties are allowed.
func (r *Registry) Validate(name string, args map[string]any) error {
	def, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return validateArgs(def.Parameters, args)
}

func validateArgs(schema tool.Schema, args map[string]any) error {
	var missing []string
	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required %s", ErrInvalidArguments, strings.Join(missing, ", "))
	}

	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		prop, ok := schema.Properties[k]
		if !ok || prop.Type == "" {
			continue
		}
		if !matchesType(prop.Type, args[k]) {
			return fmt.Errorf("%w: %q must be %s, got %s", ErrInvalidArguments, k, prop.Type, jsonType(args[k]))
		}
		if prop.Type == "string" && len(prop.Enum) > 0 {
			s, _ := args[k].(string)
			if !slices.Contains(prop.Enum, s) {
				return fmt.Errorf("%w: %q must be one of %s", ErrInvalidArguments, k, strings.Join(prop.Enum, ", "))
			}
		}
	}
	return nil
}

func matchesType(want string, v any) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		switch v.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "integer":
		switch n := v.(type) {
		case int, int64, int32:
			return true
		case float64:
			return n == math.Trunc(n) && !math.IsInf(n, 0)
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	// Unknown schema types are not enforced.
	return true
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}

// Dispatch validates and executes one call and returns exactly one record.
// Validation failures are not retried; handler errors are retried per the
// request's policy. Handler panics are reported as failures.
func (r *Registry) Dispatch(ctx context.Context, req DispatchRequest) tool.ExecutionRecord {
	call := req.Call
	if call.Arguments == nil {
		call.Arguments = map[string]any{}
	}
	rec := tool.ExecutionRecord{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Turn:      req.Turn,
		StartedAt: time.Now(),
	}

	ctx, span := agentotel.StartToolCallSpan(ctx, call.ID, call.Name)
	def, ok := r.Get(call.Name)
	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	default:
		err = validateArgs(def.Parameters, call.Arguments)
	}

	if err == nil {
		var result any
		result, rec.Attempts, err = r.execute(ctx, def, call.Arguments, req.Retry)
		if err == nil {
			rec.Result = truncate(resultText(result), req.MaxResultChars)
		}
	}
	rec.Duration = time.Since(rec.StartedAt)
	rec.Success = err == nil
	if err != nil {
		rec.Error = err.Error()
		r.log.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "attempts", rec.Attempts, "error", err)
	}
	agentotel.EndSpan(span, err)
	r.metrics.ToolCalled(ctx, call.Name, rec.Success)
	return rec
}

func (r *Registry) execute(ctx context.Context, def tool.Definition, args map[string]any, policy RetryPolicy) (any, int, error) {
	attempts := 1
	if policy.Enabled && policy.MaxRetries > 0 {
		attempts += policy.MaxRetries
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		result, err := invoke(ctx, def.Handler, args)
		if err == nil {
			return result, i, nil
		}
		lastErr = err
		if i == attempts {
			return nil, i, lastErr
		}

		r.log.Debug("retrying tool", "tool", def.Name, "attempt", i, "error", err)
		if policy.Backoff > 0 {
			timer := time.NewTimer(policy.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, i, fmt.Errorf("%w (retry aborted: %w)", lastErr, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return nil, attempts, lastErr
}

func invoke(ctx context.Context, h tool.Handler, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return h.Execute(ctx, args)
}

func resultText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case []byte:
		return string(r)
	case fmt.Stringer:
		return r.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// truncate cuts s to at most limit bytes on a rune boundary and marks the cut.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}
