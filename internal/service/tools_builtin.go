package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// EchoTool returns a tool that echoes its message back.
func EchoTool() tool.Definition {
	return tool.Definition{
		Name:        "echo",
		Description: "Echo a message back.",
		Category:    tool.CategoryGeneral,
		Idempotent:  true,
		Parameters: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"message": {Type: "string", Description: "Text to echo"},
			},
			Required: []string{"message"},
		},
		Handler: tool.HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return "Echo: " + stringArg(args, "message"), nil
		}),
	}
}

// CurrentTimeTool returns a tool reporting the current time in a timezone.
func CurrentTimeTool(now func() time.Time) tool.Definition {
	if now == nil {
		now = time.Now
	}
	return tool.Definition{
		Name:        "current_time",
		Description: "Return the current date and time in RFC 3339 format.",
		Category:    tool.CategoryRead,
		Parameters: tool.Schema{
			Type: "object",
			Properties: map[string]tool.Property{
				"timezone": {Type: "string", Description: "IANA timezone name, default UTC"},
			},
		},
		Handler: tool.HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			name := stringArg(args, "timezone")
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, fmt.Errorf("unknown timezone %q", name)
			}
			return now().In(loc).Format(time.RFC3339), nil
		}),
	}
}

// RegisterBuiltins adds the builtin tools and, when sp is non-nil, the
// delegation tools.
func RegisterBuiltins(reg *Registry, sp *Spawner) error {
	defs := []tool.Definition{EchoTool(), CurrentTimeTool(nil)}
	if sp != nil {
		defs = append(defs, sp.DelegateTool(), sp.PlanTool())
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}
