package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	toolsURI     = "agentloop://tools"
	providersURI = "agentloop://providers"
)

// registerResources exposes the tool catalog and provider health.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(toolsURI, "Tool Catalog",
			mcplib.WithResourceDescription("Tools agents can call, with their parameter schemas"),
			mcplib.WithMIMEType("application/json"),
		),
		func(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
			return jsonResource(req.Params.URI, s.runtime.Registry().Definitions(nil))
		},
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(providersURI, "Provider Health",
			mcplib.WithResourceDescription("Configured vendors, their tier models and breaker states"),
			mcplib.WithMIMEType("application/json"),
		),
		func(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
			return jsonResource(req.Params.URI, s.runtime.Gateway().Health())
		},
	)
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}
