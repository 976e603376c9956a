package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Strob0t/agentloop/internal/config"
	"github.com/Strob0t/agentloop/internal/domain/tool"
)

// Transports supported for remote servers.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Client imports tools from one external MCP server.
type Client struct {
	name string
	c    *mcpclient.Client
	log  *slog.Logger
}

// NewClient wraps an mcp-go client that has already been started.
func NewClient(name string, c *mcpclient.Client, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{name: name, c: c, log: log}
}

// Dial connects to the remote server described by rs and performs the
// initialize handshake.
func Dial(ctx context.Context, rs config.MCPRemote, log *slog.Logger) (*Client, error) {
	if rs.Name == "" {
		return nil, errors.New("mcp remote: name is required")
	}
	c, err := newTransportClient(ctx, rs)
	if err != nil {
		return nil, fmt.Errorf("mcp remote %s: %w", rs.Name, err)
	}
	cl := NewClient(rs.Name, c, log)
	if err := cl.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return cl, nil
}

func newTransportClient(ctx context.Context, rs config.MCPRemote) (*mcpclient.Client, error) {
	switch rs.Transport {
	case TransportStdio, "":
		if rs.Command == "" {
			return nil, errors.New("command is required for stdio")
		}
		env := make([]string, 0, len(rs.Env))
		for k, v := range rs.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(rs.Command, env, rs.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(rs.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(rs.Headers))
		}
		c, err := mcpclient.NewSSEMCPClient(rs.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse: %w", err)
		}
		return c, nil

	case TransportHTTP:
		var opts []transport.StreamableHTTPCOption
		if len(rs.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(rs.Headers))
		}
		c, err := mcpclient.NewStreamableHttpClient(rs.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("start http: %w", err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unsupported transport %q", rs.Transport)
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	req := mcplib.InitializeRequest{}
	req.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcplib.Implementation{Name: "agentloop", Version: "1.0.0"}
	res, err := c.c.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("mcp remote %s: initialize: %w", c.name, err)
	}
	c.log.Info("mcp remote connected", "remote", c.name,
		"server", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return nil
}

// Tools lists the remote tools as registry definitions. Names are prefixed
// with the remote name so tools from different servers cannot collide.
func (c *Client) Tools(ctx context.Context) ([]tool.Definition, error) {
	res, err := c.c.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp remote %s: list tools: %w", c.name, err)
	}
	defs := make([]tool.Definition, 0, len(res.Tools))
	for i := range res.Tools {
		defs = append(defs, c.definition(&res.Tools[i]))
	}
	return defs, nil
}

func (c *Client) definition(t *mcplib.Tool) tool.Definition {
	remote := t.Name
	return tool.Definition{
		Name:        c.name + "_" + remote,
		Description: t.Description,
		Category:    tool.CategoryExternal,
		Parameters:  importSchema(t.InputSchema),
		Handler: tool.HandlerFunc(func(ctx context.Context, args map[string]any) (any, error) {
			return c.call(ctx, remote, args)
		}),
	}
}

func (c *Client) call(ctx context.Context, name string, args map[string]any) (string, error) {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp remote %s: call %s: %w", c.name, name, err)
	}
	text := resultText(res.Content)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.c.Close()
}

func resultText(content []mcplib.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch v := item.(type) {
		case mcplib.TextContent:
			parts = append(parts, v.Text)
		case *mcplib.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// importSchema converts a remote input schema into the registry's schema.
// Properties that do not decode keep an empty type, which matches any value.
func importSchema(in mcplib.ToolInputSchema) tool.Schema {
	s := tool.Schema{Type: "object", Properties: make(map[string]tool.Property, len(in.Properties))}
	for name, raw := range in.Properties {
		var p tool.Property
		if data, err := json.Marshal(raw); err == nil {
			_ = json.Unmarshal(data, &p)
		}
		s.Properties[name] = p
	}
	for _, req := range in.Required {
		if _, ok := s.Properties[req]; ok {
			s.Required = append(s.Required, req)
		}
	}
	return s
}

// ImportTools dials every remote, registers its tools and returns the open
// clients. A remote that fails is logged and skipped.
func ImportTools(ctx context.Context, remotes []config.MCPRemote, register func(tool.Definition) error, log *slog.Logger) []*Client {
	if log == nil {
		log = slog.Default()
	}
	var clients []*Client
	for _, rs := range remotes {
		cl, err := Dial(ctx, rs, log)
		if err != nil {
			log.Warn("mcp remote skipped", "remote", rs.Name, "error", err)
			continue
		}
		defs, err := cl.Tools(ctx)
		if err != nil {
			log.Warn("mcp remote skipped", "remote", rs.Name, "error", err)
			_ = cl.Close()
			continue
		}
		for _, def := range defs {
			if err := register(def); err != nil {
				log.Warn("mcp tool not registered", "tool", def.Name, "error", err)
			}
		}
		clients = append(clients, cl)
	}
	return clients
}
