// Package mcp exposes the agent runtime over the Model Context Protocol and
// imports tools from external MCP servers into the tool registry.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/agentloop/internal/service"
)

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
}

// Server serves registry tools, agent runs and runtime resources over
// streamable HTTP.
type Server struct {
	cfg       ServerConfig
	runtime   *service.RuntimeService
	log       *slog.Logger
	mcpServer *mcpserver.MCPServer
	http      *mcpserver.StreamableHTTPServer
}

// NewServer creates an MCP server backed by runtime and registers its tools
// and resources.
func NewServer(cfg ServerConfig, runtime *service.RuntimeService, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "agentloop"
	}
	s := &Server{
		cfg:     cfg,
		runtime: runtime,
		log:     log,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Start serves streamable HTTP on the configured address in the background.
func (s *Server) Start() error {
	if s.http != nil {
		return errors.New("mcp server already started")
	}
	s.http = mcpserver.NewStreamableHTTPServer(s.mcpServer)
	go func() {
		s.log.Info("mcp server listening", "addr", s.cfg.Addr)
		if err := s.http.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP transport down.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("mcp shutdown: %w", err)
	}
	return nil
}

func toolResultJSON(data []byte) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(string(data))
}
