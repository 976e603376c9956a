package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	agenthttp "github.com/Strob0t/agentloop/internal/adapter/http"
	"github.com/Strob0t/agentloop/internal/adapter/mcp"
	agentotel "github.com/Strob0t/agentloop/internal/adapter/otel"
	"github.com/Strob0t/agentloop/internal/adapter/ws"
	"github.com/Strob0t/agentloop/internal/middleware"
	"github.com/Strob0t/agentloop/internal/port/messagequeue"
	"github.com/Strob0t/agentloop/internal/service"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP, WebSocket and MCP APIs",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, flagConfig)
	if err != nil {
		return err
	}
	defer closeApp(a)
	cfg := a.cfg

	a.log.Info("config loaded",
		"port", cfg.Server.Port,
		"primary_provider", cfg.Providers.Primary,
		"nats", cfg.NATS.Enabled,
		"mcp", cfg.MCP.Enabled,
	)

	// --- Event fan-out ---
	hub := ws.NewHub(a.runtime, originPatterns(cfg.Server.CORSOrigin), a.log)
	hub.SetSendQueue(cfg.Server.WSSendQueue)
	sinks := service.EventSinks{hub}
	var queue messagequeue.Queue
	if a.queue != nil {
		queue = a.queue
		sinks = append(sinks, service.NewQueueSink(a.queue, a.log))
	}
	a.setSinks(sinks)

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Server.RunRate, cfg.Server.RunBurst)
	limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(agenthttp.CORS(cfg.Server.CORSOrigin))
	r.Use(agenthttp.Logger(a.log))
	r.Use(chimw.Recoverer)
	r.Use(agentotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/ws", hub.HandleWS)
	agenthttp.MountRoutes(r,
		&agenthttp.Handlers{Runtime: a.runtime, Queue: queue},
		limiter.Handler,
		middleware.Idempotency(a.cache, cfg.Server.IdempotencyTTL),
	)

	// --- MCP ---
	if cfg.MCP.Enabled {
		ms := mcp.NewServer(mcp.ServerConfig{Addr: cfg.MCP.Addr, Name: "agentloop", Version: version}, a.runtime, a.log)
		if err := ms.Start(); err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := ms.Stop(sctx); err != nil {
				a.log.Warn("mcp shutdown failed", "error", err)
			}
		}()
	}

	// Runs and event streams are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	a.log.Info("shutting down server")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.Close(ctx)
}

// originPatterns turns the CORS origin into the host pattern the WebSocket
// handshake checks.
func originPatterns(origin string) []string {
	if origin == "" {
		return nil
	}
	if origin == "*" {
		return []string{"*"}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}
	}
	return []string{u.Host}
}
