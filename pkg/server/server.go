package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/internal/version"
	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/tool"
)

// Service runs the MCP server over the configured transport.
type Service interface {
	// Start serves MCP requests until the context is cancelled or the
	// transport shuts down. It blocks.
	Start(ctx context.Context) error

	// Stop shuts the transport down and releases the dependencies.
	Stop(ctx context.Context) error
}

// service implements the Service interface.
type service struct {
	log  logrus.FieldLogger
	cfg  config.ServerConfig
	mcp  *server.MCPServer
	deps *Dependencies

	mu         sync.Mutex
	httpServer *server.StreamableHTTPServer
}

// Compile-time interface check.
var _ Service = (*service)(nil)

// newService creates the MCP service over a populated tool registry.
func newService(log logrus.FieldLogger, cfg config.ServerConfig, reg tool.Registry, deps *Dependencies) *service {
	mcpServer := server.NewMCPServer(
		"triage",
		version.Version,
		server.WithToolCapabilities(true),
	)

	for _, def := range reg.List() {
		mcpServer.AddTool(def.Tool, server.ToolHandlerFunc(def.Handler))
	}

	return &service{
		log:  log.WithField("component", "mcp_server"),
		cfg:  cfg,
		mcp:  mcpServer,
		deps: deps,
	}
}

// Start serves the configured transport. The stdio transport reads requests
// from stdin; the http transport listens on the configured host and port.
func (s *service) Start(ctx context.Context) error {
	switch s.cfg.Transport {
	case "stdio":
		s.log.Info("Serving MCP over stdio")

		return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
	case "http":
		return s.serveHTTP(ctx)
	default:
		return fmt.Errorf("unknown MCP transport %q (want stdio or http)", s.cfg.Transport)
	}
}

func (s *service) serveHTTP(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.mu.Lock()
	s.httpServer = server.NewStreamableHTTPServer(s.mcp)
	httpServer := s.httpServer
	s.mu.Unlock()

	s.log.WithField("addr", addr).Info("Serving MCP over streamable HTTP")

	errCh := make(chan error, 1)

	go func() {
		errCh <- httpServer.Start(addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx := context.Background()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("MCP HTTP shutdown failed")
		}

		return ctx.Err()
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving MCP over http: %w", err)
		}

		return nil
	}
}

// Stop shuts down the http transport (a no-op for stdio, which terminates
// with its input) and closes the shared dependencies.
func (s *service) Stop(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Warn("MCP HTTP shutdown failed")
		}
	}

	s.deps.Close()

	s.log.Info("MCP server stopped")

	return nil
}
