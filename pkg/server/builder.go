// Package server wires the triage subsystems together and exposes them over
// the Model Context Protocol, so AI assistants can drive the same flows the
// HTTP API serves.
package server

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/helpdeskops/triage/catalog"
	"github.com/helpdeskops/triage/pkg/agent"
	authclient "github.com/helpdeskops/triage/pkg/auth/client"
	authstore "github.com/helpdeskops/triage/pkg/auth/store"
	"github.com/helpdeskops/triage/pkg/backend"
	"github.com/helpdeskops/triage/pkg/config"
	"github.com/helpdeskops/triage/pkg/embedding"
	"github.com/helpdeskops/triage/pkg/engine"
	"github.com/helpdeskops/triage/pkg/pending"
	"github.com/helpdeskops/triage/pkg/runbook"
	"github.com/helpdeskops/triage/pkg/storage"
	"github.com/helpdeskops/triage/pkg/telemetry"
	"github.com/helpdeskops/triage/pkg/tool"
	"github.com/helpdeskops/triage/pkg/types"
)

// Dependencies are the constructed subsystems shared by the HTTP API and the
// MCP server. Close releases everything that holds resources.
type Dependencies struct {
	Engine        *engine.Engine
	Catalog       *catalog.Registry
	SemanticIndex *agent.SemanticIndex

	log      logrus.FieldLogger
	sink     telemetry.Sink
	embedder *embedding.Embedder
}

// Close releases the telemetry sink and the embedding model, if present.
func (d *Dependencies) Close() {
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.log.WithError(err).Warn("Failed to close telemetry sink")
		}
	}

	if d.embedder != nil {
		if err := d.embedder.Close(); err != nil {
			d.log.WithError(err).Warn("Failed to close embedder")
		}
	}
}

// Builder constructs the triage subsystems from configuration.
type Builder struct {
	log *logrus.Logger
	cfg *config.Config
}

// NewBuilder creates a new builder.
func NewBuilder(log *logrus.Logger, cfg *config.Config) *Builder {
	return &Builder{
		log: log,
		cfg: cfg,
	}
}

// Build constructs all dependencies and returns the MCP server service.
func (b *Builder) Build(ctx context.Context) (Service, error) {
	deps, err := b.BuildDependencies(ctx)
	if err != nil {
		return nil, err
	}

	reg := b.buildToolRegistry(deps)

	return newService(b.log, b.cfg.Server, reg, deps), nil
}

// BuildDependencies constructs the engine and its collaborators. The caller
// owns the returned Dependencies and must Close them on shutdown.
func (b *Builder) BuildDependencies(_ context.Context) (*Dependencies, error) {
	log := b.log.WithField("component", "builder")
	log.Info("Building triage dependencies")

	catalogReg, err := catalog.NewRegistry(b.log)
	if err != nil {
		return nil, fmt.Errorf("loading runbook catalog: %w", err)
	}

	entries := catalogReg.All()

	be, err := b.buildBackend(entries)
	if err != nil {
		return nil, fmt.Errorf("building backend: %w", err)
	}

	log.WithField("backend", be.Name()).Info("Execution backend ready")

	contentResolver := runbook.NewContentResolver(b.log, be)
	audit := storage.New(b.log, b.cfg.Storage)
	cloner := runbook.NewCloner(b.log, be, contentResolver, audit, b.cfg.Backend.TargetGroup)
	poller := runbook.NewPoller(b.log, be, b.cfg.Poll)

	deps := &Dependencies{
		Catalog: catalogReg,
		log:     log,
	}

	if b.cfg.SemanticSearch.Enabled() {
		embedder, err := embedding.New(b.cfg.SemanticSearch.ModelPath, b.cfg.SemanticSearch.GPULayers)
		if err != nil {
			return nil, fmt.Errorf("loading embedding model: %w", err)
		}

		deps.embedder = embedder

		index, err := agent.NewSemanticIndex(b.log, embedder, entries)
		if err != nil {
			deps.Close()

			return nil, fmt.Errorf("building semantic index: %w", err)
		}

		deps.SemanticIndex = index
	}

	issueResolver := agent.NewResolver(b.log, b.buildAgentClient(), b.cfg.Agent, deps.SemanticIndex)

	sink, err := telemetry.New(b.log, b.cfg.Telemetry)
	if err != nil {
		deps.Close()

		return nil, fmt.Errorf("building telemetry sink: %w", err)
	}

	deps.sink = sink

	deps.Engine = engine.New(b.log, engine.Dependencies{
		Resolver:  issueResolver,
		Cloner:    cloner,
		Poller:    poller,
		Pending:   pending.New(b.log, b.cfg.Pending.TTL),
		Telemetry: sink,
	})

	return deps, nil
}

// buildBackend creates the configured execution backend. The rest backend
// authenticates outbound calls through a cached token source; the local
// backends are seeded with the embedded catalog so content resolution works
// without a remote account.
func (b *Builder) buildBackend(entries []types.CatalogEntry) (backend.Backend, error) {
	var tokens authstore.Source

	if b.cfg.Backend.Kind == "rest" && b.cfg.Backend.REST != nil {
		tokens = authstore.New(b.log, authstore.Config{
			AuthClient: authclient.New(b.log, b.cfg.Backend.REST.Credentials),
		})
	}

	return backend.New(b.log, b.cfg.Backend, tokens, entries)
}

// buildAgentClient creates the conversational agent client with its own
// token source.
func (b *Builder) buildAgentClient() agent.Client {
	tokens := authstore.New(b.log, authstore.Config{
		AuthClient: authclient.New(b.log, b.cfg.Agent.Credentials),
	})

	return agent.NewClient(b.log, b.cfg.Agent, tokens)
}

// buildToolRegistry creates and populates the tool registry.
func (b *Builder) buildToolRegistry(deps *Dependencies) tool.Registry {
	reg := tool.NewRegistry(b.log)

	reg.Register(tool.NewDiagnoseIssueTool(b.log, deps.Engine))
	reg.Register(tool.NewAnalyzeIssueTool(b.log, deps.Engine))
	reg.Register(tool.NewConfirmRunbookTool(b.log, deps.Engine))
	reg.Register(tool.NewFetchJobOutputTool(b.log, deps.Engine))

	// Catalog search needs the embedding model; skip when not configured.
	if deps.SemanticIndex != nil {
		reg.Register(tool.NewSearchCatalogTool(b.log, deps.SemanticIndex, deps.Catalog))
	}

	b.log.WithField("tool_count", len(reg.List())).Info("Tool registry built")

	return reg
}
