// Package mcp exposes the verification pipeline as MCP tools over stdio.
package mcp

import (
	"context"

	"github.com/go-logr/logr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gzhole/transguard/internal/pipeline"
	"github.com/gzhole/transguard/internal/risk"
	"github.com/gzhole/transguard/internal/store"
)

// Config holds MCP server configuration.
type Config struct {
	Version string
	// Store, when set, backs the verdict_history tool.
	Store *store.Store
	// Recorder, when set, persists every verify_command outcome.
	Recorder *pipeline.Recorder
}

// Server wraps the MCP SDK server around a pipeline runner.
type Server struct {
	mcpServer *mcpsdk.Server
	runner    pipeline.Runner
	profiler  *risk.Profiler
	store     *store.Store
	rec       *pipeline.Recorder
	log       logr.Logger
}

// New creates an MCP server with every tool registered.
func New(cfg Config, runner pipeline.Runner, profiler *risk.Profiler, log logr.Logger) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		runner:   runner,
		profiler: profiler,
		store:    cfg.Store,
		rec:      cfg.Recorder,
		log:      log.WithName("mcp"),
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "transguard",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "verify_command",
		Description: "Translate a PowerShell or POSIX shell command into bash and verify the translation: risk profiling, prompt shielding, static validation and sandboxed execution. Returns the verdict.",
	}, s.handleVerify)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "profile_command",
		Description: "Score a command against the risk signature table without translating or executing it (dry-run).",
	}, s.handleProfile)

	if s.store != nil {
		mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
			Name:        "verdict_history",
			Description: "List the recorded verdicts for a command id, newest first.",
		}, s.handleHistory)
	}
}
