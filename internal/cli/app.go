package cli

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/go-logr/logr"

	"github.com/gzhole/transguard/internal/config"
	"github.com/gzhole/transguard/internal/logger"
	"github.com/gzhole/transguard/internal/oracle"
	"github.com/gzhole/transguard/internal/pipeline"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/retrieval"
	"github.com/gzhole/transguard/internal/store"
)

// app is the state shared by every command: configuration, the compiled
// policy tables, and lazily opened sinks.
type app struct {
	cfg    *config.Config
	log    logr.Logger
	tables *policy.Tables
	packs  []policy.PackInfo

	store *store.Store
	audit *logger.AuditLogger
}

// loadApp reads configuration and compiles the policy with its packs.
func loadApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if policyPath != "" {
		cfg.PolicyPath = policyPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	log, err := logger.NewLogr(os.Stderr, cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy: %w", err)
	}
	pol, packs, err := policy.LoadPacks(cfg.PacksDir, pol)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy packs: %w", err)
	}
	for _, p := range packs {
		if p.Err != nil {
			log.Info("skipping invalid policy pack", "pack", p.Name, "error", p.Err.Error())
		}
	}
	tables, err := policy.Compile(pol)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy: %w", err)
	}
	log.V(1).Info("policy loaded", "version", tables.Version(), "digest", tables.Digest(), "signatures", len(tables.Signatures()))

	return &app{cfg: cfg, log: log, tables: tables, packs: packs}, nil
}

// openSinks opens the verdict store and the audit log.
func (a *app) openSinks() error {
	if a.store == nil {
		st, err := store.Open(a.cfg.StorePath)
		if err != nil {
			return fmt.Errorf("failed to open verdict store: %w", err)
		}
		a.store = st
	}
	if a.audit == nil {
		al, err := logger.New(a.cfg.LogPath)
		if err != nil {
			return fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		a.audit = al
	}
	return nil
}

// recorder returns a Recorder over the open sinks, tagging each audit line
// with source.
func (a *app) recorder(source string) *pipeline.Recorder {
	return &pipeline.Recorder{Store: a.store, Audit: a.audit, Source: source}
}

// pipeline builds the verification pipeline with the HTTP oracle behind
// the retry policy.
func (a *app) pipeline() (*pipeline.Pipeline, error) {
	if a.cfg.Oracle.URL == "" {
		return nil, fmt.Errorf("no translation oracle configured: set oracle.url in %s or %s", config.DefaultConfigFile, config.EnvOracleURL)
	}
	kb, err := retrieval.LoadKnowledgeBase(a.cfg.KnowledgePath, a.cfg.Retrieval)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base: %w", err)
	}
	a.log.V(1).Info("knowledge base loaded", "entries", kb.Len())

	httpOracle := oracle.NewHTTPClient(a.cfg.Oracle.HTTPConfig, &http.Client{}, a.log)
	orc := oracle.NewRetrying(httpOracle, a.cfg.Oracle.Retry, a.log)

	return pipeline.New(a.tables, orc, pipeline.Options{
		Shield:    a.cfg.Shield,
		Sandbox:   a.cfg.Sandbox,
		Retriever: kb,
		Log:       a.log,
	}), nil
}

func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}
