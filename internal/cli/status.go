package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/gzhole/transguard/internal/config"
	"github.com/gzhole/transguard/internal/daemon"
	"github.com/gzhole/transguard/internal/retrieval"
	"github.com/gzhole/transguard/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show oracle, policy, store and daemon status",
	Long: `Check whether transguard is ready: which oracle is configured, which
policy and knowledge base are loaded, how many verdicts are stored and
whether a serve daemon is answering health checks.

  transguard status`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  transguard Status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════")
	fmt.Fprintln(out)

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Fprintf(out, "  Binary:    %s (%s)\n", binPath, Version)
	fmt.Fprintf(out, "  Config:    %s\n", cfg.ConfigDir)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Translation Oracle ─────────────────────────────────")
	if cfg.Oracle.URL == "" {
		fmt.Fprintf(out, "  ⚠  No oracle configured (set %s)\n", config.EnvOracleURL)
	} else {
		key := "no API key"
		if cfg.Oracle.APIKey != "" {
			key = "API key set"
		}
		fmt.Fprintf(out, "  ✅ %s (model %q, %s)\n", cfg.Oracle.URL, cfg.Oracle.Model, key)
		fmt.Fprintf(out, "     %d attempts, %s per attempt\n", cfg.Oracle.Retry.MaxAttempts, cfg.Oracle.Retry.AttemptTimeout)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Policy ────────────────────────────────────────────")
	checkFile(out, "Policy", cfg.PolicyPath)
	fmt.Fprintf(out, "     version %s, digest %s, %d signatures\n", a.tables.Version(), shortDigest(a.tables.Digest()), len(a.tables.Signatures()))
	enabled := 0
	for _, p := range a.packs {
		if p.Enabled && p.Err == nil {
			enabled++
		}
	}
	if len(a.packs) > 0 {
		fmt.Fprintf(out, "  ✅ Policy packs: %d installed, %d enabled\n", len(a.packs), enabled)
	} else {
		fmt.Fprintln(out, "  ⬚  No policy packs installed")
	}
	if kb, err := retrieval.LoadKnowledgeBase(cfg.KnowledgePath, cfg.Retrieval); err != nil {
		fmt.Fprintf(out, "  ❌ Knowledge base: %v\n", err)
	} else {
		checkFile(out, "Knowledge base", cfg.KnowledgePath)
		fmt.Fprintf(out, "     %d entries\n", kb.Len())
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Verdict Store ─────────────────────────────────────")
	checkStore(out, cfg.StorePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Audit Log ─────────────────────────────────────────")
	checkAuditLog(out, cfg.LogPath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "─── Daemon ────────────────────────────────────────────")
	checkDaemon(out, cfg.Daemon)
	fmt.Fprintln(out)

	return nil
}

func checkFile(w io.Writer, name, path string) {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  ✅ %s: %s\n", name, path)
	} else {
		fmt.Fprintf(w, "  ⬚  %s: using built-in defaults (no custom file)\n", name)
	}
}

func checkStore(w io.Writer, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintf(w, "  ⬚  %s (not yet created, starts on first verdict)\n", path)
		return
	}
	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(w, "  ❌ %s: %v\n", path, err)
		return
	}
	defer st.Close()
	sum, err := st.Summary(context.Background())
	if err != nil {
		fmt.Fprintf(w, "  ❌ %s: %v\n", path, err)
		return
	}
	fmt.Fprintf(w, "  ✅ %s (%d verdicts: %d passed, %d failed)\n", path, sum.Total, sum.Passed, sum.Failed)
}

func checkAuditLog(w io.Writer, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Fprintf(w, "  ⬚  %s (not yet created, starts on first event)\n", path)
		return
	}

	sizeKB := info.Size() / 1024
	if sizeKB == 0 {
		fmt.Fprintf(w, "  ✅ %s (<1 KB)\n", path)
	} else {
		fmt.Fprintf(w, "  ✅ %s (%d KB)\n", path, sizeKB)
	}
}

func checkDaemon(w io.Writer, dc config.DaemonConfig) {
	pending := 0
	_ = daemon.ScanExisting(dc.Inbox, func(string) { pending++ })
	fmt.Fprintf(w, "  Inbox:     %s (%d pending)\n", dc.Inbox, pending)
	fmt.Fprintf(w, "  Outbox:    %s\n", dc.Outbox)

	if dc.HealthAddr == "" {
		fmt.Fprintln(w, "  ⬚  Health service disabled")
		return
	}
	status, err := checkHealth(dc.HealthAddr, time.Second)
	if err != nil {
		fmt.Fprintf(w, "  ⬚  Not running (%s)\n", dc.HealthAddr)
		return
	}
	icon := "✅"
	if status != healthpb.HealthCheckResponse_SERVING {
		icon = "⚠ "
	}
	fmt.Fprintf(w, "  %s Health %s at %s\n", icon, status, dc.HealthAddr)
}

// checkHealth asks a running daemon for its serving status.
func checkHealth(addr string, timeout time.Duration) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: daemon.ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
