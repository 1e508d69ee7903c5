package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/daemon"
)

var (
	serveInbox      string
	serveOutbox     string
	serveHealthAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch an inbox directory and verify every command dropped into it",
	Long: `Run the verification daemon. Each *.json job written to the inbox
({"id": "...", "command": "...", "dialect": "..."}) is verified by the
worker pool and its result written to the outbox as <id>.json. Verdicts
are recorded in the verdict store and the audit log.

Jobs interrupted by a shutdown are requeued on the next start. The
standard gRPC health service reports SERVING while the inbox is watched.

Examples:
  transguard serve
  transguard serve --inbox /var/spool/transguard/in --health-addr ""`,
	RunE: serveCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveInbox, "inbox", "", "Inbox directory (default: config daemon.inbox)")
	serveCmd.Flags().StringVar(&serveOutbox, "outbox", "", "Outbox directory (default: config daemon.outbox)")
	serveCmd.Flags().StringVar(&serveHealthAddr, "health-addr", "", "gRPC health listen address (default: config daemon.health_addr)")
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline()
	if err != nil {
		return err
	}
	if err := a.openSinks(); err != nil {
		return err
	}

	dc := a.cfg.Daemon
	if serveInbox != "" {
		dc.Inbox = serveInbox
	}
	if serveOutbox != "" {
		dc.Outbox = serveOutbox
	}
	if cmd.Flags().Changed("health-addr") {
		dc.HealthAddr = serveHealthAddr
	}

	d, err := daemon.New(daemon.Config{
		Dirs:       daemon.DirConfig{Inbox: dc.Inbox, Outbox: dc.Outbox, State: dc.State},
		Workers:    a.cfg.Workers,
		Debounce:   dc.Debounce,
		HealthAddr: dc.HealthAddr,
	}, p, a.recorder("daemon"), a.log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
