package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/mcp"
	"github.com/gzhole/transguard/internal/risk"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the verification tools over MCP on stdio",
	Long: `Start an MCP server on stdin/stdout exposing verify_command,
profile_command and verdict_history. Logs go to stderr.

Register it with an MCP client as:
  {"command": "transguard", "args": ["mcp"]}`,
	RunE: mcpCommand,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpCommand(cmd *cobra.Command, args []string) error {
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

	srv := mcp.New(mcp.Config{
		Version:  Version,
		Store:    a.store,
		Recorder: a.recorder("mcp"),
	}, p, risk.NewProfiler(a.tables, a.log), a.log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
