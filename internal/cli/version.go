package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/policy"
)

var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print transguard version",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "transguard %s\n", Version)
		fmt.Fprintf(out, "  Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Built:  %s\n", BuildDate)
		fmt.Fprintf(out, "  Policy: %s (built-in)\n", policy.DefaultPolicy().Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
