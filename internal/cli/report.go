package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/pipeline"
	"github.com/gzhole/transguard/internal/policy"
	"github.com/gzhole/transguard/internal/store"
	"github.com/gzhole/transguard/internal/taxonomy"
)

var (
	reportOut string
	reportID  string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize recorded verdicts by MITRE ATT&CK technique",
	Long: `Render a Markdown coverage report from the verdict store: every
technique observed in a verdict, grouped by tactic, with the commands
that carried it. Technique names come from the built-in catalog extended
by ~/.transguard/taxonomy/*.yaml.

With --id, print the verdict history of one command instead, newest first.

Examples:
  transguard report
  transguard report --out coverage.md
  transguard report --id 7f9c2a`,
	RunE: reportCommand,
}

func init() {
	reportCmd.Flags().StringVarP(&reportOut, "out", "o", "", "Write the report to a file instead of stdout")
	reportCmd.Flags().StringVar(&reportID, "id", "", "Show the verdict history of one command")
	rootCmd.AddCommand(reportCmd)
}

func reportCommand(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := store.Open(a.cfg.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open verdict store: %w", err)
	}
	a.store = st

	ctx := context.Background()
	if reportID != "" {
		return printHistory(ctx, cmd.OutOrStdout(), st, reportID)
	}

	tagged, err := st.Tagged(ctx)
	if err != nil {
		return fmt.Errorf("failed to read verdicts: %w", err)
	}
	sum, err := st.Summary(ctx)
	if err != nil {
		return fmt.Errorf("failed to summarize verdicts: %w", err)
	}
	cat, err := taxonomy.LoadCatalog(a.cfg.TaxonomyDir)
	if err != nil {
		return fmt.Errorf("failed to load technique catalog: %w", err)
	}
	if unknown := cat.Unknown(mappedTechniques(a.tables)); len(unknown) > 0 {
		a.log.Info("policy maps to techniques missing from the catalog", "techniques", unknown)
	}

	out := cmd.OutOrStdout()
	if reportOut != "" {
		f, err := os.OpenFile(reportOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	fmt.Fprintf(out, "<!-- policy %s (%s); %d verdicts, %d passed, %d failed -->\n\n",
		a.tables.Version(), a.tables.Digest(), sum.Total, sum.Passed, sum.Failed)
	_, err = io.WriteString(out, taxonomy.GenerateMarkdown(taxonomy.BuildIndex(tagged), cat))
	if err == nil && reportOut != "" {
		fmt.Fprintf(os.Stderr, "Report written to %s\n", reportOut)
	}
	return err
}

func printHistory(ctx context.Context, w io.Writer, st *store.Store, id string) error {
	verdicts, err := st.History(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(verdicts) == 0 {
		fmt.Fprintf(w, "No verdicts recorded for %s.\n", id)
		return nil
	}
	for i := range verdicts {
		v := &verdicts[i]
		fmt.Fprintf(w, "%s\n", formatTimestamp(v.CreatedAt.Format(time.RFC3339)))
		printOutcome(w, pipeline.Outcome{Verdict: v})
		fmt.Fprintln(w)
	}
	return nil
}

// mappedTechniques lists every technique the policy's MITRE table can emit.
func mappedTechniques(t *policy.Tables) []string {
	seen := make(map[string]bool)
	var out []string
	for _, key := range t.MitreKeys() {
		for _, tech := range t.Techniques(key) {
			if !seen[tech] {
				seen[tech] = true
				out = append(out, tech)
			}
		}
	}
	return out
}
