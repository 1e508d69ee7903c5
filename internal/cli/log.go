package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/config"
	"github.com/gzhole/transguard/internal/logger"
)

var (
	logFilterFailed bool
	logFilterID     string
	logFilterSource string
	logLast         int
	logSummary      bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit log",
	Long: `View the transguard audit log with filtering and summary options.
Secrets were redacted before the entries were written.

Examples:
  transguard log                   # Show all entries
  transguard log --last 20         # Show last 20 entries
  transguard log --failed          # Show failed verdicts and runs without a verdict
  transguard log --source daemon   # Show entries written by the serve command
  transguard log --summary         # Show summary stats`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().BoolVar(&logFilterFailed, "failed", false, "Show only failed verdicts and runs without a verdict")
	logCmd.Flags().StringVar(&logFilterID, "id", "", "Show only entries for one command id")
	logCmd.Flags().StringVar(&logFilterSource, "source", "", "Filter by source (cli, batch, daemon, mcp)")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	events, err := readAuditLog(cfg.LogPath)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit log entries found.")
		return nil
	}

	filtered := filterEvents(events, eventFilter{
		failed: logFilterFailed,
		id:     logFilterID,
		source: logFilterSource,
	})

	if logLast > 0 && logLast < len(filtered) {
		filtered = filtered[len(filtered)-logLast:]
	}

	if logSummary {
		printSummary(out, filtered)
		return nil
	}

	printEvents(out, filtered)
	return nil
}

// readAuditLog reads the rotated file first so entries stay in order.
func readAuditLog(path string) ([]logger.AuditEvent, error) {
	var events []logger.AuditEvent
	for _, p := range []string{path + ".1", path} {
		file, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		evs, err := decodeEvents(file)
		file.Close()
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	return events, nil
}

func decodeEvents(r io.Reader) ([]logger.AuditEvent, error) {
	var events []logger.AuditEvent
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var event logger.AuditEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			continue // skip malformed lines
		}
		events = append(events, event)
	}
	return events, scanner.Err()
}

type eventFilter struct {
	failed bool
	id     string
	source string
}

func filterEvents(events []logger.AuditEvent, f eventFilter) []logger.AuditEvent {
	if !f.failed && f.id == "" && f.source == "" {
		return events
	}

	var filtered []logger.AuditEvent
	for _, e := range events {
		if f.failed && e.Pass {
			continue
		}
		if f.id != "" && e.CommandID != f.id {
			continue
		}
		if f.source != "" && !strings.EqualFold(e.Source, f.source) {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func printEvents(w io.Writer, events []logger.AuditEvent) {
	for _, e := range events {
		tier := e.RiskTier
		if tier == "" {
			tier = "-"
		}
		fmt.Fprintf(w, "%s %s %s [%s] %s\n", eventIcon(e), formatTimestamp(e.Timestamp), e.CommandID, tier, e.Command)
		for _, d := range []struct{ label, value string }{
			{"Candidate", e.Candidate},
			{"Reason", e.RejectionReason},
			{"Findings", strings.Join(e.FindingKinds, ", ")},
			{"MITRE", strings.Join(e.MitreTags, ", ")},
			{"Error", e.Error},
			{"Source", e.Source},
		} {
			if d.value != "" {
				fmt.Fprintf(w, "     %s: %s\n", d.label, d.value)
			}
		}
		fmt.Fprintln(w)
	}
}

// auditStats tallies a slice of audit events.
type auditStats struct {
	total, passed, failed, noVerdict int
	tiers                            map[string]int
	kinds                            map[string]int
	first, last                      string
}

func summarize(events []logger.AuditEvent) auditStats {
	st := auditStats{total: len(events), tiers: map[string]int{}, kinds: map[string]int{}}
	for _, e := range events {
		if e.RiskTier == "" {
			st.noVerdict++
		} else {
			st.tiers[e.RiskTier]++
			if e.Pass {
				st.passed++
			} else {
				st.failed++
			}
		}
		for _, k := range e.FindingKinds {
			st.kinds[k]++
		}
	}
	if len(events) > 0 {
		st.first = events[0].Timestamp
		st.last = events[len(events)-1].Timestamp
	}
	return st
}

// topKinds returns the n most frequent finding kinds, ties broken by name.
func (st auditStats) topKinds(n int) []string {
	names := make([]string, 0, len(st.kinds))
	for k := range st.kinds {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := st.kinds[names[i]], st.kinds[names[j]]
		return ci > cj || (ci == cj && names[i] < names[j])
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}

func printSummary(w io.Writer, events []logger.AuditEvent) {
	const rule = "═══════════════════════════════════════════"
	st := summarize(events)

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "  transguard Audit Summary")
	fmt.Fprintln(w, rule)
	rows := []struct {
		label string
		n     int
	}{{"Total events", st.total}, {"Passed", st.passed}, {"Failed", st.failed}, {"No verdict", st.noVerdict}}
	for _, tier := range []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"} {
		rows = append(rows, struct {
			label string
			n     int
		}{tier, st.tiers[tier]})
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-16s %d\n", r.label+":", r.n)
	}
	fmt.Fprintln(w, rule)
	if st.total > 0 {
		fmt.Fprintf(w, "  First event:     %s\n", formatTimestamp(st.first))
		fmt.Fprintf(w, "  Last event:      %s\n", formatTimestamp(st.last))
	}

	if top := st.topKinds(10); len(top) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  Most frequent findings:")
		for _, k := range top {
			fmt.Fprintf(w, "    %-32s %d\n", k, st.kinds[k])
		}
	}
	fmt.Fprintln(w)
}

func eventIcon(e logger.AuditEvent) string {
	switch {
	case e.RiskTier == "":
		return "\xe2\x9d\x93" // question mark
	case e.Pass:
		return "\xe2\x9c\x85" // check mark
	default:
		return "\xf0\x9f\x9b\x91" // stop sign
	}
}

func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
