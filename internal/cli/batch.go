package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/daemon"
	"github.com/gzhole/transguard/internal/model"
	"github.com/gzhole/transguard/internal/pipeline"
)

var (
	batchWorkers  int
	batchNoRecord bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [file]",
	Short: "Verify a JSONL file of commands through the worker pool",
	Long: `Read one job per line, {"id": "...", "command": "...", "dialect": "..."},
from file or stdin and verify them concurrently. One JSON result per job
is written to stdout in completion order, in the same format the serve
command writes to its outbox.

The exit status is 1 when any job failed verification or had no verdict.

Examples:
  transguard batch commands.jsonl > results.jsonl
  transguard batch --workers 8 < commands.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: batchCommand,
}

func init() {
	batchCmd.Flags().IntVar(&batchWorkers, "workers", 0, "Worker pool size (default: config workers)")
	batchCmd.Flags().BoolVar(&batchNoRecord, "no-record", false, "Do not write the verdict store or audit log")
	rootCmd.AddCommand(batchCmd)
}

func batchCommand(cmd *cobra.Command, args []string) error {
	in := cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	jobs, invalid, err := readJobs(in)
	if err != nil {
		return fmt.Errorf("failed to read jobs: %w", err)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline()
	if err != nil {
		return err
	}
	if !batchNoRecord {
		if err := a.openSinks(); err != nil {
			return err
		}
	}
	workers := batchWorkers
	if workers <= 0 {
		workers = a.cfg.Workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := len(invalid)
	for _, res := range invalid {
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	queue := make(chan model.Command)
	go func() {
		defer close(queue)
		for _, job := range jobs {
			select {
			case queue <- job:
			case <-ctx.Done():
				return
			}
		}
	}()

	rec := a.recorder("batch")
	for o := range pipeline.NewPool(p, workers, a.log).Run(ctx, queue) {
		if !batchNoRecord {
			if err := rec.Record(context.Background(), o); err != nil {
				a.log.Error(err, "record outcome", "id", o.Command.ID)
			}
		}
		res := daemon.NewResult(o)
		if res.Status != daemon.StatusVerdict || !res.Verdict.Pass {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	a.log.Info("batch complete", "jobs", len(jobs)+len(invalid), "failed", failed)
	if failed > 0 {
		return &ExitError{Code: 1}
	}
	return nil
}

// readJobs parses JSONL jobs. Blank lines and lines starting with # are
// skipped; malformed lines become invalid results keyed by line number.
func readJobs(r io.Reader) ([]model.Command, []daemon.Result, error) {
	var jobs []model.Command
	var invalid []daemon.Result
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		defaultID := fmt.Sprintf("line-%d", line)
		cmd, err := daemon.ParseJob([]byte(text), defaultID)
		if err == nil && seen[cmd.ID] {
			err = fmt.Errorf("duplicate id %q", cmd.ID)
		}
		if err != nil {
			invalid = append(invalid, daemon.Result{
				ID:          defaultID,
				Status:      daemon.StatusInvalid,
				Error:       err.Error(),
				CompletedAt: time.Now().UTC(),
			})
			continue
		}
		seen[cmd.ID] = true
		jobs = append(jobs, cmd)
	}
	return jobs, invalid, scanner.Err()
}
