package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/gzhole/transguard/internal/model"
)

var (
	verifyDialect  string
	verifyID       string
	verifyJSON     bool
	verifyNoRecord bool
	verifyStdout   string
	verifyExit     int
)

var verifyCmd = &cobra.Command{
	Use:   "verify [flags] [--] <command...>",
	Short: "Translate and verify a single command",
	Long: `Translate one command into bash through the oracle and run it through
every verification stage. With no arguments the command is read from stdin.

The verdict is printed for humans when stdout is a terminal and as JSON
otherwise. The exit status is 0 for a passing verdict, 1 for a failing
verdict and 2 when no verdict could be produced.

Examples:
  transguard verify -- Get-Process
  transguard verify --dialect posix -- 'grep -r "$pattern" ./logs'
  transguard verify --expect-stdout hello -- Write-Output hello
  echo 'Get-ChildItem -Recurse' | transguard verify --json`,
	RunE: verifyCommand,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyDialect, "dialect", "powershell", "Source dialect: powershell or posix")
	verifyCmd.Flags().StringVar(&verifyID, "id", "", "Command id (default: random UUID)")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Always print JSON")
	verifyCmd.Flags().BoolVar(&verifyNoRecord, "no-record", false, "Do not write the verdict store or audit log")
	verifyCmd.Flags().StringVar(&verifyStdout, "expect-stdout", "", "Fail unless the translation prints this to stdout")
	verifyCmd.Flags().IntVar(&verifyExit, "expect-exit", 0, "Fail unless the translation exits with this status")
	rootCmd.AddCommand(verifyCmd)
}

func verifyCommand(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read command from stdin: %w", err)
		}
		text = strings.TrimRight(string(data), "\r\n")
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("no command provided. Usage: transguard verify -- <command...>")
	}
	dialect, err := model.ParseDialect(verifyDialect)
	if err != nil {
		return err
	}
	id := verifyID
	if id == "" {
		id = uuid.NewString()
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
	if !verifyNoRecord {
		if err := a.openSinks(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := p.Run(ctx, model.Command{ID: id, Text: text, Dialect: dialect, Expect: expectation(cmd)})
	if !verifyNoRecord {
		if err := a.recorder("cli").Record(context.Background(), o); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to record verdict: %v\n", err)
		}
	}

	out := cmd.OutOrStdout()
	if verifyJSON || !isTerminal(os.Stdout) {
		if err := writeJSON(out, resultOf(o)); err != nil {
			return err
		}
	} else {
		printOutcome(out, o)
	}

	switch {
	case o.Verdict == nil:
		return &ExitError{Code: 2}
	case !o.Verdict.Pass:
		return &ExitError{Code: 1}
	}
	return nil
}

func expectation(cmd *cobra.Command) *model.Expectation {
	var exp model.Expectation
	if cmd.Flags().Changed("expect-stdout") {
		exp.Stdout = &verifyStdout
	}
	if cmd.Flags().Changed("expect-exit") {
		exp.ExitStatus = &verifyExit
	}
	if exp.Stdout == nil && exp.ExitStatus == nil {
		return nil
	}
	return &exp
}
