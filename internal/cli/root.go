package cli

import (
	"errors"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	configPath string
	policyPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "transguard",
	Short: "transguard - verify shell command translations before they run",
	Long: `transguard translates PowerShell and POSIX shell commands into bash with
an untrusted translation oracle, then verifies every candidate: risk
profiling, prompt shielding, static validation against the policy and
sandboxed execution. Only a passing verdict marks a translation safe.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file (default: ~/.transguard/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&policyPath, "policy", "", "Path to policy YAML file (default: ~/.transguard/policy.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Operational log level: debug, info, warn, error")
}

// ExitError carries a process exit code out of a command. Commands return
// it after they have already printed their result.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return "exit status " + strconv.Itoa(e.Code) }

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

func Execute() error {
	return rootCmd.Execute()
}
