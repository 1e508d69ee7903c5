package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gzhole/transguard/internal/config"
	"github.com/gzhole/transguard/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the active policy and manage policy packs",
	Long: `Inspect the compiled policy and manage policy packs.

Policy packs are YAML files in ~/.transguard/packs/ that add signatures,
MITRE mappings and allowed domains to the base policy. Files prefixed
with an underscore are disabled.

Examples:
  transguard policy show                 # Version, digest and table sizes
  transguard policy dump > policy.yaml   # Built-in defaults as YAML
  transguard policy packs                # List installed packs
  transguard policy enable lolbins       # Enable a pack
  transguard policy disable lolbins      # Disable a pack`,
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the version and digest of the compiled policy",
	RunE:  policyShow,
}

var policyDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the built-in default policy as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return dumpPolicy(cmd.OutOrStdout(), policy.DefaultPolicy())
	},
}

var policyPacksCmd = &cobra.Command{
	Use:   "packs",
	Short: "List installed policy packs",
	RunE:  packList,
}

var policyEnableCmd = &cobra.Command{
	Use:   "enable <pack-name>",
	Short: "Enable a disabled policy pack",
	Args:  cobra.ExactArgs(1),
	RunE:  packEnable,
}

var policyDisableCmd = &cobra.Command{
	Use:   "disable <pack-name>",
	Short: "Disable a policy pack (prefix with underscore)",
	Args:  cobra.ExactArgs(1),
	RunE:  packDisable,
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policyDumpCmd)
	policyCmd.AddCommand(policyPacksCmd)
	policyCmd.AddCommand(policyEnableCmd)
	policyCmd.AddCommand(policyDisableCmd)
	rootCmd.AddCommand(policyCmd)
}

func policyShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	t := a.tables
	fmt.Fprintf(out, "Policy:      %s\n", a.cfg.PolicyPath)
	fmt.Fprintf(out, "Version:     %s\n", t.Version())
	fmt.Fprintf(out, "Digest:      %s\n", t.Digest())
	fmt.Fprintf(out, "Signatures:  %d\n", len(t.Signatures()))
	fmt.Fprintf(out, "MITRE keys:  %d\n", len(t.MitreKeys()))
	fmt.Fprintf(out, "Thresholds:  medium %.2f, high %.2f, critical %.2f\n", t.Thresholds().Medium, t.Thresholds().High, t.Thresholds().Critical)
	fmt.Fprintf(out, "Pass below:  %.2f\n", t.PassThreshold())

	enabled := 0
	for _, p := range a.packs {
		if p.Enabled && p.Err == nil {
			enabled++
		}
	}
	fmt.Fprintf(out, "Packs:       %d enabled of %d in %s\n", enabled, len(a.packs), a.cfg.PacksDir)
	return nil
}

func dumpPolicy(w io.Writer, p *policy.Policy) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}

func packsDir() (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfg.PacksDir, 0700); err != nil {
		return "", err
	}
	return cfg.PacksDir, nil
}

func packList(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}

	_, infos, err := policy.LoadPacks(dir, policy.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("failed to load packs: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No policy packs installed.")
		fmt.Fprintf(out, "\nTo install packs, copy YAML files to: %s\n", dir)
		return nil
	}

	fmt.Fprintln(out, "Installed Policy Packs:")
	fmt.Fprintln(out, strings.Repeat("─", 60))
	for _, info := range infos {
		status := "\xe2\x9c\x85" // check mark
		if !info.Enabled {
			status = "\xe2\x9d\x8c" // cross mark
		}
		fmt.Fprintf(out, "  %s  %-25s %s\n", status, info.Name, info.Description)
		if info.Err != nil {
			fmt.Fprintf(out, "       invalid: %v\n", info.Err)
			continue
		}
		if info.Version != "" {
			fmt.Fprintf(out, "       v%s by %s  (%d signatures)\n", info.Version, info.Author, info.SignatureCount)
		}
	}
	fmt.Fprintln(out, strings.Repeat("─", 60))
	fmt.Fprintf(out, "\nPacks directory: %s\n", dir)
	return nil
}

func packEnable(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	msg, err := togglePack(dir, args[0], true)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

func packDisable(cmd *cobra.Command, args []string) error {
	dir, err := packsDir()
	if err != nil {
		return err
	}
	msg, err := togglePack(dir, args[0], false)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), msg)
	return nil
}

// togglePack renames <name>.yaml and _<name>.yaml into each other.
func togglePack(dir, name string, enable bool) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, "_") || name == "." || name == ".." {
		return "", fmt.Errorf("invalid pack name %q", name)
	}
	enabledPath := filepath.Join(dir, name+".yaml")
	disabledPath := filepath.Join(dir, "_"+name+".yaml")

	from, to := disabledPath, enabledPath
	done, already := "\xe2\x9c\x85 Pack '%s' enabled.", "Pack '%s' is already enabled."
	if !enable {
		from, to = enabledPath, disabledPath
		done, already = "\xe2\x9d\x8c Pack '%s' disabled.", "Pack '%s' is already disabled."
	}

	if _, err := os.Stat(from); err == nil {
		if err := os.Rename(from, to); err != nil {
			return "", fmt.Errorf("failed to rename pack: %w", err)
		}
		return fmt.Sprintf(done, name), nil
	}
	if _, err := os.Stat(to); err == nil {
		return fmt.Sprintf(already, name), nil
	}
	return "", fmt.Errorf("pack '%s' not found in %s", name, dir)
}
