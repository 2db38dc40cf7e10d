package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/policy"
)

// policyCmd groups policy maintenance commands
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Validate and inspect policy documents",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate policy documents without loading them into a store",
	Long: `Parse every .yaml, .yml and .json policy document under path and
check the whole set: unique ids, valid conditions, selectors, modes and
actions. Any invalid policy fails the set.`,
	Example: `  argus policy validate               # Validate the configured path
  argus policy validate ./policies    # Validate a directory
  argus policy validate s3.yaml       # Validate one file`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPolicyValidate,
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	path := cfg.Policies.Path
	if len(args) == 1 {
		path = args[0]
	}

	ctx := cmd.Context()
	policies, err := policy.NewLoader(path).Load(ctx)
	if err != nil {
		return err
	}
	snap, err := policy.NewRegistry().Replace(ctx, policies)
	if err != nil {
		return err
	}
	return printPolicies(cmd.OutOrStdout(), path, snap)
}

func printPolicies(w io.Writer, path string, snap *policy.Snapshot) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSEVERITY\tENABLED\tGRAPH\tRUNTIME\tCICD\tACTIONS")
	for _, p := range snap.Policies() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\t%s\t%d\n",
			p.ID, p.Severity, p.Enabled, p.IsGraph(),
			p.Enforcement.ModeFor(policy.ContextRuntime),
			p.Enforcement.ModeFor(policy.ContextCICD),
			len(p.Actions))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d policies valid in %s\n", snap.Len(), path)
	return err
}
