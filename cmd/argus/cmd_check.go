package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/enforcer"
	"github.com/yairfalse/argus/policy"
)

var checkOutput string

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check [plan.json...]",
	Short: "Gate planned changes before deployment",
	Long: `Evaluate planned changes in the CI/CD context:
- Policies with a pre-deployment mode at or above their block
  threshold block the change
- Every other match is reported as a warning
- Nothing is written to the graph and no actions run

Each file holds one planned event or a JSON array of them. The command
exits 2 when any change is blocked.`,
	Example: `  argus check plan.json          # Gate one planned change
  argus check -o json plan.json  # Print verdicts as JSON
  terraform-to-events | argus check -`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", formatTable, "Output format: table, json")
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := checkFormat(checkOutput); err != nil {
		return err
	}
	ctx := cmd.Context()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if _, err := a.loadPolicies(ctx); err != nil {
		return err
	}
	p, _, err := a.pipeline(ctx, policy.ContextCICD)
	if err != nil {
		return err
	}

	var verdicts []*enforcer.Verdict
	for _, path := range args {
		events, err := readEvents(path, cmd.InOrStdin())
		if err != nil {
			return err
		}
		for _, event := range events {
			res, err := p.Ingest(ctx, event)
			if err != nil {
				return err
			}
			verdicts = append(verdicts, res.Verdict)
		}
	}

	out := cmd.OutOrStdout()
	if checkOutput == formatJSON {
		err = printJSON(out, verdicts)
	} else {
		err = printVerdicts(out, verdicts)
	}
	if err != nil {
		return err
	}

	if blocked := countBlocked(verdicts); blocked > 0 {
		return fmt.Errorf("%w: %d of %d changes", errBlocked, blocked, len(verdicts))
	}
	return nil
}

func countBlocked(verdicts []*enforcer.Verdict) int {
	n := 0
	for _, v := range verdicts {
		if v.Blocked() {
			n++
		}
	}
	return n
}

func printVerdicts(w io.Writer, verdicts []*enforcer.Verdict) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "EVENT\tRESOURCE\tOUTCOME\tPOLICY\tSEVERITY\tBLOCKING")
	for _, v := range verdicts {
		if len(v.Findings) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\t-\n", v.EventID, v.ResourceID, v.Outcome)
			continue
		}
		for _, f := range v.Findings {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", v.EventID, v.ResourceID, v.Outcome, f.PolicyID, f.Severity, f.Blocking)
		}
	}
	return tw.Flush()
}
