package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/types"
	"github.com/yairfalse/argus/wal"
)

var (
	violationsOutput string
	listPolicy       string
	listResource     string
	listStatus       string
	listSeverity     string
	listSince        time.Duration
	listLimit        int
	resolveStatus    string
	resolveNotes     string
)

// violationsCmd groups violation queries and resolution
var violationsCmd = &cobra.Command{
	Use:     "violations",
	Aliases: []string{"violation"},
	Short:   "List and resolve policy violations",
}

var violationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List violations, newest first",
	Example: `  argus violations list --status open --severity high
  argus violations list --policy s3-public-read --since 24h
  argus violations list --resource arn:aws:s3:::logs -o json`,
	Args: cobra.NoArgs,
	RunE: runViolationsList,
}

var violationsResolveCmd = &cobra.Command{
	Use:   "resolve VIOLATION_ID",
	Short: "Close a violation as resolved or a false positive",
	Example: `  argus violations resolve 6f1c... --notes "bucket made private"
  argus violations resolve 6f1c... --status false_positive --notes "public website bucket"`,
	Args: cobra.ExactArgs(1),
	RunE: runViolationsResolve,
}

func init() {
	rootCmd.AddCommand(violationsCmd)
	violationsCmd.AddCommand(violationsListCmd, violationsResolveCmd)

	violationsCmd.PersistentFlags().StringVarP(&violationsOutput, "output", "o", formatTable, "Output format: table, json")

	violationsListCmd.Flags().StringVar(&listPolicy, "policy", "", "Only violations of this policy")
	violationsListCmd.Flags().StringVar(&listResource, "resource", "", "Only violations on this resource")
	violationsListCmd.Flags().StringVar(&listStatus, "status", "", "Only this status: open, resolved, false_positive")
	violationsListCmd.Flags().StringVar(&listSeverity, "severity", "", "Only this severity: critical, high, medium, low, info")
	violationsListCmd.Flags().DurationVar(&listSince, "since", 0, "Only violations detected within this duration")
	violationsListCmd.Flags().IntVar(&listLimit, "limit", 100, "Maximum violations to show (0 for all)")

	violationsResolveCmd.Flags().StringVar(&resolveStatus, "status", string(types.StatusResolved), "Resolution: resolved, false_positive")
	violationsResolveCmd.Flags().StringVar(&resolveNotes, "notes", "", "Resolution notes")
}

func violationFilter(now time.Time) (types.ViolationFilter, error) {
	filter := types.ViolationFilter{
		PolicyID:   listPolicy,
		ResourceID: listResource,
		Status:     types.ViolationStatus(listStatus),
		Limit:      listLimit,
	}
	switch filter.Status {
	case "", types.StatusOpen, types.StatusResolved, types.StatusFalsePositive:
	default:
		return filter, fmt.Errorf("unknown status %q", listStatus)
	}
	if listSeverity != "" {
		sev, err := types.ParseSeverity(listSeverity)
		if err != nil {
			return filter, err
		}
		filter.Severity = sev
	}
	if listSince > 0 {
		filter.Since = now.Add(-listSince)
	}
	return filter, nil
}

func runViolationsList(cmd *cobra.Command, args []string) error {
	if err := checkFormat(violationsOutput); err != nil {
		return err
	}
	filter, err := violationFilter(time.Now().UTC())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	violations, err := s.ListViolations(ctx, filter)
	if err != nil {
		return err
	}
	if violationsOutput == formatJSON {
		if violations == nil {
			violations = []*types.Violation{}
		}
		return printJSON(cmd.OutOrStdout(), violations)
	}

	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "ID\tPOLICY\tRESOURCE\tSEVERITY\tSTATUS\tSTATE\tREMEDIATION\tDETECTED")
	for _, v := range violations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.PolicyID, v.ResourceID, v.Severity, v.Status, v.State,
			orDash(string(v.Remediation)), v.DetectedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runViolationsResolve(cmd *cobra.Command, args []string) error {
	if err := checkFormat(violationsOutput); err != nil {
		return err
	}
	status := types.ViolationStatus(resolveStatus)
	if status != types.StatusResolved && status != types.StatusFalsePositive {
		return fmt.Errorf("status must be resolved or false_positive (got %q)", resolveStatus)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	v, err := a.store.ResolveViolation(ctx, args[0], status, resolveNotes)
	if err != nil {
		return err
	}
	if a.wal != nil {
		if err := a.wal.Append(wal.EntryResolved, v.ID, map[string]any{
			"status": v.Status,
			"notes":  v.ResolutionNotes,
		}); err != nil {
			return fmt.Errorf("audit resolution: %w", err)
		}
	}

	if violationsOutput == formatJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (state %s)\n", v.ID, v.Status, v.State)
	return err
}
