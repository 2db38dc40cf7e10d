package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/internal/pipeline"
	"github.com/yairfalse/argus/policy"
)

var (
	evaluateDryRun bool
	evaluateOutput string
)

// evaluateCmd represents the evaluate command
var evaluateCmd = &cobra.Command{
	Use:   "evaluate [events.json...]",
	Short: "Record events and enforce matching policies",
	Long: `Run events through the runtime decision path once:
- Record the resource, the principal and the event in the graph
- Evaluate every in-scope policy
- Create violations and run their enforcement actions

Each file holds one event or a JSON array of events. Use - for stdin.`,
	Example: `  argus evaluate event.json             # Evaluate one event
  argus evaluate --dry-run events.json  # Record and detect without acting
  cat events.json | argus evaluate -    # Read from stdin
  argus evaluate -o json event.json     # Print full results`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)

	evaluateCmd.Flags().BoolVar(&evaluateDryRun, "dry-run", false, "Record and detect, but skip remediation actions")
	evaluateCmd.Flags().StringVarP(&evaluateOutput, "output", "o", formatTable, "Output format: table, json")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	if err := checkFormat(evaluateOutput); err != nil {
		return err
	}
	ctx := cmd.Context()
	if evaluateDryRun {
		cfg.Enforcement.DryRun = true
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	snap, err := a.loadPolicies(ctx)
	if err != nil {
		return err
	}
	log.Debug().Int("policies", snap.Len()).Msg("policies loaded")

	p, _, err := a.pipeline(ctx, policy.ContextRuntime)
	if err != nil {
		return err
	}

	var results []*pipeline.Result
	failed := 0
	for _, path := range args {
		events, err := readEvents(path, cmd.InOrStdin())
		if err != nil {
			return err
		}
		for _, event := range events {
			res, err := p.Ingest(ctx, event)
			if err != nil {
				failed++
				log.Error().Err(err).Str("event_id", event.ID).Msg("event failed")
			}
			results = append(results, res)
		}
	}

	out := cmd.OutOrStdout()
	if evaluateOutput == formatJSON {
		if err := printJSON(out, results); err != nil {
			return err
		}
	} else if err := printResults(out, results); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d events failed", failed, len(results))
	}
	return nil
}

func printResults(w io.Writer, results []*pipeline.Result) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "EVENT\tEVALUATED\tMATCHED\tVIOLATIONS\tERRORS")
	for _, res := range results {
		created := 0
		for _, o := range res.Outcomes {
			if o.Created {
				created++
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\n",
			res.EventID, res.Evaluated, orDash(strings.Join(res.Matched, ",")), created, len(res.Errors))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
