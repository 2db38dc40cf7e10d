package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/argus/storage"
	"github.com/yairfalse/argus/types"
)

var (
	graphOutput   string
	lineageDepth  int
	lineageOfID   bool
	pathsMaxDepth int
	relTypes      []string
	anomalyWindow time.Duration
)

// graphCmd groups read-only graph queries
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Query the temporal graph",
	Long: `Query the temporal graph of resources, identities and events:
- Version lineage of a resource
- Current paths between two nodes
- Relationships of a node
- Identities with anomalous recent activity
- Store statistics`,
}

var graphInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the store schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s storage.Store) error {
			if err := s.InitializeSchema(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "schema version %d ready (%s)\n", storage.SchemaVersion, cfg.Store.Backend)
			return err
		})
	},
}

var graphLineageCmd = &cobra.Command{
	Use:   "lineage ID",
	Short: "Show the version history of a resource or identity, newest first",
	Example: `  argus graph lineage arn:aws:s3:::logs --depth 5
  argus graph lineage user/alice --identity`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s storage.Store) error {
			if lineageOfID {
				return printIdentityLineage(ctx, cmd, s, args[0])
			}
			versions, err := s.GetLineage(ctx, args[0], lineageDepth)
			if err != nil {
				return err
			}
			if graphOutput == formatJSON {
				return printJSON(cmd.OutOrStdout(), versions)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "VERSION\tVALID_FROM\tVALID_TO\tSTATE\tPROPERTIES")
			for _, r := range versions {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n",
					r.Version, r.ValidFrom.Format(time.RFC3339), validUntil(r.ValidTo), orDash(r.State), len(r.Properties))
			}
			return tw.Flush()
		})
	},
}

func printIdentityLineage(ctx context.Context, cmd *cobra.Command, s storage.Store, id string) error {
	versions, err := s.GetIdentityLineage(ctx, id, lineageDepth)
	if err != nil {
		return err
	}
	if graphOutput == formatJSON {
		return printJSON(cmd.OutOrStdout(), versions)
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "VERSION\tVALID_FROM\tVALID_TO\tTYPE\tLAST_ACTIVITY")
	for _, i := range versions {
		activity := "-"
		if !i.LastActivity.IsZero() {
			activity = i.LastActivity.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			i.Version, i.ValidFrom.Format(time.RFC3339), validUntil(i.ValidTo), i.Type, activity)
	}
	return tw.Flush()
}

func validUntil(t *time.Time) string {
	if t == nil {
		return "current"
	}
	return t.Format(time.RFC3339)
}

var graphPathsCmd = &cobra.Command{
	Use:     "paths SOURCE_ID TARGET_ID",
	Short:   "Find current paths between two nodes, shortest first",
	Example: `  argus graph paths user/alice arn:aws:s3:::payroll --max-depth 4`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s storage.Store) error {
			paths, err := s.FindPaths(ctx, args[0], args[1], pathsMaxDepth)
			if err != nil {
				return err
			}
			if graphOutput == formatJSON {
				return printJSON(cmd.OutOrStdout(), paths)
			}
			out := cmd.OutOrStdout()
			if len(paths) == 0 {
				_, err := fmt.Fprintln(out, "no path")
				return err
			}
			for _, p := range paths {
				if _, err := fmt.Fprintln(out, formatPath(p)); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

var graphRelationshipsCmd = &cobra.Command{
	Use:     "relationships NODE_ID",
	Short:   "List current relationships touching a node",
	Example: `  argus graph relationships i-0abc --type DEPENDS_ON --type USES`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := parseRelTypes(relTypes)
		if err != nil {
			return err
		}
		return withStore(cmd, func(ctx context.Context, s storage.Store) error {
			rels, err := s.GetRelationships(ctx, args[0], filter...)
			if err != nil {
				return err
			}
			if graphOutput == formatJSON {
				return printJSON(cmd.OutOrStdout(), rels)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "TYPE\tFROM\tTO\tVERSION\tVALID_FROM")
			for _, r := range rels {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Type, r.FromID, r.ToID, r.Version, r.ValidFrom.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

var graphAnomaliesCmd = &cobra.Command{
	Use:     "anomalies",
	Short:   "Flag identities with unusual recent activity",
	Example: `  argus graph anomalies --window 24h`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		window := cfg.Anomaly.Window
		if anomalyWindow > 0 {
			window = anomalyWindow
		}
		return withStore(cmd, func(ctx context.Context, s storage.Store) error {
			anomalies, err := s.DetectAnomalousAccess(ctx, window, cfg.Anomaly.AnomalyThresholds)
			if err != nil {
				return err
			}
			if graphOutput == formatJSON {
				return printJSON(cmd.OutOrStdout(), anomalies)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "IDENTITY\tACTIONS\tRESOURCE_TYPES\tRESOURCES\tZ_SCORE\tREASONS")
			for _, a := range anomalies {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f\t%s\n",
					a.IdentityID, a.Actions, a.ResourceTypes, a.Resources, a.ZScore, strings.Join(a.Reasons, "; "))
			}
			return tw.Flush()
		})
	},
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s storage.Store) error {
			stats, err := s.Stats(ctx)
			if err != nil {
				return err
			}
			if graphOutput == formatJSON {
				return printJSON(cmd.OutOrStdout(), stats)
			}
			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintf(tw, "Resources:\t%d\n", stats.Resources)
			fmt.Fprintf(tw, "Identities:\t%d\n", stats.Identities)
			fmt.Fprintf(tw, "Events:\t%d\n", stats.Events)
			fmt.Fprintf(tw, "Relationships:\t%d\n", stats.Relationships)
			fmt.Fprintf(tw, "Violations:\t%d (%d open)\n", stats.Violations, stats.OpenViolations)
			for _, sev := range []types.Severity{types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow} {
				if n := stats.OpenBySeverity[sev]; n > 0 {
					fmt.Fprintf(tw, "  %s:\t%d\n", sev, n)
				}
			}
			fmt.Fprintf(tw, "Schema version:\t%d\n", stats.SchemaVersion)
			if stats.LastEventTime != nil {
				fmt.Fprintf(tw, "Last event:\t%s\n", stats.LastEventTime.Format(time.RFC3339))
			}
			return tw.Flush()
		})
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphInitCmd, graphLineageCmd, graphPathsCmd, graphRelationshipsCmd, graphAnomaliesCmd, graphStatsCmd)

	graphCmd.PersistentFlags().StringVarP(&graphOutput, "output", "o", formatTable, "Output format: table, json")
	graphLineageCmd.Flags().IntVar(&lineageDepth, "depth", storage.DefaultLineageDepth, "Number of versions to show")
	graphLineageCmd.Flags().BoolVar(&lineageOfID, "identity", false, "Treat ID as an identity")
	graphPathsCmd.Flags().IntVar(&pathsMaxDepth, "max-depth", 5, "Maximum hops to search")
	graphRelationshipsCmd.Flags().StringSliceVarP(&relTypes, "type", "t", nil, "Relationship types to include (repeatable)")
	graphAnomaliesCmd.Flags().DurationVar(&anomalyWindow, "window", 0, "Activity window (defaults to anomaly.window)")
}

// withStore opens the configured store for one command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, s storage.Store) error) error {
	if err := checkFormat(graphOutput); err != nil {
		return err
	}
	ctx := cmd.Context()
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(ctx, s)
}

func parseRelTypes(raw []string) ([]types.RelType, error) {
	out := make([]types.RelType, 0, len(raw))
	for _, r := range raw {
		t := types.RelType(strings.ToUpper(r))
		if !isKnownRelType(t) {
			return nil, fmt.Errorf("unknown relationship type %q", r)
		}
		out = append(out, t)
	}
	return out, nil
}

func isKnownRelType(t types.RelType) bool {
	return t.Traversable() || t == types.RelPreviousVersion || t == types.RelHasViolation || t == types.RelDetectedOn
}

func formatPath(p types.Path) string {
	var b strings.Builder
	for i, id := range p.NodeIDs {
		if i > 0 {
			fmt.Fprintf(&b, " -[%s]-> ", p.Rels[i-1])
		}
		b.WriteString(id)
	}
	return b.String()
}
