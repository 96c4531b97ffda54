package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wikimetrics/internal/app"
	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/metric"
	"wikimetrics/internal/report"
)

func reportCmd() *cobra.Command {
	r := &cobra.Command{Use: "report", Short: "Manage reports"}
	r.AddCommand(reportCreateCmd())
	r.AddCommand(reportListCmd())
	r.AddCommand(reportStatusCmd())
	r.AddCommand(reportResultCmd())
	r.AddCommand(reportCancelCmd())
	r.AddCommand(reportRunsCmd())
	return r
}

func reportCreateCmd() *cobra.Command {
	var (
		name, anchor, interval string
		cohortID               int64
		metrics, aggs, params  []string
		recurrent              bool
		maxInstances           int
		wait                   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a report; one-off reports run and are waited for",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]metric.Spec, len(metrics))
			for i, id := range metrics {
				specs[i] = metric.Spec{ID: id, Params: parseParams(params)}
			}
			opts := engine.ReportCreateOptions{
				Name:         name,
				CohortID:     cohortID,
				Metrics:      specs,
				Aggregations: aggs,
				Recurrent:    recurrent,
				ActorID:      viper.GetString("actor-id"),
			}
			if recurrent {
				opts.Recurrence = &domain.Recurrence{Anchor: anchor, Interval: interval, MaxInstances: maxInstances}
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.CreateReport(ctx, opts)
				if err != nil {
					return err
				}
				if !rep.Recurrent {
					if wait == 0 {
						wait = a.Config.Queue.ResultTimeout
					}
					if rep, err = a.Engine.WaitReport(ctx, rep.ID, wait); err != nil {
						return err
					}
				}
				return printReports([]domain.Report{rep})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "report name (default \"<cohort> report\")")
	cmd.Flags().Int64Var(&cohortID, "cohort", 0, "cohort id")
	cmd.Flags().StringSliceVar(&metrics, "metric", []string{metric.EditsID}, "metric id, repeatable")
	cmd.Flags().StringSliceVar(&params, "param", nil, "metric parameter key=value, repeatable")
	cmd.Flags().StringSliceVar(&aggs, "agg", nil, "aggregation: ind, sum, avg, std (default ind)")
	cmd.Flags().BoolVar(&recurrent, "recurrent", false, "create a recurrent template")
	cmd.Flags().StringVar(&anchor, "anchor", "", "first occurrence, RFC3339")
	cmd.Flags().StringVar(&interval, "interval", "24h", "time between occurrences")
	cmd.Flags().IntVar(&maxInstances, "max-instances", 0, "occurrences per scheduler pass (default from config)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for the run (default queue.result_timeout)")
	_ = cmd.MarkFlagRequired("cohort")
	return cmd
}

func parseParams(in []string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for _, kv := range in {
		k, v, _ := strings.Cut(kv, "=")
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func reportListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List reports of the last 30 days",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListReports(ctx, owner)
				if err != nil {
					return err
				}
				return printReports(items)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner (default the actor)")
	return cmd
}

func reportStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the status of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				rep, err := a.Engine.ReportStatus(ctx, id)
				if err != nil {
					return err
				}
				return printReports([]domain.Report{rep})
			})
		},
	}
	return cmd
}

func reportResultCmd() *cobra.Command {
	var asCSV bool
	cmd := &cobra.Command{
		Use:   "result <id>",
		Short: "Print the result of a finished report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ReportResult(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if asCSV {
					return report.WriteCSV(os.Stdout, res.Result)
				}
				var buf bytes.Buffer
				if err := report.WriteCSV(&buf, res.Result); err != nil {
					return err
				}
				rows, err := csv.NewReader(&buf).ReadAll()
				if err != nil || len(rows) == 0 {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(tableRow(rows[0]))
				for _, r := range rows[1:] {
					tw.AppendRow(tableRow(r))
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asCSV, "csv", false, "output CSV")
	return cmd
}

func tableRow(cells []string) table.Row {
	row := make(table.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}

func reportCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				out, err := a.Engine.CancelReport(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func reportRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <id>",
		Short: "List occurrences materialized for a recurrent report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				runs, err := a.Engine.ScheduledRuns(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Scheduled for", "Run report", "Created"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ScheduledFor, r.RunReportID, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func printReports(items []domain.Report) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Cohort", "Recurrent", "Scheduled for", "Status", "Error"})
	for _, r := range items {
		tw.AppendRow(table.Row{r.ID, r.Name, r.CohortID, r.Recurrent, r.ScheduledFor, r.Status, r.Error})
	}
	tw.Render()
	return nil
}
