package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wikimetrics/internal/app"
	"wikimetrics/internal/config"
	"wikimetrics/internal/db"
	"wikimetrics/internal/repo"
	"wikimetrics/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wm",
	Short: "wikimetrics CLI",
	Long: `wikimetrics computes per-user metrics over cohorts of wiki editors.
- Workspace: the directory holding wikimetrics.yml and the .wikimetrics state database.
- Projects: wikis, each backed by a replica database configured under projects.
- Cohort: an uploaded list of users; every record is validated against its project in the background.
- Report: metrics run over a validated cohort, fanned out into one job per metric and project, then aggregated (individual, sum, average, std).
- Recurrent report: a template the scheduler turns into one report per occurrence of its recurrence.
- Event log: diary of changes, view with 'wm log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("WIKIMETRICS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(cohortCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is wikimetrics.yml in the workspace: executor sizes, scheduler cron, the result backend and the project replicas. Missing keys keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default wikimetrics.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate wikimetrics.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func schedulerCmd() *cobra.Command {
	sch := &cobra.Command{Use: "scheduler", Short: "Run recurrent reports"}
	sch.AddCommand(schedulerRunCmd())
	return sch
}

func schedulerRunCmd() *cobra.Command {
	var reportID int64
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one scheduler pass and wait for the runs it created",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				var only *int64
				if cmd.Flags().Changed("report") {
					if _, err := a.Engine.GetReport(ctx, reportID); err != nil {
						return err
					}
					only = &reportID
				}
				sum, err := a.Engine.RunRecurring(ctx, only)
				if err != nil {
					return err
				}
				if wait == 0 {
					wait = a.Config.Queue.ResultTimeout
				}
				runs := make([]any, 0, len(sum.RunReportIDs))
				for _, id := range sum.RunReportIDs {
					rep, err := a.Engine.WaitReport(ctx, id, wait)
					if err != nil {
						return fmt.Errorf("wait for report %d: %w", id, err)
					}
					runs = append(runs, rep)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"summary": sum, "runs": runs})
				}
				fmt.Printf("Reports: %d, materialized: %d, truncated: %d, failed: %d, submitted: %d\n",
					sum.Reports, sum.Materialized, sum.Truncated, sum.Failed, sum.Submitted)
				for _, id := range sum.RunReportIDs {
					rep, err := a.Engine.ReportStatus(ctx, id)
					if err != nil {
						return err
					}
					fmt.Printf("  report %d for %s: %s\n", rep.ID, rep.ScheduledFor, rep.Status)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&reportID, "report", 0, "only run this recurrent report")
	cmd.Flags().DurationVar(&wait, "wait", 0, "how long to wait for each run (default queue.result_timeout)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if a.Config.Scheduler.Enabled {
					trigger, err := a.NewTrigger(ctx, a.Config.Scheduler.Cron)
					if err != nil {
						return err
					}
					trigger.Start()
					defer trigger.Stop()
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Metrics:  a.Telemetry.Handler(),
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving wikimetrics API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

// withApp opens the workspace. start launches the executors for commands
// that submit work.
func withApp(ctx context.Context, start bool, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace)
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if start {
		a.Start()
	}
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
