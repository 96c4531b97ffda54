package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wikimetrics/internal/app"
	"wikimetrics/internal/domain"
	"wikimetrics/internal/engine"
	"wikimetrics/internal/executor"
)

func cohortCmd() *cobra.Command {
	c := &cobra.Command{Use: "cohort", Short: "Manage cohorts"}
	c.AddCommand(cohortCreateCmd())
	c.AddCommand(cohortListCmd())
	c.AddCommand(cohortShowCmd())
	c.AddCommand(cohortValidateCmd())
	c.AddCommand(cohortInvalidCmd())
	c.AddCommand(cohortDeleteCmd())
	return c
}

func cohortCreateCmd() *cobra.Command {
	var name, desc, file, defaultProject string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Upload a cohort from a CSV of user,project lines and validate it",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			records, err := engine.ParseRecords(f)
			f.Close()
			if err != nil {
				return err
			}
			actor := viper.GetString("actor-id")
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.CreateCohort(ctx, engine.CohortCreateOptions{
					Name:           name,
					Description:    desc,
					Owner:          actor,
					DefaultProject: defaultProject,
					Records:        records,
					ActorID:        actor,
				})
				if err != nil {
					return err
				}
				v, err := waitValidation(ctx, a.Engine, c.ID, wait)
				if err != nil {
					return err
				}
				return printCohort(c, v)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "cohort name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&file, "file", "", "CSV file of user,project lines")
	cmd.Flags().StringVar(&defaultProject, "default-project", "", "project for lines that name none")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for validation")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// waitValidation polls until validation is terminal. The validator runs in
// this process, so returning early would stop it on exit.
func waitValidation(ctx context.Context, e engine.Engine, cohortID int64, wait time.Duration) (domain.CohortValidation, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		v, err := e.CohortValidation(ctx, cohortID)
		if err != nil {
			return v, err
		}
		if executor.Status(v.ValidationStatus).Terminal() {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return v, fmt.Errorf("cohort %d validation is %s: %w", cohortID, v.ValidationStatus, ctx.Err())
		case <-ticker.C:
		}
	}
}

func cohortListCmd() *cobra.Command {
	var owner string
	var includeInvalid bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cohorts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListCohorts(ctx, owner, includeInvalid)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Default project", "Validation", "Valid", "Invalid"})
				for _, c := range items {
					v, err := a.Engine.CohortValidation(ctx, c.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{c.ID, c.Name, c.DefaultProject, v.ValidationStatus, v.ValidCount, v.InvalidCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner (default the actor)")
	cmd.Flags().BoolVar(&includeInvalid, "include-invalid", false, "also list cohorts still validating or without valid members")
	return cmd
}

func cohortShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id|name>",
		Short: "Show a cohort and its validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.LookupCohort(ctx, args[0])
				if err != nil {
					return err
				}
				v, err := a.Engine.CohortValidation(ctx, c.ID)
				if err != nil {
					return err
				}
				return printCohort(c, v)
			})
		},
	}
	return cmd
}

func cohortValidateCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "validate <id>",
		Short: "Resume validation of records still pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.ValidateCohort(ctx, id); err != nil {
					return err
				}
				v, err := waitValidation(ctx, a.Engine, id, wait)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for validation")
	return cmd
}

func cohortInvalidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalid <id>",
		Short: "List records that failed validation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.InvalidRecords(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Raw", "Project", "Reason"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.RawID, r.Project, r.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func cohortDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a cohort with its records and members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteCohort(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": id})
				}
				fmt.Printf("Cohort %d deleted\n", id)
				return nil
			})
		},
	}
	return cmd
}

func printCohort(c domain.Cohort, v domain.CohortValidation) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"cohort": c, "validation": v})
	}
	fmt.Printf("Cohort %d: %s (owner %s)\n", c.ID, c.Name, c.Owner)
	fmt.Printf("Validation: %s, %d of %d validated, %d valid, %d invalid\n",
		v.ValidationStatus, v.ValidatedCount, v.TotalCount, v.ValidCount, v.InvalidCount)
	return nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
