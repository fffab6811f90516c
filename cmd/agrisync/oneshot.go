package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Fetch the bulletin once and print the dataset",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ds, err := a.data.ForceRefresh(cmd.Context())
		if ds != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(ds); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tSCHEDULE\tACTIVE\tLAST RUN\tNEXT RUN")
		for _, t := range a.scheduler.Tasks() {
			last := "-"
			if t.LastRun != nil {
				last = t.LastRun.Local().Format(time.DateTime)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
				t.ID, t.TaskType, t.Schedule, t.IsActive, last, t.NextRun.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var runTaskCmd = &cobra.Command{
	Use:   "run-task <id>",
	Short: "Run one task now and wait for its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.scheduler.RunTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s (next run %s, took %s)\n", res.TaskID, res.Status, res.NextRun.Local().Format(time.DateTime), res.Duration)
		if res.Err != nil {
			return res.Err
		}
		return nil
	},
}

func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return newApp(ctx, cfg)
}
