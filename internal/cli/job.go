package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Byk3y/PREPAI-sub003/internal/control"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Act on a single processing job",
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a pending job",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runJobAction("cancel", args[0], func(ctx context.Context, app *control.App, id string) error {
			return app.Manager.Cancel(ctx, id, "")
		})
	},
}

var jobRetryCmd = &cobra.Command{
	Use:   "retry [job_id]",
	Short: "Reset a failed job to pending and trigger it again",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runJobAction("retry", args[0], func(ctx context.Context, app *control.App, id string) error {
			return app.Manager.Retry(ctx, id, "")
		})
	},
}

func init() {
	jobCmd.AddCommand(jobCancelCmd, jobRetryCmd)
	rootCmd.AddCommand(jobCmd)
}

// runJobAction builds the app without starting its servers, runs fn and
// prints the resulting job row.
func runJobAction(name, jobID string, fn func(ctx context.Context, app *control.App, id string) error) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("job commands need database.url; the in-memory store is per process")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Processing.TriggerTimeout+30*time.Second)
	defer cancel()

	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}
	err = fn(ctx, app, jobID)
	if err != nil {
		slog.Error("Job action failed", "action", name, "job", jobID, "error", err)
	} else if j, gerr := app.Jobs.Get(ctx, jobID); gerr != nil {
		slog.Error("Failed to reload job", "job", jobID, "error", gerr)
		err = gerr
	} else {
		fmt.Printf("%s\t%s\tprogress=%d%%\n", j.ID, j.Status, j.Progress)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	_ = app.Stop(stopCtx)
	if err != nil {
		os.Exit(1)
	}
}
