package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage/postgres"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List recent processing jobs",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show jobs with this status (pending, processing, completed, failed, cancelled)")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum number of jobs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("status needs database.url; the in-memory store is per process")
		os.Exit(1)
	}
	if statusFilter != "" && !validStatus(domain.JobStatus(statusFilter)) {
		slog.Error("Unknown job status", "status", statusFilter)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	jobs, err := postgres.NewJobRepo(db).List(ctx, storage.JobQuery{
		Status: domain.JobStatus(statusFilter),
		Limit:  statusLimit,
	})
	if err != nil {
		slog.Error("Failed to list jobs", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "JOB\tSUBJECT\tSTATUS\tPROGRESS\tUPDATED\tERROR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
			j.ID, j.SubjectID, j.Status, j.Progress, j.UpdatedAt.Format(time.RFC3339), j.ErrorMessage)
	}
	_ = w.Flush()
}

func validStatus(s domain.JobStatus) bool {
	switch s {
	case domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted,
		domain.JobStatusFailed, domain.JobStatusCancelled:
		return true
	}
	return false
}
