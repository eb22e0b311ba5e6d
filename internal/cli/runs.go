package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/trainwatch/internal/board"
	"github.com/raphaelgruber/trainwatch/internal/db"
	"github.com/raphaelgruber/trainwatch/internal/models"
)

var (
	runsStatus string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List or inspect past training runs",
	Long: `List past training runs or inspect one run by ID.

Runs come from the SurrealDB history when SURREALDB_URL is set, otherwise
from the run directories under the log root.

Examples:
  trainwatch runs                    # List all runs
  trainwatch runs --status failed    # Only failed runs
  trainwatch runs 3f2a9c1d           # Show details for one run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (pending, running, completed, failed)")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 50, "maximum number of runs to list")
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	history, err := openHistory(ctx, nil)
	if err != nil {
		return err
	}
	if history == nil {
		if len(args) == 1 {
			return fmt.Errorf("run details need run history; set SURREALDB_URL")
		}
		return listRunDirs(out, cfg.LogRoot)
	}
	defer history.Close(context.Background())

	if len(args) == 1 {
		return showRun(ctx, out, history, args[0])
	}
	return listRuns(ctx, out, history)
}

func listRuns(ctx context.Context, out io.Writer, history *db.Client) error {
	runs, err := history.ListRuns(ctx, runsStatus, runsLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	fmt.Fprintf(out, "%-10s %-16s %-10s %-8s %-8s %s\n", "ID", "NAME", "STATUS", "EPOCH", "LOSS", "STARTED")
	fmt.Fprintln(out, "------------------------------------------------------------------------")
	for _, r := range runs {
		loss := ""
		if v, ok := r.Metrics["loss"]; ok {
			loss = fmt.Sprintf("%.4f", v)
		}
		fmt.Fprintf(out, "%-10s %-16s %-10s %-8s %-8s %s\n",
			r.RunID(), r.Name, r.Status, fmt.Sprintf("%d/%d", r.Epoch, r.Epochs), loss, r.StartedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func showRun(ctx context.Context, out io.Writer, history *db.Client, id string) error {
	r, err := history.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	printRun(out, r)
	return nil
}

func printRun(out io.Writer, r *models.TrainingRun) {
	fmt.Fprintf(out, "Run: %s\n", r.RunID())
	fmt.Fprintf(out, "  Name: %s\n", r.Name)
	fmt.Fprintf(out, "  Status: %s\n", r.Status)
	fmt.Fprintf(out, "  Progress: %d/%d epochs\n", r.Epoch, r.Epochs)
	fmt.Fprintf(out, "  Started: %s\n", r.StartedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(out, "  Completed: %s\n", r.CompletedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "  Duration: %s\n", r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}
	if len(r.Metrics) > 0 {
		fmt.Fprintf(out, "  Metrics: loss %.4f  acc %.4f  val_loss %.4f  val_acc %.4f\n",
			r.Metrics["loss"], r.Metrics["accuracy"], r.Metrics["val_loss"], r.Metrics["val_accuracy"])
	}
	if r.LogPath != nil {
		fmt.Fprintf(out, "  Logs: %s\n", *r.LogPath)
	}
	if r.WeightsPath != nil {
		fmt.Fprintf(out, "  Weights: %s\n", *r.WeightsPath)
	}
	if r.Error != nil && *r.Error != "" {
		fmt.Fprintf(out, "  Error: %s\n", *r.Error)
	}
	if r.SaveError != nil && *r.SaveError != "" {
		fmt.Fprintf(out, "  Save error: %s\n", *r.SaveError)
	}
	if len(r.Params) > 0 {
		fmt.Fprintln(out, "\nParams:")
		for _, k := range []string{"dataset", "epochs", "input_size", "batch_size", "validation_split"} {
			if v, ok := r.Params[k]; ok {
				fmt.Fprintf(out, "  %s: %v\n", k, v)
			}
		}
	}
}

// listRunDirs lists runs straight from the event files under root.
func listRunDirs(out io.Writer, root string) error {
	runs, err := board.ScanRuns(root)
	if err != nil {
		return err
	}

	filtered := runs[:0]
	for _, r := range runs {
		if runsStatus == "" || r.Status == runsStatus {
			filtered = append(filtered, r)
		}
	}
	if runsLimit > 0 && len(filtered) > runsLimit {
		filtered = filtered[:runsLimit]
	}

	if len(filtered) == 0 {
		fmt.Fprintf(out, "No runs found in %s\n", root)
		return nil
	}

	fmt.Fprintf(out, "%-20s %-10s %-8s %-8s %-8s %s\n", "RUN", "STATUS", "EPOCH", "LOSS", "ACC", "UPDATED")
	fmt.Fprintln(out, "------------------------------------------------------------------------")
	for _, r := range filtered {
		loss, acc := "", ""
		if r.Metrics != nil {
			loss = fmt.Sprintf("%.4f", r.Metrics.Loss)
			acc = fmt.Sprintf("%.4f", r.Metrics.Accuracy)
		}
		updated := ""
		if !r.UpdatedAt.IsZero() {
			updated = r.UpdatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "%-20s %-10s %-8s %-8s %-8s %s\n",
			r.Name, r.Status, fmt.Sprintf("%d/%d", r.Epoch, r.TotalEpochs), loss, acc, updated)
	}
	return nil
}
