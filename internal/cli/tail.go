package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/trainwatch/internal/client"
	"github.com/raphaelgruber/trainwatch/internal/events"
	"github.com/raphaelgruber/trainwatch/internal/training"
)

var tailBoardURL string

var tailCmd = &cobra.Command{
	Use:   "tail <run-dir>",
	Short: "Follow a run's progress from a running board",
	Long: `Follow a run through the board's live event stream until it ends.

The run is named by its directory under the log root, e.g. eyes_run_1.

Examples:
  trainwatch tail eyes_run_1
  trainwatch tail eyes_run_1 --board http://gpu-box:6006`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailBoardURL, "board", "", "board URL (default $TRAINWATCH_BOARD_URL)")
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	url := tailBoardURL
	if url == "" {
		url = cfg.BoardURL
	}

	out := cmd.OutOrStdout()
	var failure error
	err := client.New(url).Tail(ctx, args[0], func(e events.Event) error {
		line, err := describeEvent(e)
		if err != nil {
			failure = err
		}
		fmt.Fprintln(out, line)
		return nil
	})
	if err != nil {
		return err
	}
	return failure
}

// describeEvent renders an event as the log line the run printed for it.
// A failed end event also yields the run's error.
func describeEvent(e events.Event) (string, error) {
	switch e.Kind {
	case events.KindStart:
		return "Iniciando treinamento...", nil
	case events.KindEpoch:
		m := training.EpochMetrics{Epoch: e.Epoch}
		if e.Metrics != nil {
			m.Loss = e.Metrics.Loss
			m.Accuracy = e.Metrics.Accuracy
			m.ValLoss = e.Metrics.ValLoss
			m.ValAccuracy = e.Metrics.ValAccuracy
		}
		return m.Format(e.TotalEpochs), nil
	case events.KindEnd:
		if e.Success != nil && *e.Success {
			return "Treinamento finalizado com sucesso!", nil
		}
		return "Erro durante o treinamento: " + e.Error, fmt.Errorf("run %s failed: %s", e.Run, e.Error)
	}
	return string(e.Kind), nil
}
