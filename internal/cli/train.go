package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/trainwatch/internal/artifact"
	"github.com/raphaelgruber/trainwatch/internal/config"
	"github.com/raphaelgruber/trainwatch/internal/dataset"
	"github.com/raphaelgruber/trainwatch/internal/metrics"
	"github.com/raphaelgruber/trainwatch/internal/model"
	"github.com/raphaelgruber/trainwatch/internal/service"
	"github.com/raphaelgruber/trainwatch/internal/training"
)

const separator = "--------------------------------------------------------"

var (
	trainName       string
	trainEpochs     int
	trainInputSize  int
	trainBatchSize  int
	trainSplit      float64
	trainParamsFile string
	trainPlain      bool
)

var trainCmd = &cobra.Command{
	Use:   "train [dataset-dir]",
	Short: "Train a classifier on a directory of labelled images",
	Long: `Train an image classifier on a directory holding one subdirectory per class.

Training runs in the background while progress is shown line by line. The
weights are saved as <name>_weights.json once training succeeds.

Examples:
  trainwatch train ./olhos --name eyes --epochs 20
  trainwatch train --params run.yaml
  trainwatch train ./olhos --name eyes --plain > run.log`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrain,
}

func init() {
	d := config.DefaultRunParams()
	trainCmd.Flags().StringVarP(&trainName, "name", "n", "", "run name, also used for the weights file (required)")
	trainCmd.Flags().IntVarP(&trainEpochs, "epochs", "e", d.Epochs, "number of epochs")
	trainCmd.Flags().IntVar(&trainInputSize, "input-size", d.InputSize, "images are resized to input-size x input-size")
	trainCmd.Flags().IntVar(&trainBatchSize, "batch-size", d.BatchSize, "images per batch")
	trainCmd.Flags().Float64Var(&trainSplit, "split", d.ValidationSplit, "fraction of each class held out for validation")
	trainCmd.Flags().StringVar(&trainParamsFile, "params", "", "YAML file with run parameters; flags override it")
	trainCmd.Flags().BoolVar(&trainPlain, "plain", false, "print plain log lines instead of the progress panel")
}

func runTrain(cmd *cobra.Command, args []string) error {
	params, err := resolveParams(cmd, args)
	if err != nil {
		return err
	}

	interactive := !trainPlain && term.IsTerminal(int(os.Stdout.Fd()))
	return executeTrain(cmd.Context(), cmd.OutOrStdout(), params, interactive)
}

// resolveParams layers the params file, then explicitly set flags, then the
// positional dataset argument.
func resolveParams(cmd *cobra.Command, args []string) (config.RunParams, error) {
	params := config.DefaultRunParams()
	if trainParamsFile != "" {
		var err error
		if params, err = config.LoadRunParams(trainParamsFile); err != nil {
			return params, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("name") || params.Name == "" {
		params.Name = trainName
	}
	if flags.Changed("epochs") {
		params.Epochs = trainEpochs
	}
	if flags.Changed("input-size") {
		params.InputSize = trainInputSize
	}
	if flags.Changed("batch-size") {
		params.BatchSize = trainBatchSize
	}
	if flags.Changed("split") {
		params.ValidationSplit = trainSplit
	}
	if len(args) == 1 {
		params.Dataset = args[0]
	}
	return params, params.Validate()
}

// executeTrain loads the data, builds the model and trains it in the
// background while progress goes to out.
func executeTrain(ctx context.Context, out io.Writer, params config.RunParams, interactive bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	stats := metrics.NewCollector()

	fmt.Fprintf(out, "Input Size escolhido: %d\n", params.InputSize)
	fmt.Fprintf(out, "Batch Size escolhido: %d\n", params.BatchSize)
	fmt.Fprintf(out, "Taxa de divisão escolhida: %g\n", params.ValidationSplit)
	fmt.Fprintln(out, separator)

	start := time.Now()
	train, validation, err := dataset.Load(params.Dataset, dataset.Options{
		ImageSize:       params.InputSize,
		BatchSize:       params.BatchSize,
		ValidationSplit: params.ValidationSplit,
	})
	stats.Record(metrics.OpDatasetLoad, time.Since(start), err)
	if err != nil {
		fmt.Fprintln(out, "Treinamento não foi iniciado ou concluído")
		return fmt.Errorf("load dataset: %w", err)
	}
	fmt.Fprintln(out, train.Summary())
	fmt.Fprintln(out, validation.Summary())
	fmt.Fprintf(out, "Quantidade de classes encontradas: %d\n", train.NumClasses())
	fmt.Fprintf(out, "Classes identificadas: %s\n", formatClasses(train.ClassIndices()))
	fmt.Fprintln(out, separator)

	clf, err := model.Build(params.InputSize, train.NumClasses())
	if err != nil {
		fmt.Fprintln(out, "Treinamento não foi iniciado ou concluído")
		return fmt.Errorf("build model: %w", err)
	}
	fmt.Fprintf(out, "Rede construída: %s\n", clf)
	fmt.Fprintln(out, "Rede compilada com sucesso!")
	fmt.Fprintln(out, separator)

	store, err := newArtifactStore(ctx)
	if err != nil {
		return err
	}

	opts := []service.ManagerOption{
		service.WithArtifacts(store),
		service.WithLogRoot(cfg.LogRoot),
		service.WithManagerLogger(logger),
		service.WithStats(stats),
	}
	history, err := openHistory(ctx, stats)
	if err != nil {
		logger.Warn("run history unavailable", "error", err)
	}
	if history != nil {
		defer history.Close(context.Background())
		opts = append(opts, service.WithHistory(history))
	}

	mgr := service.NewRunManager(opts...)
	if history != nil {
		if n, err := mgr.MarkInterrupted(ctx); err != nil {
			logger.Warn("failed to mark interrupted runs", "error", err)
		} else if n > 0 {
			logger.Info("marked interrupted runs", "count", n)
		}
	}

	req := service.StartRequest{
		Name:   params.Name,
		Model:  clf,
		Train:  train,
		Epochs: params.Epochs,
		Params: params.AsMap(),
	}
	if validation.Samples() > 0 {
		req.Validation = validation
	}

	var final service.Run
	if interactive {
		final, err = trainWithPanel(ctx, mgr, req)
	} else {
		final, err = trainPlainText(ctx, mgr, req, out)
	}
	if err != nil {
		return err
	}

	logger.Debug("run stats", "stats", stats.Snapshot())
	return reportRun(out, final)
}

func newArtifactStore(ctx context.Context) (artifact.Store, error) {
	local := artifact.LocalStore{Dir: cfg.WeightsDir}
	if !cfg.MirrorEnabled() {
		return local, nil
	}
	mirror, err := artifact.NewS3Mirror(ctx, local, cfg.S3Bucket, cfg.S3Prefix, logger)
	if err != nil {
		return nil, fmt.Errorf("init weights mirror: %w", err)
	}
	return mirror, nil
}

// trainPlainText prints every log line as it arrives and waits for the run.
func trainPlainText(ctx context.Context, mgr *service.RunManager, req service.StartRequest, out io.Writer) (service.Run, error) {
	hooks := service.Hooks{
		OnLog: func(line training.LogLine) {
			fmt.Fprintln(out, line.Text)
		},
	}
	run, err := mgr.Start(ctx, req, hooks)
	if err != nil {
		fmt.Fprintln(out, "Treinamento não foi iniciado ou concluído")
		return service.Run{}, err
	}
	// training is never cancelled, so wait without the caller's deadline
	return run.Wait(context.WithoutCancel(ctx))
}

// reportRun prints the outcome the way the operator expects it after the
// progress output.
func reportRun(out io.Writer, run service.Run) error {
	if run.Status != service.RunStatusCompleted {
		fmt.Fprintln(out, "Treinamento não foi iniciado ou concluído")
		if run.Error == "" {
			return errors.New("training failed")
		}
		return fmt.Errorf("training failed: %s", run.Error)
	}

	fmt.Fprintln(out, "Treinamento concluído. Salvando pesos:")
	if run.SaveError != "" {
		return fmt.Errorf("save weights: %s", run.SaveError)
	}
	fmt.Fprintf(out, "Pesos de treinamento salvos como %s\n", run.WeightsPath)
	return nil
}

// formatClasses renders class indices in label order, e.g. "dor=0, sem_dor=1".
func formatClasses(classes map[string]int) string {
	names := slices.SortedFunc(maps.Keys(classes), func(a, b string) int {
		return classes[a] - classes[b]
	})
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, classes[name])
	}
	return strings.Join(parts, ", ")
}
