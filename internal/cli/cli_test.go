package cli

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/trainwatch/internal/board"
	"github.com/raphaelgruber/trainwatch/internal/config"
	"github.com/raphaelgruber/trainwatch/internal/events"
	"github.com/raphaelgruber/trainwatch/internal/service"
)

func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg = config.Config{
		LogRoot:    filepath.Join(dir, "logs", "fit"),
		WeightsDir: filepath.Join(dir, "weights"),
	}
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return dir
}

func writeImage(t *testing.T, path string, c color.Color) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// writeDataset creates two separable classes with four images each.
func writeDataset(t *testing.T, root string) {
	t.Helper()
	classes := map[string]color.Color{
		"dor":     color.RGBA{R: 240, A: 255},
		"sem_dor": color.RGBA{B: 240, A: 255},
	}
	for name, c := range classes {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := range 4 {
			writeImage(t, filepath.Join(dir, string(rune('a'+i))+".png"), c)
		}
	}
}

func TestExecuteTrain_PlainSuccess(t *testing.T) {
	dir := setupCLI(t)
	data := filepath.Join(dir, "olhos")
	writeDataset(t, data)

	params := config.RunParams{
		Dataset:         data,
		Name:            "eyes",
		Epochs:          2,
		InputSize:       4,
		BatchSize:       2,
		ValidationSplit: 0.25,
	}

	var out bytes.Buffer
	require.NoError(t, executeTrain(context.Background(), &out, params, false))

	text := out.String()
	assert.Contains(t, text, "Input Size escolhido: 4\n")
	assert.Contains(t, text, "Found 6 images belonging to 2 classes.\n")
	assert.Contains(t, text, "Found 2 images belonging to 2 classes.\n")
	assert.Contains(t, text, "Quantidade de classes encontradas: 2\n")
	assert.Contains(t, text, "Classes identificadas: dor=0, sem_dor=1\n")
	assert.Contains(t, text, "Rede compilada com sucesso!\n")
	assert.Contains(t, text, "Iniciando treinamento...\n")
	assert.Contains(t, text, "Época 2/2 - loss: ")
	assert.Contains(t, text, "Treinamento finalizado com sucesso!\n")
	assert.Contains(t, text, "Pesos de treinamento salvos como ")

	// progress lines come before the success line
	assert.Less(t, strings.Index(text, "Época 1/2"), strings.Index(text, "Época 2/2"))
	assert.Less(t, strings.Index(text, "Época 2/2"), strings.Index(text, "Treinamento finalizado"))

	assert.FileExists(t, filepath.Join(cfg.WeightsDir, "eyes_weights.json"))

	runs, err := board.ScanRuns(cfg.LogRoot)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "eyes_run_1", runs[0].Name)
	assert.Equal(t, board.StatusCompleted, runs[0].Status)
	assert.Equal(t, 2, runs[0].Epoch)
}

func TestExecuteTrain_EmptyDataset(t *testing.T) {
	dir := setupCLI(t)
	data := filepath.Join(dir, "vazio")
	require.NoError(t, os.MkdirAll(data, 0o755))

	params := config.DefaultRunParams()
	params.Dataset = data
	params.Name = "eyes"

	var out bytes.Buffer
	err := executeTrain(context.Background(), &out, params, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty directory")
	assert.Contains(t, out.String(), "Treinamento não foi iniciado ou concluído")
	assert.NoFileExists(t, filepath.Join(cfg.WeightsDir, "eyes_weights.json"))
}

func TestReportRun(t *testing.T) {
	var out bytes.Buffer
	err := reportRun(&out, service.Run{Status: service.RunStatusCompleted, WeightsPath: "eyes_weights.json"})
	require.NoError(t, err)
	assert.Equal(t, "Treinamento concluído. Salvando pesos:\nPesos de treinamento salvos como eyes_weights.json\n", out.String())

	out.Reset()
	err = reportRun(&out, service.Run{Status: service.RunStatusCompleted, SaveError: "disk full"})
	assert.EqualError(t, err, "save weights: disk full")

	out.Reset()
	err = reportRun(&out, service.Run{Status: service.RunStatusFailed, Error: "epoch 1: diverged"})
	assert.EqualError(t, err, "training failed: epoch 1: diverged")
	assert.Equal(t, "Treinamento não foi iniciado ou concluído\n", out.String())
}

func TestFormatClasses(t *testing.T) {
	assert.Equal(t, "sem_dor=0, dor=1, talvez=2", formatClasses(map[string]int{"dor": 1, "talvez": 2, "sem_dor": 0}))
	assert.Empty(t, formatClasses(nil))
}

func TestResolveParams_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataset: ./olhos\nname: eyes\nepochs: 5\nbatch_size: 16\n"), 0o644))

	t.Cleanup(func() { trainParamsFile, trainName = "", "" })
	trainParamsFile = path
	require.NoError(t, trainCmd.Flags().Set("epochs", "7"))
	t.Cleanup(func() { trainCmd.Flags().Lookup("epochs").Changed = false; trainEpochs = 10 })

	params, err := resolveParams(trainCmd, []string{"./outros"})
	require.NoError(t, err)
	assert.Equal(t, "./outros", params.Dataset)
	assert.Equal(t, "eyes", params.Name)
	assert.Equal(t, 7, params.Epochs)
	assert.Equal(t, 16, params.BatchSize)
	assert.Equal(t, 128, params.InputSize)
}

func TestResolveParams_MissingName(t *testing.T) {
	_, err := resolveParams(trainCmd, []string{"./olhos"})
	assert.ErrorIs(t, err, config.ErrInvalidParams)
}

func TestDescribeEvent(t *testing.T) {
	ok, failed := true, false

	line, err := describeEvent(events.Event{Kind: events.KindStart})
	require.NoError(t, err)
	assert.Equal(t, "Iniciando treinamento...", line)

	line, err = describeEvent(events.Event{Kind: events.KindEpoch, Epoch: 1, TotalEpochs: 3, Metrics: &events.Metrics{Loss: 0.5, Accuracy: 0.75}})
	require.NoError(t, err)
	assert.Equal(t, "Época 2/3 - loss: 0.5000 - acc: 0.7500 - val_loss: 0.0000 - val_acc: 0.0000", line)

	line, err = describeEvent(events.Event{Kind: events.KindEnd, Success: &ok})
	require.NoError(t, err)
	assert.Equal(t, "Treinamento finalizado com sucesso!", line)

	line, err = describeEvent(events.Event{Kind: events.KindEnd, Run: "eyes", Success: &failed, Error: "boom"})
	assert.Equal(t, "Erro durante o treinamento: boom", line)
	assert.EqualError(t, err, "run eyes failed: boom")
}

func TestListRunDirs(t *testing.T) {
	root := t.TempDir()
	w, err := events.Create(filepath.Join(root, "eyes_run_1"), "eyes", 2)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Start())
	require.NoError(t, w.Epoch(0, events.Metrics{Loss: 0.5, Accuracy: 0.6}))
	require.NoError(t, w.End(errors.New("boom")))

	var out bytes.Buffer
	require.NoError(t, listRunDirs(&out, root))
	assert.Contains(t, out.String(), "eyes_run_1")
	assert.Contains(t, out.String(), "failed")
	assert.Contains(t, out.String(), "1/2")

	runsStatus = "completed"
	t.Cleanup(func() { runsStatus = "" })
	out.Reset()
	require.NoError(t, listRunDirs(&out, root))
	assert.Contains(t, out.String(), "No runs found")
}
