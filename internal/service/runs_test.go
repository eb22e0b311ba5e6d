package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/trainwatch/internal/artifact"
	"github.com/raphaelgruber/trainwatch/internal/db"
	"github.com/raphaelgruber/trainwatch/internal/metrics"
	"github.com/raphaelgruber/trainwatch/internal/models"
	"github.com/raphaelgruber/trainwatch/internal/service"
	"github.com/raphaelgruber/trainwatch/internal/training"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct{}

func (stubSource) Len() int { return 1 }

func (stubSource) Batch(int) (training.Batch, error) { return training.Batch{}, nil }

func (stubSource) ClassIndices() map[string]int { return map[string]int{"dor": 0, "sem_dor": 1} }

type stubModel struct {
	err   error
	block chan struct{}
}

func (m *stubModel) Compile(string, string, []string) error { return nil }

func (m *stubModel) Fit(_ context.Context, _ training.DataSource, epochs int, _ training.DataSource, cbs []training.Callback) (*training.History, error) {
	if m.block != nil {
		<-m.block
	}
	if m.err != nil {
		return nil, m.err
	}
	for e := 0; e < epochs; e++ {
		logs := map[string]float64{"loss": 1 / float64(e+1), "accuracy": 0.5}
		for _, cb := range cbs {
			if err := cb.OnEpochEnd(e, logs); err != nil {
				return nil, err
			}
		}
	}
	return &training.History{}, nil
}

func (m *stubModel) Save(string) error { return nil }

func (m *stubModel) SaveWeights(string) error { return nil }

type stubStore struct {
	mu    sync.Mutex
	saved []string
	err   error
}

func (s *stubStore) SaveWeights(_ context.Context, run string, _ artifact.WeightsSaver) (artifact.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, run)
	if s.err != nil {
		return artifact.Location{}, s.err
	}
	return artifact.Location{Path: run + "_weights.json"}, nil
}

func (s *stubStore) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saved...)
}

type fakeHistory struct {
	mu         sync.Mutex
	calls      []string
	outcomes   map[string]db.RunOutcome
	incomplete []models.TrainingRun
	err        error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{outcomes: map[string]db.RunOutcome{}}
}

func (h *fakeHistory) record(call string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
	return h.err
}

func (h *fakeHistory) CreateRun(_ context.Context, _, _ string, _ int, _ map[string]any) error {
	return h.record("create")
}

func (h *fakeHistory) UpdateRunStatus(_ context.Context, _, status string) error {
	return h.record("status:" + status)
}

func (h *fakeHistory) UpdateRunProgress(context.Context, string, int, map[string]float64) error {
	return h.record("progress")
}

func (h *fakeHistory) CompleteRun(_ context.Context, id string, out db.RunOutcome) error {
	h.mu.Lock()
	h.outcomes[id] = out
	h.mu.Unlock()
	return h.record("complete")
}

func (h *fakeHistory) FailRun(_ context.Context, id string, out db.RunOutcome) error {
	h.mu.Lock()
	h.outcomes[id] = out
	h.mu.Unlock()
	return h.record("fail")
}

func (h *fakeHistory) GetIncompleteRuns(context.Context) ([]models.TrainingRun, error) {
	return h.incomplete, nil
}

func (h *fakeHistory) snapshot() ([]string, map[string]db.RunOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]db.RunOutcome, len(h.outcomes))
	for k, v := range h.outcomes {
		out[k] = v
	}
	return append([]string(nil), h.calls...), out
}

func waitRun(t *testing.T, run *service.Run) service.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := run.Wait(ctx)
	require.NoError(t, err, "run did not finish in time")
	return snap
}

func newManager(t *testing.T, store artifact.Store, history service.History, stats *metrics.Collector) (*service.RunManager, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "logs", "fit")
	return service.NewRunManager(
		service.WithArtifacts(store),
		service.WithHistory(history),
		service.WithLogRoot(root),
		service.WithStats(stats),
	), root
}

func TestRunManager_SuccessSavesWeights(t *testing.T) {
	store := &stubStore{}
	history := newFakeHistory()
	stats := metrics.NewCollector()
	m, root := newManager(t, store, history, stats)

	var mu sync.Mutex
	var order []string
	hooks := service.Hooks{
		OnLog:      func(l training.LogLine) { mu.Lock(); order = append(order, "log"); mu.Unlock() },
		OnProgress: func(training.EpochMetrics) { mu.Lock(); order = append(order, "progress"); mu.Unlock() },
		OnFinish:   func(service.Run) { mu.Lock(); order = append(order, "finish"); mu.Unlock() },
	}

	run, err := m.Start(context.Background(), service.StartRequest{
		Name: "eyes", Model: &stubModel{}, Train: stubSource{}, Validation: stubSource{}, Epochs: 3,
		Params: map[string]any{"batch_size": 32},
	}, hooks)
	require.NoError(t, err)
	assert.Len(t, run.ID, 8)

	snap := waitRun(t, run)
	assert.Equal(t, service.RunStatusCompleted, snap.Status)
	assert.Equal(t, 3, snap.Epoch)
	assert.InDelta(t, 1.0/3, snap.Metrics.Loss, 1e-9)
	assert.Equal(t, "eyes_weights.json", snap.WeightsPath)
	assert.Equal(t, filepath.Join(root, "eyes_run_1"), snap.LogPath)
	assert.Empty(t, snap.SaveError)
	assert.NotNil(t, snap.CompletedAt)
	assert.Equal(t, []string{"eyes"}, store.calls())

	mu.Lock()
	assert.Equal(t, "finish", order[len(order)-1])
	mu.Unlock()

	calls, outcomes := history.snapshot()
	assert.Equal(t, "create", calls[0])
	assert.Equal(t, "status:running", calls[1])
	assert.Equal(t, "complete", calls[len(calls)-1])
	assert.Contains(t, calls, "progress")
	assert.Equal(t, "eyes_weights.json", outcomes[run.ID].WeightsPath)

	s := stats.Snapshot()
	require.NotNil(t, s.Run)
	assert.Equal(t, int64(1), s.Run.Count)
	require.NotNil(t, s.Epoch)
	assert.Equal(t, int64(3), s.Epoch.Count)
	require.NotNil(t, s.SaveWeights)
}

func TestRunManager_FailureSkipsSave(t *testing.T) {
	store := &stubStore{}
	history := newFakeHistory()
	m, _ := newManager(t, store, history, nil)

	var finished service.Run
	run, err := m.Start(context.Background(), service.StartRequest{
		Name: "eyes", Model: &stubModel{err: errors.New("empty directory")}, Train: stubSource{}, Epochs: 2,
	}, service.Hooks{OnFinish: func(r service.Run) { finished = r }})
	require.NoError(t, err)

	snap := waitRun(t, run)
	assert.Equal(t, service.RunStatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "empty directory")
	assert.Equal(t, snap.Status, finished.Status)
	assert.Empty(t, store.calls(), "no weights after a failed run")

	calls, outcomes := history.snapshot()
	assert.Equal(t, "fail", calls[len(calls)-1])
	assert.Contains(t, outcomes[run.ID].Error, "empty directory")
}

func TestRunManager_SaveErrorKeepsSuccess(t *testing.T) {
	store := &stubStore{err: errors.New("disk full")}
	m, _ := newManager(t, store, nil, nil)

	var saveErr error
	run, err := m.Start(context.Background(), service.StartRequest{
		Name: "eyes", Model: &stubModel{}, Train: stubSource{}, Epochs: 1,
	}, service.Hooks{OnSaveError: func(err error) { saveErr = err }})
	require.NoError(t, err)

	snap := waitRun(t, run)
	assert.Equal(t, service.RunStatusCompleted, snap.Status)
	assert.Contains(t, snap.SaveError, "disk full")
	assert.Empty(t, snap.Error)
	assert.EqualError(t, saveErr, "disk full")
}

func TestRunManager_ModelBusy(t *testing.T) {
	m, _ := newManager(t, &stubStore{}, nil, nil)
	model := &stubModel{block: make(chan struct{})}
	req := service.StartRequest{Name: "eyes", Model: model, Train: stubSource{}, Epochs: 1}

	first, err := m.Start(context.Background(), req, service.Hooks{})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), req, service.Hooks{})
	assert.ErrorIs(t, err, service.ErrModelBusy)

	other, err := m.Start(context.Background(), service.StartRequest{
		Name: "other", Model: &stubModel{}, Train: stubSource{}, Epochs: 1,
	}, service.Hooks{})
	require.NoError(t, err, "a different model may train concurrently")
	waitRun(t, other)

	close(model.block)
	waitRun(t, first)

	model.block = nil
	again, err := m.Start(context.Background(), req, service.Hooks{})
	require.NoError(t, err, "model is free once its run finished")
	assert.Equal(t, service.RunStatusCompleted, waitRun(t, again).Status)

	runs := m.ListRuns()
	require.Len(t, runs, 3)
	assert.Equal(t, again.ID, runs[0].ID)
	assert.Same(t, first, m.GetRun(first.ID))
}

func TestRunManager_InvalidRequest(t *testing.T) {
	m, _ := newManager(t, &stubStore{}, nil, nil)

	_, err := m.Start(context.Background(), service.StartRequest{Name: "eyes", Train: stubSource{}, Epochs: 1}, service.Hooks{})
	assert.ErrorIs(t, err, training.ErrInvalidJob)

	_, err = m.Start(context.Background(), service.StartRequest{Name: "eyes", Model: &stubModel{}, Train: stubSource{}}, service.Hooks{})
	assert.ErrorIs(t, err, training.ErrInvalidJob)
	assert.Empty(t, m.ListRuns())
}

func TestRunManager_HistoryErrorsDoNotFailRun(t *testing.T) {
	history := newFakeHistory()
	history.err = errors.New("connection refused")
	m, _ := newManager(t, &stubStore{}, history, nil)

	run, err := m.Start(context.Background(), service.StartRequest{
		Name: "eyes", Model: &stubModel{}, Train: stubSource{}, Epochs: 2,
	}, service.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, service.RunStatusCompleted, waitRun(t, run).Status)
}

func TestRunManager_MarkInterrupted(t *testing.T) {
	history := newFakeHistory()
	logPath := "logs/fit/old_run_1"
	history.incomplete = []models.TrainingRun{
		{ID: surrealmodels.RecordID{Table: "training_run", ID: "old1"}, Epoch: 2, LogPath: &logPath},
		{ID: surrealmodels.RecordID{Table: "training_run", ID: "old2"}},
		{ID: surrealmodels.RecordID{Table: "training_run", ID: 7}},
	}
	m, _ := newManager(t, &stubStore{}, history, nil)

	n, err := m.MarkInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, outcomes := history.snapshot()
	assert.Contains(t, outcomes["old1"].Error, "interrupted")
	assert.Equal(t, logPath, outcomes["old1"].LogPath)
	assert.Equal(t, 2, outcomes["old1"].Epoch)

	n, err = service.NewRunManager().MarkInterrupted(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
