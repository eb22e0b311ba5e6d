// Package service coordinates training runs: it starts runners, observes
// their events, persists history and saves weights after success.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/trainwatch/internal/artifact"
	"github.com/raphaelgruber/trainwatch/internal/db"
	"github.com/raphaelgruber/trainwatch/internal/metrics"
	"github.com/raphaelgruber/trainwatch/internal/models"
	"github.com/raphaelgruber/trainwatch/internal/training"
)

// ErrModelBusy indicates the model handle is already being trained.
var ErrModelBusy = errors.New("model is already training")

// errInterrupted marks history records left behind by a previous process.
var errInterrupted = errors.New("interrupted: process exited before the run finished")

// RunStatus represents the state of a training run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the observer-side record of one training run.
type Run struct {
	ID          string
	Name        string
	Status      RunStatus
	Epoch       int // completed epochs
	Epochs      int
	Metrics     training.EpochMetrics
	Params      map[string]any
	LogPath     string
	WeightsPath string
	Error       string
	SaveError   string
	StartedAt   time.Time
	CompletedAt *time.Time

	mu                 sync.RWMutex
	lastProgressUpdate time.Time // for debouncing DB writes
	lastEpochAt        time.Time
	done               chan struct{}
}

// Done is closed once the run has finished and all hooks have returned.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes or ctx is done, then returns a snapshot.
func (r *Run) Wait(ctx context.Context) (Run, error) {
	select {
	case <-r.done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Snapshot returns a thread-safe copy of run state.
func (r *Run) Snapshot() Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Run{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		Epoch:       r.Epoch,
		Epochs:      r.Epochs,
		Metrics:     r.Metrics,
		Params:      r.Params,
		LogPath:     r.LogPath,
		WeightsPath: r.WeightsPath,
		Error:       r.Error,
		SaveError:   r.SaveError,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

// History persists run records. *db.Client implements it.
type History interface {
	CreateRun(ctx context.Context, id, name string, epochs int, params map[string]any) error
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRunProgress(ctx context.Context, id string, epoch int, metrics map[string]float64) error
	CompleteRun(ctx context.Context, id string, out db.RunOutcome) error
	FailRun(ctx context.Context, id string, out db.RunOutcome) error
	GetIncompleteRuns(ctx context.Context) ([]models.TrainingRun, error)
}

var _ History = (*db.Client)(nil)

// StartRequest describes a run to start.
type StartRequest struct {
	Name       string
	Model      training.Model
	Train      training.DataSource
	Validation training.DataSource // may be nil
	Epochs     int
	Params     map[string]any // stored with the history record
}

// Hooks receive run events. All hooks of one run are called from a single
// goroutine, in order; OnFinish is always last. Any hook may be nil.
type Hooks struct {
	OnLog       func(training.LogLine)
	OnProgress  func(training.EpochMetrics)
	OnSaveError func(error)
	OnFinish    func(Run)
}

// RunManager starts and tracks training runs. At most one run may be active
// per model handle; model handles must be comparable, such as pointers.
type RunManager struct {
	runs   map[string]*Run
	active map[training.Model]string
	mu     sync.RWMutex

	history   History
	artifacts artifact.Store
	logRoot   string
	logger    *slog.Logger
	stats     *metrics.Collector
}

// ManagerOption configures a RunManager.
type ManagerOption func(*RunManager)

// WithHistory persists runs. A nil History disables persistence.
func WithHistory(h History) ManagerOption {
	return func(m *RunManager) { m.history = h }
}

// WithArtifacts sets where weights are saved after success.
func WithArtifacts(s artifact.Store) ManagerOption {
	return func(m *RunManager) { m.artifacts = s }
}

// WithLogRoot sets the directory that holds per-run log directories.
func WithLogRoot(root string) ManagerOption {
	return func(m *RunManager) { m.logRoot = root }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *RunManager) { m.logger = l }
}

// WithStats records timings in c.
func WithStats(c *metrics.Collector) ManagerOption {
	return func(m *RunManager) { m.stats = c }
}

// NewRunManager creates a run manager. Weights default to the working
// directory and logs to training.DefaultLogRoot.
func NewRunManager(opts ...ManagerOption) *RunManager {
	m := &RunManager{
		runs:      make(map[string]*Run),
		active:    make(map[training.Model]string),
		artifacts: artifact.LocalStore{Dir: "."},
		logRoot:   training.DefaultLogRoot,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates the request, starts a runner for it and returns at once.
// The returned Run is updated as events arrive.
func (m *RunManager) Start(ctx context.Context, req StartRequest, hooks Hooks) (*Run, error) {
	job, err := training.NewJob(req.Model, req.Train, req.Validation, req.Epochs, req.Name)
	if err != nil {
		return nil, err
	}

	run := &Run{
		ID:        uuid.New().String()[:8],
		Name:      req.Name,
		Status:    RunStatusPending,
		Epochs:    req.Epochs,
		Params:    req.Params,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if id, busy := m.active[req.Model]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: run %s has not finished", ErrModelBusy, id)
	}
	m.active[req.Model] = run.ID
	m.runs[run.ID] = run
	m.mu.Unlock()

	// observer work outlives the caller's context
	bg := context.WithoutCancel(ctx)

	if m.history != nil {
		if err := m.history.CreateRun(bg, run.ID, run.Name, run.Epochs, run.Params); err != nil {
			m.logger.Warn("failed to persist run", "run_id", run.ID, "error", err)
		}
	}

	runner := training.NewRunner(training.WithLogRoot(m.logRoot), training.WithLogger(m.logger))
	if err := runner.Configure(job); err != nil {
		m.abort(bg, run, req.Model, err)
		return nil, err
	}

	runner.SubscribeLog(func(line training.LogLine) {
		if hooks.OnLog != nil {
			hooks.OnLog(line)
		}
	})
	runner.SubscribeProgress(func(p training.EpochMetrics) {
		m.UpdateProgress(bg, run, p, runner.LogPath())
		if hooks.OnProgress != nil {
			hooks.OnProgress(p)
		}
	})
	runner.SubscribeTerminal(func(res training.TerminalResult) {
		m.finish(bg, run, req.Model, runner.LogPath(), res, hooks)
	})

	m.SetRunning(bg, run)
	if err := runner.Start(ctx); err != nil {
		m.abort(bg, run, req.Model, err)
		return nil, err
	}

	m.logger.Info("run started", "run_id", run.ID, "name", run.Name, "epochs", run.Epochs)
	return run, nil
}

// abort undoes a Start that failed before the runner took over.
func (m *RunManager) abort(ctx context.Context, run *Run, model training.Model, err error) {
	m.Fail(ctx, run, "", err)
	m.release(model)
	close(run.done)
}

func (m *RunManager) release(model training.Model) {
	m.mu.Lock()
	delete(m.active, model)
	m.mu.Unlock()
}

// finish reacts to the terminal result: weights are saved only after a
// successful run, and a save failure never changes the run's outcome.
func (m *RunManager) finish(ctx context.Context, run *Run, model training.Model, logPath string, res training.TerminalResult, hooks Hooks) {
	m.stats.Record(metrics.OpRun, time.Since(run.StartedAt), res.Err)

	if res.Success {
		start := time.Now()
		loc, err := m.artifacts.SaveWeights(ctx, run.Name, model)
		m.stats.Record(metrics.OpSaveWeights, time.Since(start), err)
		if err != nil {
			m.logger.Error("failed to save weights", "run_id", run.ID, "error", err)
			if hooks.OnSaveError != nil {
				hooks.OnSaveError(err)
			}
		}
		m.Complete(ctx, run, logPath, loc, err)
	} else {
		m.Fail(ctx, run, logPath, res.Err)
	}

	m.release(model)
	if hooks.OnFinish != nil {
		hooks.OnFinish(run.Snapshot())
	}
	close(run.done)
}

// GetRun retrieves a run by ID.
func (m *RunManager) GetRun(id string) *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runs[id]
}

// ListRuns returns all runs, most recent first.
func (m *RunManager) ListRuns() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, run)
	}
	slices.SortFunc(runs, func(a, b *Run) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return runs
}

// UpdateProgress records a completed epoch with debounced DB persistence.
func (m *RunManager) UpdateProgress(ctx context.Context, run *Run, p training.EpochMetrics, logPath string) {
	now := time.Now()

	run.mu.Lock()
	epochTime := now.Sub(run.lastEpochAt)
	run.lastEpochAt = now
	run.Epoch = p.Epoch + 1
	run.Metrics = p
	if logPath != "" {
		run.LogPath = logPath
	}
	if run.Status == RunStatusPending {
		run.Status = RunStatusRunning
	}

	// persist at most every 5 seconds, plus the first and last epoch
	shouldPersist := m.history != nil && (now.Sub(run.lastProgressUpdate) > 5*time.Second ||
		run.Epoch == 1 || run.Epoch == run.Epochs)
	if shouldPersist {
		run.lastProgressUpdate = now
	}
	epoch := run.Epoch
	run.mu.Unlock()

	m.stats.RecordTiming(metrics.OpEpoch, epochTime)

	if shouldPersist {
		if err := m.history.UpdateRunProgress(ctx, run.ID, epoch, metricsMap(p)); err != nil {
			m.logger.Warn("failed to persist run progress", "run_id", run.ID, "error", err)
		}
	}
}

// SetRunning marks the run as running.
func (m *RunManager) SetRunning(ctx context.Context, run *Run) {
	run.mu.Lock()
	run.Status = RunStatusRunning
	run.lastEpochAt = time.Now()
	run.mu.Unlock()

	if m.history != nil {
		if err := m.history.UpdateRunStatus(ctx, run.ID, string(RunStatusRunning)); err != nil {
			m.logger.Warn("failed to set run running", "run_id", run.ID, "error", err)
		}
	}
}

// Complete marks the run completed. saveErr, when set, is recorded without
// failing the run.
func (m *RunManager) Complete(ctx context.Context, run *Run, logPath string, loc artifact.Location, saveErr error) {
	run.mu.Lock()
	run.Status = RunStatusCompleted
	if logPath != "" {
		run.LogPath = logPath
	}
	run.WeightsPath = loc.String()
	if saveErr != nil {
		run.SaveError = saveErr.Error()
	}
	now := time.Now()
	run.CompletedAt = &now
	out := outcome(run)
	run.mu.Unlock()

	if m.history != nil {
		if err := m.history.CompleteRun(ctx, run.ID, out); err != nil {
			m.logger.Warn("failed to persist run completion", "run_id", run.ID, "error", err)
		}
	}

	m.logger.Info("run completed", "run_id", run.ID, "weights", out.WeightsPath, "save_error", out.SaveError)
}

// Fail marks the run failed with err.
func (m *RunManager) Fail(ctx context.Context, run *Run, logPath string, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}

	run.mu.Lock()
	run.Status = RunStatusFailed
	run.Error = err.Error()
	if logPath != "" {
		run.LogPath = logPath
	}
	now := time.Now()
	run.CompletedAt = &now
	out := outcome(run)
	run.mu.Unlock()

	if m.history != nil {
		if dbErr := m.history.FailRun(ctx, run.ID, out); dbErr != nil {
			m.logger.Warn("failed to persist run failure", "run_id", run.ID, "error", dbErr)
		}
	}

	m.logger.Error("run failed", "run_id", run.ID, "error", err)
}

// MarkInterrupted fails history records that a previous process left
// pending or running. Training cannot resume, so they are closed out.
// Returns the number of records updated.
func (m *RunManager) MarkInterrupted(ctx context.Context) (int, error) {
	if m.history == nil {
		return 0, nil
	}

	stale, err := m.history.GetIncompleteRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("get incomplete runs: %w", err)
	}

	marked := 0
	for _, rec := range stale {
		id, err := models.RecordIDString(rec.ID)
		if err != nil {
			m.logger.Warn("skipping run with unexpected id", "error", err)
			continue
		}
		if m.GetRun(id) != nil {
			continue // live in this process
		}

		out := db.RunOutcome{Epoch: rec.Epoch, Metrics: rec.Metrics, Error: errInterrupted.Error()}
		if rec.LogPath != nil {
			out.LogPath = *rec.LogPath
		}
		if err := m.history.FailRun(ctx, id, out); err != nil {
			m.logger.Warn("failed to mark run interrupted", "run_id", id, "error", err)
			continue
		}
		marked++
	}

	if marked > 0 {
		m.logger.Info("marked interrupted runs", "count", marked)
	}
	return marked, nil
}

// outcome builds the persisted outcome. Caller must hold run.mu.
func outcome(run *Run) db.RunOutcome {
	return db.RunOutcome{
		Epoch:       run.Epoch,
		Metrics:     metricsMap(run.Metrics),
		LogPath:     run.LogPath,
		WeightsPath: run.WeightsPath,
		Error:       run.Error,
		SaveError:   run.SaveError,
	}
}

func metricsMap(p training.EpochMetrics) map[string]float64 {
	return map[string]float64{
		training.MetricLoss:        p.Loss,
		training.MetricAccuracy:    p.Accuracy,
		training.MetricValLoss:     p.ValLoss,
		training.MetricValAccuracy: p.ValAccuracy,
	}
}
