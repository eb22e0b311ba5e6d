package training

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raphaelgruber/trainwatch/internal/events"
	"github.com/sourcegraph/conc/panics"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobIdle      JobState = "idle"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is one training run: a model, its data, an epoch budget and a run id.
// A Job runs at most once.
type Job struct {
	model      Model
	train      DataSource
	validation DataSource
	epochs     int
	runID      string

	mu    sync.Mutex
	state JobState
}

// NewJob validates the parameters and returns an idle job. validation may be nil.
func NewJob(model Model, train, validation DataSource, epochs int, runID string) (*Job, error) {
	switch {
	case model == nil:
		return nil, fmt.Errorf("%w: model is required", ErrInvalidJob)
	case train == nil:
		return nil, fmt.Errorf("%w: training data is required", ErrInvalidJob)
	case epochs < 1:
		return nil, fmt.Errorf("%w: epochs must be positive, got %d", ErrInvalidJob, epochs)
	case runID == "":
		return nil, fmt.Errorf("%w: run identifier is required", ErrInvalidJob)
	}
	return &Job{
		model:      model,
		train:      train,
		validation: validation,
		epochs:     epochs,
		runID:      runID,
		state:      JobIdle,
	}, nil
}

// RunID returns the run identifier.
func (j *Job) RunID() string { return j.runID }

// Epochs returns the epoch budget.
func (j *Job) Epochs() int { return j.epochs }

// Model returns the model handle. It must not be touched while the job runs.
func (j *Job) Model() Model { return j.model }

// State returns the current lifecycle state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Run trains the model synchronously. Progress lines go to ch, parsed
// metrics to sink (may be nil), and epoch events to logPath/events.jsonl.
// A panic inside the model is returned as an error.
func (j *Job) Run(ctx context.Context, logPath string, ch *LogChannel, sink func(EpochMetrics)) (err error) {
	j.mu.Lock()
	if j.state != JobIdle {
		j.mu.Unlock()
		return ErrJobConsumed
	}
	j.state = JobRunning
	j.mu.Unlock()

	defer func() {
		j.mu.Lock()
		if err != nil {
			j.state = JobFailed
		} else {
			j.state = JobCompleted
		}
		j.mu.Unlock()
	}()

	return j.fit(ctx, logPath, ch, sink)
}

func (j *Job) fit(ctx context.Context, logPath string, ch *LogChannel, sink func(EpochMetrics)) (err error) {
	w, err := events.Create(logPath, j.runID, j.epochs)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, w.End(err), w.Close())
	}()
	if err := w.Start(); err != nil {
		return err
	}

	// the progress line goes out before the event file is touched
	callbacks := []Callback{
		NewProgressEmitter(j.epochs, ch.Emit, sink),
		eventCallback{w: w},
	}
	var pc panics.Catcher
	pc.Try(func() {
		_, err = j.model.Fit(ctx, j.train, j.epochs, j.validation, callbacks)
	})
	if r := pc.Recovered(); r != nil {
		err = panicError(r)
	}
	return err
}

// eventCallback records each epoch in the run's event file.
type eventCallback struct {
	w *events.Writer
}

func (c eventCallback) OnEpochEnd(epoch int, logs map[string]float64) error {
	m := MetricsFromLogs(epoch, logs)
	return c.w.Epoch(epoch, events.Metrics{
		Loss:        m.Loss,
		Accuracy:    m.Accuracy,
		ValLoss:     m.ValLoss,
		ValAccuracy: m.ValAccuracy,
	})
}
