package training

import (
	"errors"
	"fmt"

	"github.com/sourcegraph/conc/panics"
)

// Configuration errors. These are returned synchronously and never start a
// background goroutine.
var (
	// ErrInvalidJob indicates a job is missing required parameters.
	ErrInvalidJob = errors.New("invalid training job")

	// ErrNoJob indicates Start was called before Configure.
	ErrNoJob = errors.New("no training job configured")

	// ErrAlreadyConfigured indicates Configure was called twice on one runner.
	ErrAlreadyConfigured = errors.New("runner already has a job")

	// ErrAlreadyRunning indicates Start was called while the job is running.
	ErrAlreadyRunning = errors.New("training job already running")

	// ErrRunnerSpent indicates Start was called after the runner finished.
	// Runners are single-use.
	ErrRunnerSpent = errors.New("runner already finished")

	// ErrNotStarted indicates Wait was called on a runner that was never
	// successfully started.
	ErrNotStarted = errors.New("runner not started")

	// ErrJobConsumed indicates a job was run a second time.
	ErrJobConsumed = errors.New("training job already consumed")
)

// panicError converts a recovered panic into a single-line error suitable
// for the log panel.
func panicError(r *panics.Recovered) error {
	return fmt.Errorf("panic: %v", r.Value)
}
