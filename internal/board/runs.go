// Package board serves training runs recorded under a log root: a JSON API,
// a websocket tail of live events and Prometheus gauges.
package board

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/raphaelgruber/trainwatch/internal/events"
)

// Run statuses derived from an event file.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCorrupt   = "corrupt"
)

// ErrUnknownRun indicates there is no run directory with the given name.
var ErrUnknownRun = errors.New("unknown run")

// RunSummary is the latest known state of one run directory.
type RunSummary struct {
	Name        string          `json:"name"` // directory name, e.g. eyes_run_1
	Run         string          `json:"run"`  // run identifier recorded in the events
	Status      string          `json:"status"`
	Epoch       int             `json:"epoch"` // completed epochs
	TotalEpochs int             `json:"total_epochs"`
	Metrics     *events.Metrics `json:"metrics,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Summarize folds a run's events into its latest state.
func Summarize(name string, evs []events.Event) RunSummary {
	s := RunSummary{Name: name, Status: StatusRunning}
	for _, e := range evs {
		s.Run = e.Run
		s.TotalEpochs = e.TotalEpochs
		s.UpdatedAt = e.WallTime
		switch e.Kind {
		case events.KindEpoch:
			s.Epoch = e.Epoch + 1
			s.Metrics = e.Metrics
		case events.KindEnd:
			if e.Success != nil && *e.Success {
				s.Status = StatusCompleted
			} else {
				s.Status = StatusFailed
				s.Error = e.Error
			}
		}
	}
	return s
}

// ScanRuns summarizes every run directory under root, most recently updated
// first. Directories without an event file are skipped; a missing root
// yields no runs.
func ScanRuns(root string) ([]RunSummary, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return []RunSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read log root: %w", err)
	}

	runs := make([]RunSummary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		evs, err := events.Read(filepath.Join(root, e.Name()))
		if err != nil {
			runs = append(runs, RunSummary{Name: e.Name(), Status: StatusCorrupt, Error: err.Error()})
			continue
		}
		if len(evs) == 0 {
			continue
		}
		runs = append(runs, Summarize(e.Name(), evs))
	}

	slices.SortFunc(runs, func(a, b RunSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return runs, nil
}

// runDir resolves a run name to its directory under root.
func runDir(root, name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, name)
	}
	dir := filepath.Join(root, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRun, name)
	}
	return dir, nil
}
