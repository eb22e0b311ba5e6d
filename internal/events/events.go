// Package events reads and writes the per-run event files consumed by the board.
//
// Each training run owns a directory under the log root. The running job
// appends one JSON object per line to events.jsonl in that directory; the
// board server tails the same file to render live progress.
package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the event file created inside every run directory.
const FileName = "events.jsonl"

// Kind identifies the type of a run event.
type Kind string

const (
	KindStart Kind = "start"
	KindEpoch Kind = "epoch"
	KindEnd   Kind = "end"
)

// Metrics holds the scalar values recorded at the end of an epoch.
type Metrics struct {
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
}

// MarshalJSON writes NaN and infinite values as null, which encoding/json
// would otherwise reject. null decodes back as 0.
func (m Metrics) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Loss        *float64 `json:"loss"`
		Accuracy    *float64 `json:"accuracy"`
		ValLoss     *float64 `json:"val_loss"`
		ValAccuracy *float64 `json:"val_accuracy"`
	}{finite(m.Loss), finite(m.Accuracy), finite(m.ValLoss), finite(m.ValAccuracy)})
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Event is a single line of an event file.
type Event struct {
	Kind        Kind      `json:"kind"`
	Run         string    `json:"run"`
	Epoch       int       `json:"epoch"` // 0-based, only meaningful for KindEpoch
	TotalEpochs int       `json:"total_epochs"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
	Success     *bool     `json:"success,omitempty"`
	Error       string    `json:"error,omitempty"`
	WallTime    time.Time `json:"wall_time"`
}

// Writer appends events to a run's event file. Safe for concurrent use.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	enc   *json.Encoder
	run   string
	total int
}

// Create creates dir (and parents) and opens its event file for appending.
func Create(dir, run string, totalEpochs int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &Writer{file: f, enc: json.NewEncoder(f), run: run, total: totalEpochs}, nil
}

// Start records the beginning of the run.
func (w *Writer) Start() error {
	return w.write(Event{Kind: KindStart})
}

// Epoch records the metrics of a completed epoch.
func (w *Writer) Epoch(epoch int, m Metrics) error {
	return w.write(Event{Kind: KindEpoch, Epoch: epoch, Metrics: &m})
}

// End records the outcome of the run. runErr may be nil.
func (w *Writer) End(runErr error) error {
	success := runErr == nil
	e := Event{Kind: KindEnd, Success: &success}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	return w.write(e)
}

func (w *Writer) write(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	e.Run = w.run
	e.TotalEpochs = w.total
	if e.WallTime.IsZero() {
		e.WallTime = time.Now().UTC()
	}
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("write %s event: %w", e.Kind, err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Read returns all events stored in dir.
func Read(dir string) ([]Event, error) {
	evs, _, err := ReadFrom(filepath.Join(dir, FileName), 0)
	return evs, err
}

// ReadFrom decodes complete lines starting at offset and returns the offset
// just past the last complete line. A trailing partial line is left for the
// next call, so a reader can follow a file that is still being written.
func ReadFrom(path string, offset int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, fmt.Errorf("open event file: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek event file: %w", err)
	}

	var evs []Event
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// partial line, not yet flushed by the writer
			return evs, offset, nil
		}
		if err != nil {
			return evs, offset, fmt.Errorf("read event file: %w", err)
		}
		offset += int64(len(line))

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return evs, offset, fmt.Errorf("decode event: %w", err)
		}
		evs = append(evs, e)
	}
}
