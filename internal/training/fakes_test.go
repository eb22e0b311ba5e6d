package training_test

import (
	"context"
	"sync"

	"github.com/raphaelgruber/trainwatch/internal/training"
)

// fakeSource is a DataSource with no real batches.
type fakeSource struct {
	classes map[string]int
}

func (s fakeSource) Len() int { return 1 }

func (s fakeSource) Batch(int) (training.Batch, error) {
	return training.Batch{}, nil
}

func (s fakeSource) ClassIndices() map[string]int { return s.classes }

// fakeModel replays a fixed metrics sequence through the callbacks.
type fakeModel struct {
	metrics []map[string]float64
	err     error         // returned before the first epoch when set
	panic   any           // raised before the first epoch when set
	block   chan struct{} // Fit waits on it when set

	mu       sync.Mutex
	fitCalls int
	saves    []string
}

func (m *fakeModel) Compile(string, string, []string) error { return nil }

func (m *fakeModel) Fit(ctx context.Context, _ training.DataSource, epochs int, _ training.DataSource, callbacks []training.Callback) (*training.History, error) {
	m.mu.Lock()
	m.fitCalls++
	m.mu.Unlock()

	if m.block != nil {
		<-m.block
	}
	if m.panic != nil {
		panic(m.panic)
	}
	if m.err != nil {
		return nil, m.err
	}

	h := &training.History{}
	for epoch := 0; epoch < epochs; epoch++ {
		var logs map[string]float64
		if epoch < len(m.metrics) {
			logs = m.metrics[epoch]
		}
		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(epoch, logs); err != nil {
				return h, err
			}
		}
		h.Epochs = append(h.Epochs, logs)
	}
	return h, nil
}

func (m *fakeModel) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves = append(m.saves, path)
	return nil
}

func (m *fakeModel) SaveWeights(path string) error { return m.Save(path) }

func (m *fakeModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fitCalls
}

// observed is one event seen by a recorder, in arrival order.
type observed struct {
	kind     string // "log", "progress" or "terminal"
	line     string
	metrics  training.EpochMetrics
	terminal training.TerminalResult
}

// recorder subscribes to every runner stream and keeps a single ordered log.
type recorder struct {
	mu     sync.Mutex
	events []observed
}

func newRecorder(r *training.Runner) *recorder {
	rec := &recorder{}
	r.SubscribeLog(func(l training.LogLine) { rec.add(observed{kind: "log", line: l.Text}) })
	r.SubscribeProgress(func(m training.EpochMetrics) { rec.add(observed{kind: "progress", metrics: m}) })
	r.SubscribeTerminal(func(t training.TerminalResult) { rec.add(observed{kind: "terminal", terminal: t}) })
	return rec
}

func (r *recorder) add(o observed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, o)
}

func (r *recorder) all() []observed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observed(nil), r.events...)
}

func (r *recorder) lines() []string {
	var out []string
	for _, e := range r.all() {
		if e.kind == "log" {
			out = append(out, e.line)
		}
	}
	return out
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, e := range r.all() {
		if e.kind == kind {
			n++
		}
	}
	return n
}
