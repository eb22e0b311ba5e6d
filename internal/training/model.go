package training

import "context"

// Metric keys reported by a model at the end of every epoch.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "accuracy"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_accuracy"
)

// Batch is one (inputs, labels) pair produced by a DataSource.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// DataSource is an indexable sequence of batches.
type DataSource interface {
	// Len returns the number of batches.
	Len() int
	// Batch loads batch i. Errors abort the epoch.
	Batch(i int) (Batch, error)
	// ClassIndices maps class name to label index. Available before training.
	ClassIndices() map[string]int
}

// Callback observes a Fit call. A returned error aborts training.
type Callback interface {
	OnEpochEnd(epoch int, logs map[string]float64) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(epoch int, logs map[string]float64) error

func (f CallbackFunc) OnEpochEnd(epoch int, logs map[string]float64) error {
	return f(epoch, logs)
}

// History collects the logs passed to callbacks, one entry per epoch.
type History struct {
	Epochs []map[string]float64
}

// Last returns the logs of the final epoch, or nil.
func (h *History) Last() map[string]float64 {
	if h == nil || len(h.Epochs) == 0 {
		return nil
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Model is the trainable network handle. It is treated as opaque beyond
// these calls and is mutated in place by Fit.
type Model interface {
	Compile(optimizer, loss string, metrics []string) error
	Fit(ctx context.Context, train DataSource, epochs int, validation DataSource, callbacks []Callback) (*History, error)
	Save(path string) error
	SaveWeights(path string) error
}
