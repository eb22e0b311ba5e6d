// Package model provides a softmax image classifier that satisfies
// training.Model.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/raphaelgruber/trainwatch/internal/training"
)

// Errors returned by the classifier.
var (
	ErrNotCompiled   = errors.New("model not compiled")
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrDiverged      = errors.New("loss is not finite")
	ErrUnsupported   = errors.New("unsupported setting")
	ErrEmptyData     = errors.New("no training batches")
)

// Settings accepted by Compile.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"

	LossCategoricalCrossentropy       = "categorical_crossentropy"
	LossSparseCategoricalCrossentropy = "sparse_categorical_crossentropy"

	MetricAccuracy = "accuracy"
)

// DefaultLearningRate is used by Build.
const DefaultLearningRate = 0.001

const saveFormat = "trainwatch.classifier/v1"

// Classifier is a single dense layer followed by softmax. Parameters are
// held in one flat slice: classes rows of inputs weights, then classes
// biases.
type Classifier struct {
	inputs  int
	classes int
	lr      float64

	params []float64
	grads  []float64

	opt      optimizer
	optName  string
	loss     string
	metrics  []string
	compiled bool
}

var _ training.Model = (*Classifier)(nil)

// New returns an uncompiled classifier for inputs features and classes outputs.
func New(inputs, classes int, learningRate float64) (*Classifier, error) {
	switch {
	case inputs < 1:
		return nil, fmt.Errorf("inputs must be positive, got %d", inputs)
	case classes < 2:
		return nil, fmt.Errorf("need at least 2 classes, got %d", classes)
	case learningRate <= 0:
		return nil, fmt.Errorf("learning rate must be positive, got %g", learningRate)
	}
	n := classes*inputs + classes
	return &Classifier{
		inputs:  inputs,
		classes: classes,
		lr:      learningRate,
		params:  make([]float64, n),
		grads:   make([]float64, n),
	}, nil
}

// Build creates and compiles a classifier with the default optimizer, loss
// and metrics for images of imageSize x imageSize RGB pixels.
func Build(imageSize, classes int) (*Classifier, error) {
	c, err := New(imageSize*imageSize*3, classes, DefaultLearningRate)
	if err != nil {
		return nil, err
	}
	if err := c.Compile(OptimizerAdam, LossCategoricalCrossentropy, []string{MetricAccuracy}); err != nil {
		return nil, err
	}
	return c, nil
}

// Inputs returns the expected feature vector length.
func (c *Classifier) Inputs() int { return c.inputs }

// Classes returns the number of output classes.
func (c *Classifier) Classes() int { return c.classes }

// String summarises the architecture in one line.
func (c *Classifier) String() string {
	return fmt.Sprintf("dense(%d -> %d) + softmax, %d parameters", c.inputs, c.classes, len(c.params))
}

// Compile selects the optimizer, loss and metrics. It resets optimizer state.
func (c *Classifier) Compile(optimizerName, loss string, metrics []string) error {
	name := strings.ToLower(optimizerName)
	var opt optimizer
	switch name {
	case OptimizerAdam:
		opt = newAdam(c.lr, len(c.params))
	case OptimizerSGD:
		opt = sgd{lr: c.lr}
	default:
		return fmt.Errorf("%w: optimizer %q", ErrUnsupported, optimizerName)
	}

	switch loss {
	case LossCategoricalCrossentropy, LossSparseCategoricalCrossentropy:
	default:
		return fmt.Errorf("%w: loss %q", ErrUnsupported, loss)
	}

	for _, m := range metrics {
		if m != MetricAccuracy {
			return fmt.Errorf("%w: metric %q", ErrUnsupported, m)
		}
	}

	c.opt = opt
	c.optName = name
	c.loss = loss
	c.metrics = slices.Clone(metrics)
	c.compiled = true
	return nil
}

// Fit trains for epochs passes over train. After each epoch the callbacks
// receive loss and accuracy, plus val_loss and val_accuracy when validation
// has batches. A callback error stops training.
func (c *Classifier) Fit(ctx context.Context, train training.DataSource, epochs int, validation training.DataSource, callbacks []training.Callback) (*training.History, error) {
	if !c.compiled {
		return nil, ErrNotCompiled
	}
	if train == nil || train.Len() == 0 {
		return nil, ErrEmptyData
	}

	history := &training.History{}
	for epoch := 0; epoch < epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return history, err
		}

		loss, acc, err := c.trainEpoch(train)
		if err != nil {
			return history, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return history, fmt.Errorf("epoch %d: %w", epoch+1, ErrDiverged)
		}

		logs := map[string]float64{training.MetricLoss: loss}
		if c.tracksAccuracy() {
			logs[training.MetricAccuracy] = acc
		}
		if validation != nil && validation.Len() > 0 {
			valLoss, valAcc, err := c.Evaluate(validation)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
			}
			logs[training.MetricValLoss] = valLoss
			if c.tracksAccuracy() {
				logs[training.MetricValAccuracy] = valAcc
			}
		}

		history.Epochs = append(history.Epochs, logs)
		for _, cb := range callbacks {
			if err := cb.OnEpochEnd(epoch, logs); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

func (c *Classifier) tracksAccuracy() bool {
	return slices.Contains(c.metrics, MetricAccuracy)
}

func (c *Classifier) trainEpoch(src training.DataSource) (loss, acc float64, err error) {
	var total float64
	var correct, seen int
	for i := 0; i < src.Len(); i++ {
		b, err := src.Batch(i)
		if err != nil {
			return 0, 0, err
		}
		if err := c.checkBatch(b); err != nil {
			return 0, 0, err
		}
		if len(b.Inputs) == 0 {
			continue
		}

		clear(c.grads)
		for j, x := range b.Inputs {
			l, hit := c.accumulate(x, b.Labels[j])
			total += l
			if hit {
				correct++
			}
		}
		floats.Scale(1/float64(len(b.Inputs)), c.grads)
		c.opt.step(c.params, c.grads)
		seen += len(b.Inputs)
	}
	if seen == 0 {
		return 0, 0, ErrEmptyData
	}
	return total / float64(seen), float64(correct) / float64(seen), nil
}

// accumulate adds the gradient of one sample to c.grads and returns its loss
// and whether the prediction was correct.
func (c *Classifier) accumulate(x []float64, label int) (float64, bool) {
	probs, loss := c.forward(x, label)
	for k := 0; k < c.classes; k++ {
		d := probs[k]
		if k == label {
			d -= 1
		}
		floats.AddScaled(c.weightRow(c.grads, k), d, x)
		c.biasRow(c.grads)[k] += d
	}
	return loss, floats.MaxIdx(probs) == label
}

// forward returns the class probabilities and the cross-entropy loss for label.
func (c *Classifier) forward(x []float64, label int) ([]float64, float64) {
	logits := c.logits(x)
	lse := floats.LogSumExp(logits)
	loss := lse - logits[label]
	for k := range logits {
		logits[k] = math.Exp(logits[k] - lse)
	}
	return logits, loss
}

func (c *Classifier) logits(x []float64) []float64 {
	out := make([]float64, c.classes)
	bias := c.biasRow(c.params)
	for k := range out {
		out[k] = floats.Dot(c.weightRow(c.params, k), x) + bias[k]
	}
	return out
}

func (c *Classifier) weightRow(flat []float64, k int) []float64 {
	return flat[k*c.inputs : (k+1)*c.inputs]
}

func (c *Classifier) biasRow(flat []float64) []float64 {
	return flat[c.classes*c.inputs:]
}

func (c *Classifier) checkBatch(b training.Batch) error {
	if len(b.Inputs) != len(b.Labels) {
		return fmt.Errorf("%w: %d inputs but %d labels", ErrShapeMismatch, len(b.Inputs), len(b.Labels))
	}
	for j, x := range b.Inputs {
		if len(x) != c.inputs {
			return fmt.Errorf("%w: expected %d features, got %d", ErrShapeMismatch, c.inputs, len(x))
		}
		if l := b.Labels[j]; l < 0 || l >= c.classes {
			return fmt.Errorf("%w: label %d outside [0, %d)", ErrShapeMismatch, l, c.classes)
		}
	}
	return nil
}

// Evaluate returns the mean loss and accuracy over src without training.
func (c *Classifier) Evaluate(src training.DataSource) (loss, acc float64, err error) {
	var total float64
	var correct, seen int
	for i := 0; i < src.Len(); i++ {
		b, err := src.Batch(i)
		if err != nil {
			return 0, 0, err
		}
		if err := c.checkBatch(b); err != nil {
			return 0, 0, err
		}
		for j, x := range b.Inputs {
			probs, l := c.forward(x, b.Labels[j])
			total += l
			if floats.MaxIdx(probs) == b.Labels[j] {
				correct++
			}
			seen++
		}
	}
	if seen == 0 {
		return 0, 0, nil
	}
	return total / float64(seen), float64(correct) / float64(seen), nil
}

// Predict returns the class probabilities for x.
func (c *Classifier) Predict(x []float64) ([]float64, error) {
	if len(x) != c.inputs {
		return nil, fmt.Errorf("%w: expected %d features, got %d", ErrShapeMismatch, c.inputs, len(x))
	}
	probs, _ := c.forward(x, 0)
	return probs, nil
}

type savedClassifier struct {
	Format       string    `json:"format"`
	Inputs       int       `json:"inputs"`
	Classes      int       `json:"classes"`
	LearningRate float64   `json:"learning_rate,omitempty"`
	Optimizer    string    `json:"optimizer,omitempty"`
	Loss         string    `json:"loss,omitempty"`
	Metrics      []string  `json:"metrics,omitempty"`
	Params       []float64 `json:"params"`
}

// Save writes the architecture, compile settings and parameters to path.
func (c *Classifier) Save(path string) error {
	return writeJSON(path, savedClassifier{
		Format:       saveFormat,
		Inputs:       c.inputs,
		Classes:      c.classes,
		LearningRate: c.lr,
		Optimizer:    c.optName,
		Loss:         c.loss,
		Metrics:      c.metrics,
		Params:       c.params,
	})
}

// SaveWeights writes only the shape and parameters to path.
func (c *Classifier) SaveWeights(path string) error {
	return writeJSON(path, savedClassifier{
		Format:  saveFormat,
		Inputs:  c.inputs,
		Classes: c.classes,
		Params:  c.params,
	})
}

// Load reads a file written by Save or SaveWeights. A weights-only file
// yields an uncompiled classifier using DefaultLearningRate.
func Load(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var s savedClassifier
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if s.Format != saveFormat {
		return nil, fmt.Errorf("%w: format %q", ErrUnsupported, s.Format)
	}

	lr := s.LearningRate
	if lr == 0 {
		lr = DefaultLearningRate
	}
	c, err := New(s.Inputs, s.Classes, lr)
	if err != nil {
		return nil, err
	}
	if len(s.Params) != len(c.params) {
		return nil, fmt.Errorf("%w: expected %d parameters, got %d", ErrShapeMismatch, len(c.params), len(s.Params))
	}
	copy(c.params, s.Params)

	if s.Optimizer != "" {
		if err := c.Compile(s.Optimizer, s.Loss, s.Metrics); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model dir: %w", err)
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	return nil
}
