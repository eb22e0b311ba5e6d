package training

import "fmt"

// EpochMetrics is the snapshot reported at the end of one epoch.
type EpochMetrics struct {
	Epoch       int // 0-based
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// MetricsFromLogs builds an EpochMetrics from callback logs. Missing keys,
// including a nil map, read as 0.
func MetricsFromLogs(epoch int, logs map[string]float64) EpochMetrics {
	return EpochMetrics{
		Epoch:       epoch,
		Loss:        logs[MetricLoss],
		Accuracy:    logs[MetricAccuracy],
		ValLoss:     logs[MetricValLoss],
		ValAccuracy: logs[MetricValAccuracy],
	}
}

// Format renders the progress line shown in the log panel.
func (m EpochMetrics) Format(totalEpochs int) string {
	return fmt.Sprintf("Época %d/%d - loss: %.4f - acc: %.4f - val_loss: %.4f - val_acc: %.4f",
		m.Epoch+1, totalEpochs, m.Loss, m.Accuracy, m.ValLoss, m.ValAccuracy)
}

// ProgressEmitter is the per-epoch callback that turns metrics into log lines.
type ProgressEmitter struct {
	total int
	emit  func(string)
	sink  func(EpochMetrics)
}

// NewProgressEmitter returns an emitter for a run of totalEpochs epochs.
// emit receives the formatted line; sink, if non-nil, receives the parsed
// metrics after the line has been emitted.
func NewProgressEmitter(totalEpochs int, emit func(string), sink func(EpochMetrics)) *ProgressEmitter {
	return &ProgressEmitter{total: totalEpochs, emit: emit, sink: sink}
}

// OnEpochEnd implements Callback. It never fails.
func (p *ProgressEmitter) OnEpochEnd(epoch int, logs map[string]float64) error {
	m := MetricsFromLogs(epoch, logs)
	p.emit(m.Format(p.total))
	if p.sink != nil {
		p.sink(m)
	}
	return nil
}
