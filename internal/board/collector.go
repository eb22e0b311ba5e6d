package board

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// runCollector exports the latest metrics of every run as gauges. Runs are
// rescanned on each scrape, so no state is kept between scrapes.
type runCollector struct {
	root   string
	logger *slog.Logger

	epoch       *prometheus.Desc
	totalEpochs *prometheus.Desc
	loss        *prometheus.Desc
	accuracy    *prometheus.Desc
	valLoss     *prometheus.Desc
	valAccuracy *prometheus.Desc
	finished    *prometheus.Desc
}

func newRunCollector(root string, logger *slog.Logger) *runCollector {
	labels := []string{"run"}
	return &runCollector{
		root:        root,
		logger:      logger,
		epoch:       prometheus.NewDesc("trainwatch_epoch", "Completed epochs.", labels, nil),
		totalEpochs: prometheus.NewDesc("trainwatch_total_epochs", "Epochs requested for the run.", labels, nil),
		loss:        prometheus.NewDesc("trainwatch_epoch_loss", "Training loss of the last completed epoch.", labels, nil),
		accuracy:    prometheus.NewDesc("trainwatch_epoch_accuracy", "Training accuracy of the last completed epoch.", labels, nil),
		valLoss:     prometheus.NewDesc("trainwatch_epoch_val_loss", "Validation loss of the last completed epoch.", labels, nil),
		valAccuracy: prometheus.NewDesc("trainwatch_epoch_val_accuracy", "Validation accuracy of the last completed epoch.", labels, nil),
		finished:    prometheus.NewDesc("trainwatch_run_finished", "1 when the run completed, -1 when it failed, 0 while running.", labels, nil),
	}
}

// Describe implements prometheus.Collector
func (c *runCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.epoch, c.totalEpochs, c.loss, c.accuracy, c.valLoss, c.valAccuracy, c.finished} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *runCollector) Collect(ch chan<- prometheus.Metric) {
	runs, err := ScanRuns(c.root)
	if err != nil {
		c.logger.Warn("scrape failed", "root", c.root, "error", err)
		return
	}

	for _, r := range runs {
		if r.Status == StatusCorrupt {
			continue
		}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, r.Name)
		}

		gauge(c.epoch, float64(r.Epoch))
		gauge(c.totalEpochs, float64(r.TotalEpochs))
		switch r.Status {
		case StatusCompleted:
			gauge(c.finished, 1)
		case StatusFailed:
			gauge(c.finished, -1)
		default:
			gauge(c.finished, 0)
		}

		if r.Metrics != nil {
			gauge(c.loss, r.Metrics.Loss)
			gauge(c.accuracy, r.Metrics.Accuracy)
			gauge(c.valLoss, r.Metrics.ValLoss)
			gauge(c.valAccuracy, r.Metrics.ValAccuracy)
		}
	}
}

var _ prometheus.Collector = (*runCollector)(nil)
