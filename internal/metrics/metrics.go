// Package metrics declares the Prometheus collectors of the captioner.
//
// Collectors are registered with the default registry on package initialization. The caption command
// exposes them with promhttp; training runs only log them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Phases of a training epoch, used as the "phase" label.
const (
	PhaseTrain      = "train"
	PhaseValidation = "validation"
)

// Outcomes of an inference request, used as the "outcome" label.
const (
	OutcomeOK             = "ok"
	OutcomeDecodeError    = "decode_error"
	OutcomeInferenceError = "inference_error"
	OutcomeCanceled       = "canceled"
)

var (
	// Training metrics
	TrainBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captioner_train_batches_total",
			Help: "Total number of batches processed by the training loop",
		},
		[]string{"phase"},
	)

	TrainEpochLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captioner_train_epoch_loss",
			Help: "Mean loss of the last completed epoch",
		},
		[]string{"phase"},
	)

	CorpusExamplesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captioner_corpus_examples_skipped_total",
			Help: "Total number of corpus examples skipped because their image could not be loaded",
		},
	)

	CheckpointPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captioner_checkpoint_publish_total",
			Help: "Total number of model generations published",
		},
	)

	// Inference metrics
	InferenceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captioner_inference_requests_total",
			Help: "Total number of caption requests by outcome",
		},
		[]string{"outcome"},
	)

	InferenceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "captioner_inference_duration_seconds",
			Help:    "Duration of caption requests in seconds, from decoding to the stored record",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Self-training metrics
	SelfTrainRecords = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captioner_selftrain_records_total",
			Help: "Total number of records appended to the self-training store",
		},
	)
)

// RecordBatch records one processed batch of the given phase.
func RecordBatch(phase string) {
	TrainBatches.WithLabelValues(phase).Inc()
}

// RecordEpochLoss records the mean loss of an epoch phase.
func RecordEpochLoss(phase string, loss float64) {
	TrainEpochLoss.WithLabelValues(phase).Set(loss)
}

// RecordInference records the outcome and duration of a caption request.
func RecordInference(outcome string, duration time.Duration) {
	InferenceRequests.WithLabelValues(outcome).Inc()
	InferenceDuration.Observe(duration.Seconds())
}
