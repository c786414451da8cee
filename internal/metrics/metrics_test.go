package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBatch(t *testing.T) {
	before := testutil.ToFloat64(TrainBatches.WithLabelValues(PhaseTrain))
	RecordBatch(PhaseTrain)
	RecordBatch(PhaseTrain)
	RecordBatch(PhaseValidation)
	assert.Equal(t, before+2, testutil.ToFloat64(TrainBatches.WithLabelValues(PhaseTrain)))
}

func TestRecordEpochLoss(t *testing.T) {
	RecordEpochLoss(PhaseValidation, 2.5)
	assert.Equal(t, 2.5, testutil.ToFloat64(TrainEpochLoss.WithLabelValues(PhaseValidation)))
	RecordEpochLoss(PhaseValidation, 1.25)
	assert.Equal(t, 1.25, testutil.ToFloat64(TrainEpochLoss.WithLabelValues(PhaseValidation)))
}

func TestRecordInference(t *testing.T) {
	before := testutil.ToFloat64(InferenceRequests.WithLabelValues(OutcomeDecodeError))
	RecordInference(OutcomeDecodeError, 10*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(InferenceRequests.WithLabelValues(OutcomeDecodeError)))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(InferenceDuration), 1)
}

func TestMetricsLint(t *testing.T) {
	problems, err := testutil.GatherAndLint(prometheus.DefaultGatherer,
		"captioner_train_batches_total", "captioner_inference_requests_total",
		"captioner_inference_duration_seconds")
	require.NoError(t, err)
	assert.Empty(t, problems)
}
