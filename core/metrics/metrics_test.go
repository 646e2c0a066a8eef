package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskOutcomeUpdatesBothSurfaces(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordTaskOutcome("succeeded")
	r.RecordTaskOutcome("failed")
	r.RecordTaskOutcome("canceled")

	require.EqualValues(t, 1, r.Internal.TasksSucceeded.Count())
	require.EqualValues(t, 1, r.Internal.TasksFailed.Count())
	require.EqualValues(t, 1, r.Internal.TasksCanceled.Count())

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestRecordBatchUpdatesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordBatch(0.25)
	require.EqualValues(t, 1, r.Internal.BatchesRun.Count())
}

func TestRecordMapFullRetry(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordMapFullRetry()
	require.EqualValues(t, 1, r.Internal.MapFullRetries.Count())
}
