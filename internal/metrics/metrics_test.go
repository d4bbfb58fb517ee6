package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestKVRecorder_CountsByReason(t *testing.T) {
	r := NewKVRecorder("metrics-test")

	r.Expired(2)
	r.Evicted(3)
	r.Evicted(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(kvRemovals.WithLabelValues("metrics-test", "expired")))
	assert.Equal(t, 3.0, testutil.ToFloat64(kvRemovals.WithLabelValues("metrics-test", "capacity")))
}

func TestAddPartitionsDeleted(t *testing.T) {
	before := testutil.ToFloat64(partitionsDeleted.WithLabelValues("generation"))
	AddPartitionsDeleted("generation", 2)
	assert.Equal(t, before+2, testutil.ToFloat64(partitionsDeleted.WithLabelValues("generation")))
}
