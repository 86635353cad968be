package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndLast(t *testing.T) {
	r := NewRecorder(10)

	_, ok := r.Last("cpu")
	assert.False(t, ok)

	r.Record("cpu", 0.5, map[string]any{"host": "a"})
	r.Record("cpu", 0.7, nil)

	last, ok := r.Last("cpu")
	require.True(t, ok)
	assert.Equal(t, 0.7, last.Value)
	assert.False(t, last.Timestamp.IsZero())
}

func TestRingEvictsOldest(t *testing.T) {
	r := NewRecorder(3)
	for i := 0; i < 5; i++ {
		r.Record("m", float64(i), nil)
	}

	samples := r.Get("m", 0, 0)
	require.Len(t, samples, 3)
	assert.Equal(t, 2.0, samples[0].Value)
	assert.Equal(t, 4.0, samples[2].Value)
}

func TestGetLimitKeepsNewest(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 5; i++ {
		r.Record("m", float64(i), nil)
	}

	samples := r.Get("m", 0, 2)
	require.Len(t, samples, 2)
	assert.Equal(t, 3.0, samples[0].Value)
	assert.Equal(t, 4.0, samples[1].Value)
}

func TestGetWindowFiltersOld(t *testing.T) {
	r := NewRecorder(10)
	r.Record("m", 1.0, nil)

	// Backdate the first sample beyond the window.
	r.mu.Lock()
	r.series["m"].samples[0].Timestamp = time.Now().UTC().Add(-time.Hour)
	r.mu.Unlock()

	r.Record("m", 2.0, nil)

	samples := r.Get("m", time.Minute, 0)
	require.Len(t, samples, 1)
	assert.Equal(t, 2.0, samples[0].Value)
}

func TestGetUnknownMetric(t *testing.T) {
	r := NewRecorder(10)
	assert.Nil(t, r.Get("missing", 0, 0))
}

func TestPrometheusRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(10, WithRegistry(reg))
	r.Record("m", 42.0, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["trellis_metric_last_value"])
	assert.True(t, names["trellis_metric_samples_total"])
}
