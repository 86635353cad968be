// Package metrics provides the append-only time-series recorder shared by
// all components, with samples mirrored into Prometheus for scraping.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/verdantlab/trellis/pkg/bus"
)

// Sample is one recorded observation.
type Sample struct {
	Timestamp time.Time      `json:"timestamp"`
	Value     float64        `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Recorder keeps a bounded ring of samples per metric name. The oldest
// samples are evicted once the ring is full.
type Recorder struct {
	ringSize int
	eventBus *bus.Bus

	mu     sync.RWMutex
	series map[string]*ring

	lastValue *prometheus.GaugeVec
	samples   *prometheus.CounterVec
}

type ring struct {
	samples []Sample // oldest first
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithEventBus makes the recorder emit a METRIC_RECORDED event per sample
// at LOW priority. Emission is best-effort; bus errors are ignored.
func WithEventBus(b *bus.Bus) Option {
	return func(r *Recorder) { r.eventBus = b }
}

// WithRegistry registers the Prometheus mirrors with reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(r *Recorder) {
		reg.MustRegister(r.lastValue, r.samples)
	}
}

// NewRecorder creates a recorder with the given per-metric ring size.
func NewRecorder(ringSize int, opts ...Option) *Recorder {
	if ringSize <= 0 {
		ringSize = 1000
	}
	r := &Recorder{
		ringSize: ringSize,
		series:   make(map[string]*ring),
		lastValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trellis_metric_last_value",
			Help: "Most recent value recorded for each named metric.",
		}, []string{"metric"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_metric_samples_total",
			Help: "Total samples recorded for each named metric.",
		}, []string{"metric"}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends a sample for name.
func (r *Recorder) Record(name string, value float64, metadata map[string]any) {
	sample := Sample{
		Timestamp: time.Now().UTC(),
		Value:     value,
		Metadata:  metadata,
	}

	r.mu.Lock()
	s, ok := r.series[name]
	if !ok {
		s = &ring{}
		r.series[name] = s
	}
	s.samples = append(s.samples, sample)
	if len(s.samples) > r.ringSize {
		s.samples = s.samples[len(s.samples)-r.ringSize:]
	}
	r.mu.Unlock()

	r.lastValue.WithLabelValues(name).Set(value)
	r.samples.WithLabelValues(name).Inc()

	if r.eventBus != nil {
		_ = r.eventBus.Emit(bus.EventTypeMetricRecorded, map[string]any{
			"timestamp": sample.Timestamp.Format(time.RFC3339Nano),
			"component": "metrics",
			"metric":    name,
			"value":     value,
		}, bus.PriorityLow)
	}
}

// Get returns samples for name, oldest first. A non-zero window keeps only
// samples newer than now-window; limit > 0 keeps the newest limit samples.
func (r *Recorder) Get(name string, window time.Duration, limit int) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.series[name]
	if !ok {
		return nil
	}

	samples := s.samples
	if window > 0 {
		cutoff := time.Now().UTC().Add(-window)
		idx := 0
		for idx < len(samples) && samples[idx].Timestamp.Before(cutoff) {
			idx++
		}
		samples = samples[idx:]
	}
	if limit > 0 && len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}

	out := make([]Sample, len(samples))
	copy(out, samples)
	return out
}

// Last returns the most recent sample for name.
func (r *Recorder) Last(name string) (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.series[name]
	if !ok || len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// Names returns all metric names with at least one sample.
func (r *Recorder) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	return names
}
