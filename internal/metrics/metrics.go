// Package metrics exposes per-rank counters for opens, retries, errors and
// live resources. A nil *Metrics records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pio"

// Metrics holds the collectors of one rank.
type Metrics struct {
	opens     *prometheus.CounterVec
	retries   prometheus.Counter
	errors    *prometheus.CounterVec
	openFiles prometheus.Gauge
	decomps   prometheus.Gauge
	ops       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "file_opens_total",
			Help:      "File open and create attempts by final backend type and result.",
		}, []string{"iotype", "result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_retries_total",
			Help:      "Opens downgraded to the serial backend.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by class.",
		}, []string{"class"}),
		openFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_files",
			Help:      "Files currently open.",
		}),
		decomps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decompositions",
			Help:      "Decompositions currently defined.",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_ops_total",
			Help:      "Operations served for compute tasks by op name.",
		}, []string{"op"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.opens, m.retries, m.errors, m.openFiles, m.decomps, m.ops} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Open records an open or create with its final backend type.
func (m *Metrics) Open(iotype string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.opens.WithLabelValues(iotype, result).Inc()
}

// Retry records a downgrade.
func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Error records an error of the given class.
func (m *Metrics) Error(class string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(class).Inc()
}

// FileOpened and FileClosed track the open file gauge.
func (m *Metrics) FileOpened() {
	if m == nil {
		return
	}
	m.openFiles.Inc()
}

func (m *Metrics) FileClosed() {
	if m == nil {
		return
	}
	m.openFiles.Dec()
}

// DecompAdded and DecompFreed track the decomposition gauge.
func (m *Metrics) DecompAdded() {
	if m == nil {
		return
	}
	m.decomps.Inc()
}

func (m *Metrics) DecompFreed() {
	if m == nil {
		return
	}
	m.decomps.Dec()
}

// Served records an operation executed by the I/O server loop.
func (m *Metrics) Served(op string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
}
