// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package telemetry wires the engine's optional metrics hook to Prometheus
// and mirrors lifecycle events to Redis for fleet-wide observability.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements endpoint.Metrics against a Prometheus registry. It is
// defined with the method shape rather than importing endpoint directly, so
// cmd/motorlinkd is the only place that ties this package to the engine.
type Metrics struct {
	inFlight      prometheus.Gauge
	invokeLatency prometheus.Histogram
	badFrames     prometheus.Counter
}

// NewMetrics registers motorlinkd's engine metrics against reg and returns
// the handle the engine's Options.Metrics expects.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "motorlinkd",
			Subsystem: "endpoint",
			Name:      "in_flight_operations",
			Help:      "Number of Invoke operations currently transmitting, pending, or awaiting reply.",
		}),
		invokeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "motorlinkd",
			Subsystem: "endpoint",
			Name:      "invoke_latency_seconds",
			Help:      "Time from Invoke submission to its completer firing.",
			Buckets:   prometheus.DefBuckets,
		}),
		badFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "motorlinkd",
			Subsystem: "endpoint",
			Name:      "bad_frames_total",
			Help:      "Incoming packets dropped as malformed: framer rejects or packets too short to hold a seqno.",
		}),
	}
	reg.MustRegister(m.inFlight, m.invokeLatency, m.badFrames)
	return m
}

// InFlight implements endpoint.Metrics.
func (m *Metrics) InFlight(n int) { m.inFlight.Set(float64(n)) }

// InvokeLatency implements endpoint.Metrics.
func (m *Metrics) InvokeLatency(seconds float64) { m.invokeLatency.Observe(seconds) }

// BadFrame implements endpoint.Metrics.
func (m *Metrics) BadFrame() { m.badFrames.Inc() }
