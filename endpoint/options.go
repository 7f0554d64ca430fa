// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package endpoint

import "log"

// DefaultMTU is the largest framer payload an EndpointProtocol will compose
// (seqno + endpoint-id header + tx_payload), matching wireframe.MaxPayload.
const DefaultMTU = 127

// scratchSize is the fixed size of the engine's TX/RX scratch buffers,
// independent of the configured MTU.
const scratchSize = 128

// Metrics receives counters from an EndpointProtocol as it runs. The Metrics
// value may be nil; the engine checks it before every call. Grounded on the
// registration style of the pack's metrics-exporting repositories rather
// than requiring a concrete client_golang dependency inside this package —
// cmd/motorlinkd supplies an implementation backed by
// github.com/prometheus/client_golang.
type Metrics interface {
	// InFlight reports the current count of operations in the
	// pending-TX/transmitting/expected-ack states combined.
	InFlight(n int)
	// InvokeLatency reports the observed duration, in seconds, between
	// Invoke returning and its completer firing with a terminal status.
	InvokeLatency(seconds float64)
	// BadFrame counts one incoming packet dropped as malformed: a framer
	// reject (ErrBadFrame or ErrBufferTooSmall) or a packet too short to
	// hold a seqno.
	BadFrame()
}

// Options configures an EndpointProtocol.
type Options struct {
	// MTU caps |tx_payload| + 4 (the seqno/endpoint-id header). Must be
	// between 4 and DefaultMTU inclusive; zero selects DefaultMTU.
	MTU int

	// Logger receives lifecycle events (start, stop, bad frames). Defaults
	// to a no-op logger so the package stays silent unless configured.
	Logger *log.Logger

	// Metrics is optional; a nil Metrics disables all counters.
	Metrics Metrics
}

var defaultOptions = Options{
	MTU: DefaultMTU,
}

// Option configures an EndpointProtocol at construction time.
type Option func(*Options)

// WithMTU overrides the default MTU (127).
func WithMTU(mtu int) Option {
	return func(o *Options) { o.MTU = mtu }
}

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *log.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}
