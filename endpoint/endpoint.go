// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package endpoint multiplexes request/response operations over a single
// packet link, matching replies to in-flight requests by sequence number.
//
// One EndpointProtocol instance owns one packet sink and one packet source.
// Invoke submits a request and returns immediately with a handle; the
// supplied completer fires exactly once with the final result. Only one
// request is ever being transmitted at a time, with a single pending-TX
// slot for back-pressure; replies may arrive in any order and are matched
// by seqno, not by TX order.
package endpoint

import (
	"context"
	"io"
	"log"
	"sync"

	"code.motorlink.dev/motorlink/async"
)

// invokeHeaderLen is the size, in bytes, of the seqno+endpoint_id header
// prepended to every tx_payload on the wire.
const invokeHeaderLen = 4

// ackRequestBit is the endpoint-id MSB marking "expect a reply".
const ackRequestBit = uint16(0x8000)

// PacketSink is the datagram-oriented counterpart of async.AsyncByteSink:
// each StartWrite transfers exactly one packet.
type PacketSink interface {
	StartWrite(p []byte, done async.Completer) (async.TransferHandle, error)
	CancelWrite(h async.TransferHandle)
}

// PacketSource is the datagram-oriented counterpart of async.AsyncByteSource:
// each StartRead delivers exactly one packet; partial-packet reads are not
// observable.
type PacketSource interface {
	StartRead(p []byte, done async.Completer) (async.TransferHandle, error)
	CancelRead(h async.TransferHandle)
}

// EndpointProtocol multiplexes Invoke operations over one PacketSink/
// PacketSource pair. The zero value is not usable; construct with New.
type EndpointProtocol struct {
	sink    PacketSink
	source  PacketSource
	mtu     int
	logger  *log.Logger
	metrics Metrics

	mu  sync.Mutex
	cur *loop
}

// New builds an EndpointProtocol over sink and source. Neither direction is
// started until Start is called.
func New(source PacketSource, sink PacketSink, opts ...Option) *EndpointProtocol {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	mtu := o.MTU
	if mtu <= 0 || mtu > DefaultMTU {
		mtu = DefaultMTU
	}
	logger := o.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &EndpointProtocol{
		sink:    sink,
		source:  source,
		mtu:     mtu,
		logger:  logger,
		metrics: o.Metrics,
	}
}

// Start begins the continuous RX pump. onStopped fires exactly once, when
// the engine terminates (underlying source/sink closed or erroring, or
// Close called). Start is idempotent only if the engine was previously
// stopped; calling it while already running reports ErrInvalidArgument.
func (e *EndpointProtocol) Start(onStopped async.Completer) error {
	if e.sink == nil || e.source == nil {
		return ErrInvalidArgument
	}
	e.mu.Lock()
	if e.cur != nil && !e.cur.isStopped() {
		e.mu.Unlock()
		return ErrInvalidArgument
	}
	l := newLoop(e, onStopped)
	e.cur = l
	e.mu.Unlock()

	go l.run()
	return nil
}

// Close forces the engine to stop as though the underlying transport had
// closed: every outstanding operation completes with Closed and onStopped
// fires once. A lifecycle hook for a host-side process shutting its daemon
// down cleanly — see cmd/motorlinkd.
func (e *EndpointProtocol) Close() {
	l := e.currentLoop()
	if l == nil {
		return
	}
	l.post(func() { l.stopEngine(async.StatusClosed) })
}

// Invoke submits one request to endpointID carrying tx as its payload.
// rx receives the reply payload, clamped to its capacity; len(tx) + 4 must
// not exceed the configured MTU. completer fires exactly once with the
// final result. The returned handle is valid for Cancel until completer
// fires.
//
// completer runs on the engine's own owning goroutine (the same one that
// executes every other Invoke/Cancel it handles), and Invoke blocks that
// goroutine when called from it: a completer must never call Invoke or
// Cancel synchronously, directly or indirectly, or the engine deadlocks
// waiting on its own mailbox. Chain a follow-up request by posting it
// (e.g. via go func() or a buffered channel handed to another goroutine)
// instead of calling Invoke inline.
func (e *EndpointProtocol) Invoke(endpointID uint16, tx, rx []byte, completer async.Completer) (async.TransferHandle, error) {
	if completer == nil {
		return 0, ErrInvalidArgument
	}
	if len(tx)+invokeHeaderLen > e.mtu {
		return 0, ErrBufferTooSmall
	}
	l := e.currentLoop()
	if l == nil {
		e.mu.Lock()
		started := e.cur != nil
		e.mu.Unlock()
		if started {
			return 0, ErrClosed
		}
		return 0, ErrNotStarted
	}

	req := &invokeRequest{
		endpointID: endpointID,
		tx:         tx,
		rx:         rx,
		completer:  completer,
		resultCh:   make(chan invokeResult, 1),
	}
	select {
	case l.mailbox <- func() { l.handleInvoke(req) }:
	case <-l.done:
		return 0, ErrClosed
	}
	select {
	case res := <-req.resultCh:
		return res.handle, res.err
	case <-l.done:
		return 0, ErrClosed
	}
}

// Cancel requests cancellation of the operation identified by h. It never
// blocks the caller on engine internals and is idempotent: calling it twice
// on the same handle, or on a handle that already completed, is a no-op
// the second time.
func (e *EndpointProtocol) Cancel(h async.TransferHandle) {
	l := e.currentLoop()
	if l == nil {
		return
	}
	l.post(func() { l.handleCancel(h) })
}

// InvokeCtx is a blocking convenience wrapper around Invoke for callers who
// want to select on a context.Context instead of supplying their own
// completer.
func (e *EndpointProtocol) InvokeCtx(ctx context.Context, endpointID uint16, tx, rx []byte) (async.Result, error) {
	resultCh := make(chan async.Result, 1)
	handle, err := e.Invoke(endpointID, tx, rx, func(r async.Result) { resultCh <- r })
	if err != nil {
		return async.Result{}, err
	}
	select {
	case r := <-resultCh:
		return r, nil
	case <-ctx.Done():
		e.Cancel(handle)
		r := <-resultCh
		return r, ctx.Err()
	}
}

func (e *EndpointProtocol) currentLoop() *loop {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil || e.cur.isStopped() {
		return nil
	}
	return e.cur
}
