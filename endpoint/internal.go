// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package endpoint

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"time"

	"code.motorlink.dev/motorlink/async"
	"code.motorlink.dev/motorlink/wireframe"
)

// mailboxCap is the buffered capacity of a loop's mailbox. Generous
// headroom over the steady-state concurrency (one TX completion, one RX
// completion, a handful of concurrent Invoke/Cancel callers) so posting
// from a transport's own goroutine never has to fall back to spawning one.
const mailboxCap = 32

// invokeRequest carries one Invoke call's arguments across the mailbox into
// the owning loop goroutine, and its synchronous (handle, error) result
// back out.
type invokeRequest struct {
	endpointID uint16
	tx         []byte
	rx         []byte
	completer  async.Completer
	resultCh   chan invokeResult
}

type invokeResult struct {
	handle async.TransferHandle
	err    error
}

// endpointOperation is one in-flight Invoke, tracked from admission until
// its completer fires.
type endpointOperation struct {
	seqno      uint16
	endpointID uint16
	txPayload  []byte
	rxBuffer   []byte
	completer  async.Completer
	handle     async.TransferHandle
	cancelled  bool
	startedAt  time.Time
}

// loop is the single goroutine that owns all of an EndpointProtocol run's
// mutable state. Every field below is touched only from run's goroutine;
// Invoke/Cancel/Close reach it exclusively by posting closures onto mailbox.
// One owning goroutine stands in for a literal single-threaded cooperative
// event loop, since Go callers are concurrent by default.
type loop struct {
	eng       *EndpointProtocol
	onStopped async.Completer

	mailbox chan func()
	done    chan struct{}
	stopped atomic.Bool

	outboundSeqno uint16
	nextHandle    async.TransferHandle

	txBusy bool
	txOp   *endpointOperation

	pendingOp *endpointOperation

	expectedAcks map[uint16]*endpointOperation
	handleIndex  map[async.TransferHandle]*endpointOperation

	// rxHeld records that a reply was dispatched while txBusy was true and
	// a pendingOp was already waiting for the TX slot: the decision to
	// start that op's TX is deferred to the TX-completion handler, which
	// already promotes pendingOp unconditionally. This flag exists to make
	// that single deferred intent observable, rather than to drive any
	// additional control flow of its own.
	rxHeld bool

	txBuf [scratchSize]byte
	rxBuf [scratchSize]byte
}

func newLoop(e *EndpointProtocol, onStopped async.Completer) *loop {
	return &loop{
		eng:          e,
		onStopped:    onStopped,
		mailbox:      make(chan func(), mailboxCap),
		done:         make(chan struct{}),
		expectedAcks: make(map[uint16]*endpointOperation),
		handleIndex:  make(map[async.TransferHandle]*endpointOperation),
	}
}

func (l *loop) isStopped() bool { return l.stopped.Load() }

// post hands fn to the owning loop goroutine. Called from arbitrary
// goroutines (Invoke/Cancel callers, transport completion callbacks); never
// blocks its caller indefinitely even if the mailbox is momentarily full.
func (l *loop) post(fn func()) {
	select {
	case l.mailbox <- fn:
		return
	case <-l.done:
		return
	default:
	}
	go func() {
		select {
		case l.mailbox <- fn:
		case <-l.done:
		}
	}()
}

func (l *loop) run() {
	l.armRX()
	if l.stopped.Load() {
		return
	}
	for fn := range l.mailbox {
		fn()
		if l.stopped.Load() {
			return
		}
	}
}

// armRX submits the next RX read. Called once at startup and again after
// every successfully dispatched (or dropped) incoming packet.
func (l *loop) armRX() {
	_, err := l.eng.source.StartRead(l.rxBuf[:], func(r async.Result) {
		l.post(func() { l.handleRXDone(r) })
	})
	if err != nil {
		l.stopEngine(async.StatusError)
	}
}

func (l *loop) handleRXDone(r async.Result) {
	if l.stopped.Load() {
		return
	}
	switch r.Status {
	case async.StatusOK:
		l.dispatchReply(l.rxBuf[:r.N])
		l.armRX()
	case async.StatusError:
		if isBadFrame(r.Err) {
			// A single bit-flipped or oversize packet is line noise, not a
			// transport failure: the framer has already discarded it, so
			// the engine just re-arms and waits for the next one.
			if l.eng.metrics != nil {
				l.eng.metrics.BadFrame()
			}
			l.armRX()
			return
		}
		l.stopEngine(r.Status)
	case async.StatusClosed:
		l.stopEngine(r.Status)
	case async.StatusCancelled:
		// The engine itself never cancels its own RX pump; a stray
		// cancellation from beneath is treated as transient and the read
		// is simply re-armed.
		l.armRX()
	}
}

// isBadFrame reports whether err is a per-packet framing reject that
// wireframe's PacketUnwrapper has already absorbed (payload-CRC mismatch or
// short read, or a frame too long for the caller's buffer), as opposed to a genuine failure
// of the transport beneath it.
func isBadFrame(err error) bool {
	return errors.Is(err, wireframe.ErrBadFrame) || errors.Is(err, wireframe.ErrBufferTooSmall)
}

func (l *loop) dispatchReply(payload []byte) {
	if len(payload) < 2 {
		if l.eng.metrics != nil {
			l.eng.metrics.BadFrame()
		}
		return
	}
	seqno := binary.LittleEndian.Uint16(payload[0:2])
	op, ok := l.expectedAcks[seqno]
	if !ok {
		l.eng.logger.Printf("endpoint: dropped reply for unknown seqno %d", seqno)
		return // unmatched reply: dropped silently, no NACK.
	}
	delete(l.expectedAcks, seqno)
	delete(l.handleIndex, op.handle)

	reply := payload[2:]
	n := copy(op.rxBuffer, reply)
	if n < len(reply) {
		l.complete(op, async.Result{Status: async.StatusError, Err: ErrBufferTooSmall})
	} else {
		l.complete(op, async.Result{Status: async.StatusOK, N: n})
	}

	if l.txBusy && l.pendingOp != nil {
		l.rxHeld = true
	}
	l.reportInFlight()
}

func (l *loop) handleInvoke(req *invokeRequest) {
	if l.stopped.Load() {
		req.resultCh <- invokeResult{0, ErrClosed}
		return
	}

	seqno := l.outboundSeqno
	l.outboundSeqno++
	l.nextHandle++
	handle := l.nextHandle

	op := &endpointOperation{
		seqno:      seqno,
		endpointID: req.endpointID,
		txPayload:  req.tx,
		rxBuffer:   req.rx,
		completer:  req.completer,
		handle:     handle,
		startedAt:  time.Now(),
	}

	if !l.txBusy {
		l.handleIndex[handle] = op
		l.beginTX(op)
		req.resultCh <- invokeResult{handle, nil}
		return
	}

	if l.pendingOp != nil {
		req.resultCh <- invokeResult{0, ErrBusy}
		return
	}
	l.handleIndex[handle] = op
	l.pendingOp = op
	l.reportInFlight()
	req.resultCh <- invokeResult{handle, nil}
}

// beginTX composes the wire payload for op and submits it as the single
// outstanding TX.
func (l *loop) beginTX(op *endpointOperation) {
	l.txBusy = true
	l.txOp = op

	binary.LittleEndian.PutUint16(l.txBuf[0:2], op.seqno)
	binary.LittleEndian.PutUint16(l.txBuf[2:4], op.endpointID|ackRequestBit)
	n := copy(l.txBuf[invokeHeaderLen:], op.txPayload)
	total := invokeHeaderLen + n

	_, err := l.eng.sink.StartWrite(l.txBuf[:total], func(r async.Result) {
		l.post(func() { l.handleTXDone(r) })
	})
	if err != nil {
		// The sink rejected the one write this engine ever has in flight
		// at a time: the transport itself is broken, not this operation.
		// op is still finalized (with Error) through the engine-wide
		// drain in stopEngine, same as any other transport failure.
		l.stopEngine(async.StatusError)
		return
	}
	l.reportInFlight()
}

func (l *loop) handleTXDone(r async.Result) {
	op := l.txOp
	l.txBusy = false
	l.txOp = nil
	if op == nil {
		return
	}

	if l.stopped.Load() {
		delete(l.handleIndex, op.handle)
		l.complete(op, async.Result{Status: async.StatusClosed, Err: ErrClosed})
		return
	}

	if op.cancelled {
		delete(l.handleIndex, op.handle)
		l.complete(op, async.Result{Status: async.StatusCancelled, Err: ErrCancelled})
		l.tryPromotePending()
		return
	}

	switch r.Status {
	case async.StatusOK:
		l.admitExpectedAck(op)
		l.tryPromotePending()
	case async.StatusCancelled:
		delete(l.handleIndex, op.handle)
		l.complete(op, r)
		l.tryPromotePending()
	default: // Closed, Error: any other transport failure is treated as Closed at engine level.
		delete(l.handleIndex, op.handle)
		l.complete(op, r)
		l.stopEngine(r.Status)
	}
}

// admitExpectedAck moves op from "transmitting" into expected_acks, evicting
// (with Error) an older operation whose seqno wrapped back to the same
// value while still outstanding.
func (l *loop) admitExpectedAck(op *endpointOperation) {
	if old, ok := l.expectedAcks[op.seqno]; ok {
		delete(l.handleIndex, old.handle)
		l.complete(old, async.Result{Status: async.StatusError, Err: ErrError})
	}
	l.expectedAcks[op.seqno] = op
	l.reportInFlight()
}

func (l *loop) tryPromotePending() {
	if l.txBusy || l.pendingOp == nil {
		return
	}
	op := l.pendingOp
	l.pendingOp = nil
	l.rxHeld = false
	l.beginTX(op)
}

func (l *loop) handleCancel(h async.TransferHandle) {
	op, ok := l.handleIndex[h]
	if !ok {
		return // already completed, or never existed: idempotent no-op.
	}
	delete(l.handleIndex, h)

	switch {
	case l.pendingOp == op:
		l.pendingOp = nil
		l.complete(op, async.Result{Status: async.StatusCancelled, Err: ErrCancelled})
	case l.txOp == op:
		// Already committed to the wire; the transfer may still complete
		// normally, but the expectation of a reply is cancelled now.
		op.cancelled = true
	default:
		for seqno, cand := range l.expectedAcks {
			if cand == op {
				delete(l.expectedAcks, seqno)
				break
			}
		}
		l.complete(op, async.Result{Status: async.StatusCancelled, Err: ErrCancelled})
	}
	l.reportInFlight()
}

func (l *loop) stopEngine(status async.Status) {
	if l.stopped.Swap(true) {
		return
	}
	l.eng.logger.Printf("endpoint: stopping, status=%s", status)

	cause := ErrClosed
	if status == async.StatusError {
		cause = ErrError
	}

	if l.pendingOp != nil {
		op := l.pendingOp
		l.pendingOp = nil
		delete(l.handleIndex, op.handle)
		l.complete(op, async.Result{Status: status, Err: cause})
	}
	for seqno, op := range l.expectedAcks {
		delete(l.expectedAcks, seqno)
		delete(l.handleIndex, op.handle)
		l.complete(op, async.Result{Status: status, Err: cause})
	}
	if l.txOp != nil {
		op := l.txOp
		l.txOp = nil
		l.txBusy = false
		delete(l.handleIndex, op.handle)
		if !op.cancelled {
			l.complete(op, async.Result{Status: status, Err: cause})
		} else {
			l.complete(op, async.Result{Status: async.StatusCancelled, Err: ErrCancelled})
		}
	}

	l.reportInFlight()
	if l.onStopped != nil {
		l.onStopped(async.Result{Status: status})
	}
	close(l.done)
}

func (l *loop) complete(op *endpointOperation, r async.Result) {
	if l.eng.metrics != nil {
		l.eng.metrics.InvokeLatency(time.Since(op.startedAt).Seconds())
	}
	op.completer(r)
}

func (l *loop) reportInFlight() {
	if l.eng.metrics == nil {
		return
	}
	n := len(l.expectedAcks)
	if l.pendingOp != nil {
		n++
	}
	if l.txOp != nil {
		n++
	}
	l.eng.metrics.InFlight(n)
}
