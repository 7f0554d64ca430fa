// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package endpoint_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"code.motorlink.dev/motorlink/async"
	"code.motorlink.dev/motorlink/endpoint"
	"code.motorlink.dev/motorlink/wireframe"
)

// fakeSink records every packet handed to StartWrite and completes it
// synchronously with StatusOK, unless rejectErr is set.
type fakeSink struct {
	mu        sync.Mutex
	written   [][]byte
	rejectErr error
	seq       async.TransferHandle
}

func (s *fakeSink) StartWrite(p []byte, done async.Completer) (async.TransferHandle, error) {
	s.mu.Lock()
	if s.rejectErr != nil {
		err := s.rejectErr
		s.mu.Unlock()
		return 0, err
	}
	cp := append([]byte(nil), p...)
	s.written = append(s.written, cp)
	s.seq++
	h := s.seq
	s.mu.Unlock()
	done(async.Result{Status: async.StatusOK, N: len(p)})
	return h, nil
}

func (s *fakeSink) CancelWrite(async.TransferHandle) {}

func (s *fakeSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.written))
	copy(out, s.written)
	return out
}

// fakeSource is a scripted packet source: StartRead registers the pending
// completer and signals ready; push/closeWith deliver the next completion
// once a caller has observed that signal, keeping test and engine goroutine
// in lockstep.
type fakeSource struct {
	mu    sync.Mutex
	done  async.Completer
	buf   []byte
	ready chan struct{}
	seq   async.TransferHandle
}

func newFakeSource() *fakeSource {
	return &fakeSource{ready: make(chan struct{}, 8)}
}

func (s *fakeSource) StartRead(p []byte, done async.Completer) (async.TransferHandle, error) {
	s.mu.Lock()
	s.done = done
	s.buf = p
	s.seq++
	h := s.seq
	s.mu.Unlock()
	s.ready <- struct{}{}
	return h, nil
}

func (s *fakeSource) CancelRead(async.TransferHandle) {}

func (s *fakeSource) push(payload []byte) {
	<-s.ready
	s.mu.Lock()
	done, buf := s.done, s.buf
	s.done = nil
	s.mu.Unlock()
	n := copy(buf, payload)
	done(async.Result{Status: async.StatusOK, N: n})
}

func (s *fakeSource) closeWith(status async.Status) {
	<-s.ready
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	done(async.Result{Status: status})
}

// errorWith delivers a StatusError completion carrying err, modeling a
// packet-level reject the framer reports through StartRead's completer.
func (s *fakeSource) errorWith(err error) {
	<-s.ready
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()
	done(async.Result{Status: async.StatusError, Err: err})
}

func waitResult(t *testing.T, ch <-chan async.Result) async.Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completer")
		return async.Result{}
	}
}

func TestInvokeReplyMatch(t *testing.T) {
	sink := &fakeSink{}
	source := newFakeSource()
	ep := endpoint.New(source, sink, endpoint.WithMTU(127))
	if err := ep.Start(func(async.Result) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resultCh := make(chan async.Result, 1)
	rx := make([]byte, 8)
	_, err := ep.Invoke(0x0001, []byte{0xDE, 0xAD}, rx, func(r async.Result) { resultCh <- r })
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	wire := sink.snapshot()
	if len(wire) != 1 {
		t.Fatalf("expected 1 TX packet, got %d", len(wire))
	}
	want := []byte{0x00, 0x00, 0x01, 0x80, 0xDE, 0xAD}
	if !bytes.Equal(wire[0], want) {
		t.Fatalf("TX payload = % X, want % X", wire[0], want)
	}

	source.push([]byte{0x00, 0x00, 0xCA, 0xFE})
	r := waitResult(t, resultCh)
	if r.Status != async.StatusOK {
		t.Fatalf("status = %v, want OK", r.Status)
	}
	if !bytes.Equal(rx[:r.N], []byte{0xCA, 0xFE}) {
		t.Fatalf("rx = % X, want CA FE", rx[:r.N])
	}
}

func TestBadFrameReArmsInsteadOfStoppingEngine(t *testing.T) {
	sink := &fakeSink{}
	source := newFakeSource()
	stoppedCh := make(chan async.Result, 1)
	ep := endpoint.New(source, sink)
	if err := ep.Start(func(r async.Result) { stoppedCh <- r }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resultCh := make(chan async.Result, 1)
	rx := make([]byte, 8)
	if _, err := ep.Invoke(0x0001, []byte{0xDE, 0xAD}, rx, func(r async.Result) { resultCh <- r }); err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// A single corrupted packet: wireframe has already discarded it and
	// reports ErrBadFrame through the read completer. The engine must
	// re-arm and keep the in-flight Invoke alive, not tear the link down.
	source.errorWith(wireframe.ErrBadFrame)

	source.push([]byte{0x00, 0x00, 0xCA, 0xFE})
	r := waitResult(t, resultCh)
	if r.Status != async.StatusOK {
		t.Fatalf("status = %v, want OK", r.Status)
	}
	if !bytes.Equal(rx[:r.N], []byte{0xCA, 0xFE}) {
		t.Fatalf("rx = % X, want CA FE", rx[:r.N])
	}

	select {
	case r := <-stoppedCh:
		t.Fatalf("engine stopped after a bad frame: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReplyReordering(t *testing.T) {
	sink := &fakeSink{}
	source := newFakeSource()
	ep := endpoint.New(source, sink)
	if err := ep.Start(func(async.Result) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resA := make(chan async.Result, 1)
	resB := make(chan async.Result, 1)
	rxA := make([]byte, 4)
	rxB := make([]byte, 4)

	if _, err := ep.Invoke(0x0002, []byte{0x01}, rxA, func(r async.Result) { resA <- r }); err != nil {
		t.Fatalf("invoke A: %v", err)
	}
	if _, err := ep.Invoke(0x0003, []byte{0x02}, rxB, func(r async.Result) { resB <- r }); err != nil {
		t.Fatalf("invoke B: %v", err)
	}

	// seqno 0 = A, seqno 1 = B; reply for B (1) arrives first.
	source.push([]byte{0x01, 0x00, 0xB0})
	source.push([]byte{0x00, 0x00, 0xA0})

	rb := waitResult(t, resB)
	ra := waitResult(t, resA)
	if rb.Status != async.StatusOK || !bytes.Equal(rxB[:rb.N], []byte{0xB0}) {
		t.Fatalf("B result = %+v rx=% X", rb, rxB[:rb.N])
	}
	if ra.Status != async.StatusOK || !bytes.Equal(rxA[:ra.N], []byte{0xA0}) {
		t.Fatalf("A result = %+v rx=% X", ra, rxA[:ra.N])
	}
}

func TestClosePropagation(t *testing.T) {
	sink := &fakeSink{}
	source := newFakeSource()
	stoppedCh := make(chan async.Result, 1)
	ep := endpoint.New(source, sink)
	if err := ep.Start(func(r async.Result) { stoppedCh <- r }); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resA := make(chan async.Result, 1)
	resB := make(chan async.Result, 1)
	if _, err := ep.Invoke(0x0001, []byte{1}, make([]byte, 4), func(r async.Result) { resA <- r }); err != nil {
		t.Fatalf("invoke A: %v", err)
	}
	if _, err := ep.Invoke(0x0001, []byte{2}, make([]byte, 4), func(r async.Result) { resB <- r }); err != nil {
		t.Fatalf("invoke B: %v", err)
	}

	source.closeWith(async.StatusClosed)

	ra := waitResult(t, resA)
	rb := waitResult(t, resB)
	if ra.Status != async.StatusClosed || rb.Status != async.StatusClosed {
		t.Fatalf("expected both Closed, got %v %v", ra.Status, rb.Status)
	}
	stopped := waitResult(t, stoppedCh)
	if stopped.Status != async.StatusClosed {
		t.Fatalf("onStopped status = %v, want Closed", stopped.Status)
	}

	if _, err := ep.Invoke(0x0001, []byte{3}, make([]byte, 4), func(async.Result) {}); err != endpoint.ErrClosed {
		t.Fatalf("post-close Invoke err = %v, want ErrClosed", err)
	}
}

func TestInvokeRejectsOversizePayload(t *testing.T) {
	sink := &fakeSink{}
	source := newFakeSource()
	ep := endpoint.New(source, sink, endpoint.WithMTU(8))
	if err := ep.Start(func(async.Result) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := ep.Invoke(0x0001, make([]byte, 6), make([]byte, 4), func(async.Result) {})
	if err != endpoint.ErrBufferTooSmall {
		t.Fatalf("err = %v, want ErrBufferTooSmall", err)
	}
}

func TestInvokeBusyWhenBothSlotsFull(t *testing.T) {
	// Make the sink never complete its write so the TX slot stays occupied.
	blockSink := &blockingPacketSink{}
	source := newFakeSource()
	ep := endpoint.New(source, blockSink)
	if err := ep.Start(func(async.Result) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := ep.Invoke(0x0001, []byte{1}, make([]byte, 4), func(async.Result) {}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if _, err := ep.Invoke(0x0001, []byte{2}, make([]byte, 4), func(async.Result) {}); err != nil {
		t.Fatalf("second invoke (pending slot): %v", err)
	}
	if _, err := ep.Invoke(0x0001, []byte{3}, make([]byte, 4), func(async.Result) {}); err != endpoint.ErrBusy {
		t.Fatalf("third invoke err = %v, want ErrBusy", err)
	}
}

// blockingPacketSink never invokes its completer, modeling a TX the engine
// is perpetually waiting on.
type blockingPacketSink struct{}

func (blockingPacketSink) StartWrite(p []byte, done async.Completer) (async.TransferHandle, error) {
	return 1, nil
}
func (blockingPacketSink) CancelWrite(async.TransferHandle) {}

func TestCancelPendingIsIdempotent(t *testing.T) {
	blockSink := &blockingPacketSink{}
	source := newFakeSource()
	ep := endpoint.New(source, blockSink)
	if err := ep.Start(func(async.Result) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := ep.Invoke(0x0001, []byte{1}, make([]byte, 4), func(async.Result) {}); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	fired := make(chan async.Result, 2)
	h, err := ep.Invoke(0x0001, []byte{2}, make([]byte, 4), func(r async.Result) { fired <- r })
	if err != nil {
		t.Fatalf("second invoke: %v", err)
	}

	ep.Cancel(h)
	ep.Cancel(h) // must be a no-op the second time.

	r := waitResult(t, fired)
	if r.Status != async.StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", r.Status)
	}
	select {
	case extra := <-fired:
		t.Fatalf("completer fired a second time: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}
