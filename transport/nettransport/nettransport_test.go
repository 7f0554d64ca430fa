// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nettransport_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"code.motorlink.dev/motorlink/async"
	"code.motorlink.dev/motorlink/transport/nettransport"
)

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

func TestRoundTripOverPipe(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := nettransport.New(c1)
	b := nettransport.New(c2)

	writeCh := make(chan async.Result, 1)
	if _, err := a.Sink.StartWrite([]byte("hello"), func(r async.Result) { writeCh <- r }); err != nil {
		t.Fatalf("StartWrite: %v", err)
	}

	buf := make([]byte, len("hello"))
	readCh := make(chan async.Result, 1)
	if _, err := b.Source.StartRead(buf, func(r async.Result) { readCh <- r }); err != nil {
		t.Fatalf("StartRead: %v", err)
	}

	wr := waitResult(t, writeCh)
	if wr.Status != async.StatusOK {
		t.Fatalf("write status = %v", wr.Status)
	}
	rr := waitResult(t, readCh)
	if rr.Status != async.StatusOK {
		t.Fatalf("read status = %v", rr.Status)
	}
	if !bytes.Equal(buf[:rr.N], []byte("hello")) {
		t.Fatalf("read payload = %q, want %q", buf[:rr.N], "hello")
	}
}

func TestStartReadAccumulatesAcrossShortReads(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := nettransport.New(c1)
	b := nettransport.New(c2)

	buf := make([]byte, 10)
	readCh := make(chan async.Result, 1)
	if _, err := b.Source.StartRead(buf, func(r async.Result) { readCh <- r }); err != nil {
		t.Fatalf("StartRead: %v", err)
	}

	// net.Pipe hands one Read exactly one Write's worth of data: two
	// separate five-byte writes must still be accumulated into the single
	// ten-byte read instead of completing early with a short result.
	writeCh := make(chan async.Result, 2)
	if _, err := a.Sink.StartWrite([]byte("hello"), func(r async.Result) { writeCh <- r }); err != nil {
		t.Fatalf("first StartWrite: %v", err)
	}
	if wr := waitResult(t, writeCh); wr.Status != async.StatusOK {
		t.Fatalf("first write status = %v", wr.Status)
	}
	if _, err := a.Sink.StartWrite([]byte("world"), func(r async.Result) { writeCh <- r }); err != nil {
		t.Fatalf("second StartWrite: %v", err)
	}
	if wr := waitResult(t, writeCh); wr.Status != async.StatusOK {
		t.Fatalf("second write status = %v", wr.Status)
	}

	rr := waitResult(t, readCh)
	if rr.Status != async.StatusOK {
		t.Fatalf("read status = %v", rr.Status)
	}
	if !bytes.Equal(buf[:rr.N], []byte("helloworld")) {
		t.Fatalf("read payload = %q, want %q", buf[:rr.N], "helloworld")
	}
}

func TestCancelReadUnblocksWithCancelled(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	b := nettransport.New(c2)
	buf := make([]byte, 16)
	readCh := make(chan async.Result, 1)
	h, err := b.Source.StartRead(buf, func(r async.Result) { readCh <- r })
	if err != nil {
		t.Fatalf("StartRead: %v", err)
	}

	b.Source.CancelRead(h)
	r := waitResult(t, readCh)
	if r.Status != async.StatusCancelled {
		t.Fatalf("status = %v, want Cancelled", r.Status)
	}
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()

	a := nettransport.New(c1)
	buf := make([]byte, 16)
	readCh := make(chan async.Result, 1)
	if _, err := a.Source.StartRead(buf, func(r async.Result) { readCh <- r }); err != nil {
		t.Fatalf("StartRead: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = c2.Close()

	r := waitResult(t, readCh)
	if r.Status != async.StatusClosed {
		t.Fatalf("status = %v, want Closed", r.Status)
	}
}
