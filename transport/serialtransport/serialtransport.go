// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package serialtransport adapts a go.bug.st/serial port into
// async.AsyncByteSource/AsyncByteSink, the byte-level contract the rest of
// this module is built on.
//
// go.bug.st/serial's Port.Read/Write are blocking calls with no native
// cancellation; this package makes reads interruptible by setting a short
// read timeout on the port and polling a per-call cancellation flag between
// timeouts, adapted to a one-shot completion instead of a continuous
// callback loop.
package serialtransport

import (
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"code.motorlink.dev/motorlink/async"
)

// pollInterval bounds how long a cancelled read or a port Close takes to be
// observed by the goroutine blocked in Port.Read.
const pollInterval = 100 * time.Millisecond

// ErrClosed reports that the port was closed while a transfer was pending
// or being submitted.
var ErrClosed = errors.New("serialtransport: closed")

// cancelFlag records which in-flight read a pending cancellation applies to.
type cancelFlag struct {
	handle async.TransferHandle
	flag   *atomic.Bool
}

// Transport adapts one open serial.Port into an AsyncByteSource/AsyncByteSink
// pair. The zero value is not usable; construct with Open.
type Transport struct {
	port   serial.Port
	logger *log.Logger
	closed atomic.Bool

	readCancelMu sync.Mutex
	readCancel   cancelFlag

	Source *async.SingleShotSource
	Sink   *async.SingleShotSink
}

// Open opens devicePath with mode and wraps it as a Transport. logger may be
// nil, in which case transfer errors are not logged.
func Open(devicePath string, mode *serial.Mode, logger *log.Logger) (*Transport, error) {
	port, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(pollInterval); err != nil {
		_ = port.Close()
		return nil, err
	}

	t := &Transport{port: port, logger: logger}
	t.Source = async.NewSingleShotSource(t.startRead, t.cancelRead)
	t.Sink = async.NewSingleShotSink(t.startWrite, t.cancelWrite)
	return t, nil
}

// Close closes the underlying port. Any transfer in flight observes it
// within pollInterval and completes with async.StatusClosed.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return t.port.Close()
}

func (t *Transport) startRead(p []byte, h async.TransferHandle, done async.Completer) error {
	if t.closed.Load() {
		return ErrClosed
	}
	var cancelled atomic.Bool
	t.registerReadCancel(h, &cancelled)
	go t.readLoop(p, &cancelled, done)
	return nil
}

// readLoop blocks in Port.Read, accumulating into p until it is completely
// full: a single OS-level read can return fewer bytes than requested (that
// is normal, expected short-read behavior, not corruption), so this loops,
// calling Read again for the remainder instead of handing a partial buffer
// upstream.
// Port.Read also returns (0, nil) on its configured read timeout rather than
// an error; that gives this loop a chance to notice cancellation or port
// closure without a true cancellable read.
func (t *Transport) readLoop(p []byte, cancelled *atomic.Bool, done async.Completer) {
	total := 0
	for total < len(p) {
		if cancelled.Load() {
			done(async.Result{Status: async.StatusCancelled, N: total})
			return
		}
		if t.closed.Load() {
			done(async.Result{Status: async.StatusClosed, N: total})
			return
		}
		n, err := t.port.Read(p[total:])
		if err != nil {
			if t.logger != nil {
				t.logger.Printf("serialtransport: read error: %v", err)
			}
			if t.closed.Load() {
				done(async.Result{Status: async.StatusClosed, N: total})
				return
			}
			done(async.Result{Status: async.StatusError, N: total, Err: err})
			return
		}
		total += n
		// n == 0, err == nil: read timeout, loop and re-check cancellation.
	}
	done(async.Result{Status: async.StatusOK, N: total})
}

// startWrite accumulates across Port.Write the same way readLoop accumulates
// across Port.Read: a short write is valid io.Writer behavior, not failure,
// so the remainder is resubmitted rather than reported as done early.
func (t *Transport) startWrite(p []byte, h async.TransferHandle, done async.Completer) error {
	if t.closed.Load() {
		return ErrClosed
	}
	go func() {
		total := 0
		for total < len(p) {
			if t.closed.Load() {
				done(async.Result{Status: async.StatusClosed, N: total})
				return
			}
			n, err := t.port.Write(p[total:])
			if err != nil {
				if t.logger != nil {
					t.logger.Printf("serialtransport: write error: %v", err)
				}
				if t.closed.Load() {
					done(async.Result{Status: async.StatusClosed, N: total})
					return
				}
				done(async.Result{Status: async.StatusError, N: total, Err: err})
				return
			}
			if n == 0 {
				// Guards against a Writer that violates the io.Writer
				// contract by returning (0, nil) on a non-empty buffer;
				// without this the loop could spin indefinitely.
				done(async.Result{Status: async.StatusError, N: total, Err: io.ErrShortWrite})
				return
			}
			total += n
		}
		done(async.Result{Status: async.StatusOK, N: total})
	}()
	return nil
}

// cancelWrite is a no-op: go.bug.st/serial offers no way to interrupt a
// write already handed to the driver.
func (t *Transport) cancelWrite(async.TransferHandle) {}

func (t *Transport) registerReadCancel(h async.TransferHandle, cancelled *atomic.Bool) {
	t.readCancelMu.Lock()
	t.readCancel = cancelFlag{handle: h, flag: cancelled}
	t.readCancelMu.Unlock()
}

func (t *Transport) cancelRead(h async.TransferHandle) {
	t.readCancelMu.Lock()
	f := t.readCancel
	t.readCancelMu.Unlock()
	if f.handle == h && f.flag != nil {
		f.flag.Store(true)
	}
}
