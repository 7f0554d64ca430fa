// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nettransport adapts a net.Conn into async.AsyncByteSource/
// AsyncByteSink, for links reached over TCP, a Unix socket, or an in-memory
// net.Pipe rather than a physical UART.
//
// net.Conn's Read/Write are blocking with no native cancellation either, but
// unlike a serial port it exposes SetReadDeadline/SetWriteDeadline, so
// cancellation here is immediate: CancelRead/CancelWrite set a deadline in
// the past, which unblocks the pending Read/Write with a timeout error.
package nettransport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"code.motorlink.dev/motorlink/async"
)

// ErrClosed reports that the connection was closed while a transfer was
// pending or being submitted.
var ErrClosed = errors.New("nettransport: closed")

// deadlinePast is used to abort a blocking Read/Write immediately.
var deadlinePast = time.Unix(0, 1)

// Transport adapts one net.Conn into an AsyncByteSource/AsyncByteSink pair.
// The zero value is not usable; construct with New.
type Transport struct {
	conn   net.Conn
	closed atomic.Bool

	readMu      sync.Mutex
	readHandle  async.TransferHandle
	writeMu     sync.Mutex
	writeHandle async.TransferHandle

	Source *async.SingleShotSource
	Sink   *async.SingleShotSink
}

// New wraps conn as a Transport. Reads and writes on conn must not be driven
// by any other caller concurrently with the returned Source/Sink.
func New(conn net.Conn) *Transport {
	t := &Transport{conn: conn}
	t.Source = async.NewSingleShotSource(t.startRead, t.cancelRead)
	t.Sink = async.NewSingleShotSink(t.startWrite, t.cancelWrite)
	return t
}

// Close closes the underlying connection, aborting any in-flight transfer.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}

// startRead accumulates across conn.Read until p is completely full: a
// short read is normal io.Reader/net.Conn behavior (a TCP segment boundary,
// a partially buffered UART byte stream relayed over the wire, etc.), not
// corruption, so the remainder is read again rather than handed upstream
// as a short packet. Mirrors startWrite's accumulation below.
func (t *Transport) startRead(p []byte, h async.TransferHandle, done async.Completer) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.readMu.Lock()
	t.readHandle = h
	t.readMu.Unlock()

	go func() {
		total := 0
		for total < len(p) {
			n, err := t.conn.Read(p[total:])
			if err != nil {
				if t.closed.Load() {
					done(async.Result{Status: async.StatusClosed, N: total})
					return
				}
				if errors.Is(err, net.ErrClosed) {
					done(async.Result{Status: async.StatusClosed, N: total})
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					_ = t.conn.SetReadDeadline(time.Time{})
					done(async.Result{Status: async.StatusCancelled, N: total})
					return
				}
				done(async.Result{Status: async.StatusError, N: total, Err: err})
				return
			}
			total += n
		}
		done(async.Result{Status: async.StatusOK, N: total})
	}()
	return nil
}

func (t *Transport) cancelRead(h async.TransferHandle) {
	t.readMu.Lock()
	active := t.readHandle == h
	t.readMu.Unlock()
	if active {
		_ = t.conn.SetReadDeadline(deadlinePast)
	}
}

// startWrite accumulates across conn.Write until all of p has been written.
func (t *Transport) startWrite(p []byte, h async.TransferHandle, done async.Completer) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writeMu.Lock()
	t.writeHandle = h
	t.writeMu.Unlock()

	go func() {
		total := 0
		for total < len(p) {
			n, err := t.conn.Write(p[total:])
			if err != nil {
				if t.closed.Load() {
					done(async.Result{Status: async.StatusClosed, N: total})
					return
				}
				if errors.Is(err, net.ErrClosed) {
					done(async.Result{Status: async.StatusClosed, N: total})
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					_ = t.conn.SetWriteDeadline(time.Time{})
					done(async.Result{Status: async.StatusCancelled, N: total})
					return
				}
				done(async.Result{Status: async.StatusError, N: total, Err: err})
				return
			}
			if n == 0 {
				done(async.Result{Status: async.StatusError, N: total, Err: io.ErrShortWrite})
				return
			}
			total += n
		}
		done(async.Result{Status: async.StatusOK, N: total})
	}()
	return nil
}

func (t *Transport) cancelWrite(h async.TransferHandle) {
	t.writeMu.Lock()
	active := t.writeHandle == h
	t.writeMu.Unlock()
	if active {
		_ = t.conn.SetWriteDeadline(deadlinePast)
	}
}
