// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package async defines the capability contracts that sit below the wire
// codec and the endpoint engine: a one-shot, single-outstanding-transfer
// byte source and sink. Concrete transports (a UART DMA ring, a USB bulk
// endpoint, an in-memory pipe for tests) implement these two interfaces;
// the core never talks to a transport any other way.
package async

import "errors"

// Status is the terminal outcome of a submitted transfer.
type Status uint8

const (
	// StatusOK means the transfer completed and Result.N bytes were moved.
	StatusOK Status = iota
	// StatusClosed means the underlying transport is gone; terminal.
	StatusClosed
	// StatusCancelled means a Cancel call won the race with completion.
	StatusCancelled
	// StatusError means some other transport failure occurred; Result.Err
	// holds the cause.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusClosed:
		return "closed"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is delivered exactly once to a Completer.
type Result struct {
	Status Status
	// N is the number of bytes actually transferred, i.e. end-ptr minus
	// the region's start.
	N   int
	Err error
}

// Completer is a one-shot continuation. The callee invokes it exactly once,
// from its own event loop, with the final status of a submitted transfer.
type Completer func(Result)

// TransferHandle is an opaque token identifying one in-flight submission.
// It is valid from the moment StartRead/StartWrite returns until the
// Completer fires.
type TransferHandle uint64

// ErrBusy is returned by StartRead/StartWrite when a transfer is already
// outstanding on that instance in that direction.
var ErrBusy = errors.New("async: transfer already in flight")

// AsyncByteSink submits writes one at a time.
type AsyncByteSink interface {
	// StartWrite submits p for transmission. p must not be modified by the
	// caller until done fires. Returns ErrBusy if a write is already
	// outstanding.
	StartWrite(p []byte, done Completer) (TransferHandle, error)
	// CancelWrite requests cancellation of h. The completer still fires,
	// with StatusCancelled or StatusOK if completion won the race.
	CancelWrite(h TransferHandle)
}

// AsyncByteSource submits reads one at a time.
type AsyncByteSource interface {
	// StartRead submits p to be filled by the next incoming data. Returns
	// ErrBusy if a read is already outstanding.
	StartRead(p []byte, done Completer) (TransferHandle, error)
	// CancelRead requests cancellation of h.
	CancelRead(h TransferHandle)
}
