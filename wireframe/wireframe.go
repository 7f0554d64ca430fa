// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package wireframe adapts an unreliable byte-oriented link
// (async.AsyncByteSink / async.AsyncByteSource) into a datagram-oriented
// one (PacketSink / PacketSource) by adding a length-prefixed, CRC-protected
// header and trailer.
//
// Wire format, fixed (no options — every byte on the wire is exactly this):
//
//	[0]            SYNC     = 0xAA
//	[1]            LEN      = payload length, 0..127 (bit 7 reserved, must be 0)
//	[2]            HDR_CRC8 = crc.HeaderCRC8(SYNC, LEN)
//	[3 .. 3+LEN-1] payload
//	[3+LEN, +1]    CRC16 over payload, MSB first
//
// PacketWrapper and PacketUnwrapper never resynchronize by shifting a byte
// at a time after a bad header: on a sync or header-CRC mismatch they
// discard exactly the 3 bytes read and restart the 3-byte header read. This
// is correct only because the transports underneath are either
// datagram-aligned or polled from a ring with known boundaries — see
// DESIGN.md.
package wireframe

import (
	"code.motorlink.dev/motorlink/async"
	"code.motorlink.dev/motorlink/crc"
)

const (
	// Sync is the fixed first byte of every frame.
	Sync byte = 0xAA

	// HeaderLen is the number of bytes in [SYNC, LEN, HDR_CRC].
	HeaderLen = 3
	// TrailerLen is the number of CRC-16 trailer bytes.
	TrailerLen = 2
	// MaxPayload is the largest payload the wire format can carry (LEN is
	// a 7-bit field; bit 7 is reserved and must be zero).
	MaxPayload = 127
)

type wrapState uint8

const (
	wrapIdle wrapState = iota
	wrapSendingHeader
	wrapSendingPayload
	wrapSendingTrailer
	wrapCancelling
)

// PacketWrapper turns an async.AsyncByteSink into a PacketSink: one
// StartWrite call transmits exactly one complete, framed packet.
//
// Not safe for concurrent use — callers must serialize StartWrite/CancelWrite,
// the same single-outstanding-transfer contract the byte sink beneath it
// upholds. In this module it is only ever driven from an EndpointProtocol's
// owning goroutine.
type PacketWrapper struct {
	sink async.AsyncByteSink

	state   wrapState
	header  [HeaderLen]byte
	trailer [TrailerLen]byte
	payload []byte
	done    async.Completer
	handle  async.TransferHandle
	seq     async.TransferHandle
}

// NewPacketWrapper returns a PacketWrapper writing framed packets to sink.
func NewPacketWrapper(sink async.AsyncByteSink) *PacketWrapper {
	return &PacketWrapper{sink: sink}
}

// StartWrite transmits payload as one framed packet. done fires exactly
// once with the final status once the header, payload, and trailer have
// all been written (or the attempt was aborted). The returned handle
// identifies this packet write for CancelWrite, mirroring the byte-sink
// contract beneath it.
func (w *PacketWrapper) StartWrite(payload []byte, done async.Completer) (async.TransferHandle, error) {
	if w.sink == nil || done == nil {
		return 0, ErrInvalidArgument
	}
	if w.state != wrapIdle {
		return 0, ErrInvalidArgument
	}
	if len(payload) > MaxPayload {
		return 0, ErrTooLong
	}

	w.payload = payload
	w.done = done
	w.header[0] = Sync
	w.header[1] = byte(len(payload))
	w.header[2] = crc.HeaderCRC8(w.header[0], w.header[1])
	sum := crc.PayloadCRC16(payload)
	w.trailer[0] = byte(sum >> 8)
	w.trailer[1] = byte(sum)

	w.seq++
	ownHandle := w.seq
	w.state = wrapSendingHeader
	if err := w.submit(w.header[:]); err != nil {
		return 0, err
	}
	return ownHandle, nil
}

// CancelWrite requests cancellation of the in-flight packet write
// identified by h, if it is still outstanding.
func (w *PacketWrapper) CancelWrite(h async.TransferHandle) {
	if w.state == wrapIdle || w.state == wrapCancelling || h != w.seq {
		return
	}
	w.state = wrapCancelling
	w.sink.CancelWrite(w.handle)
}

// submit is only used for the very first inner transfer of an operation,
// before StartWrite has returned to its caller: on failure here the packet
// write never began, so it fails synchronously and the completer must not
// fire (it will never fire for this handle).
func (w *PacketWrapper) submit(p []byte) error {
	h, err := w.sink.StartWrite(p, w.onInnerDone)
	if err != nil {
		w.reset()
		return err
	}
	w.handle = h
	return nil
}

func (w *PacketWrapper) onInnerDone(r async.Result) {
	if w.state == wrapCancelling {
		w.finish(r)
		return
	}
	if r.Status != async.StatusOK {
		w.finish(r)
		return
	}

	switch w.state {
	case wrapSendingHeader:
		if r.N != HeaderLen {
			w.finish(async.Result{Status: async.StatusError, Err: ErrInvalidArgument})
			return
		}
		if len(w.payload) == 0 {
			w.state = wrapSendingTrailer
			w.submitNext(w.trailer[:])
			return
		}
		w.state = wrapSendingPayload
		w.submitNext(w.payload)
	case wrapSendingPayload:
		if r.N != len(w.payload) {
			w.finish(async.Result{Status: async.StatusError, Err: ErrInvalidArgument})
			return
		}
		w.state = wrapSendingTrailer
		w.submitNext(w.trailer[:])
	case wrapSendingTrailer:
		if r.N != TrailerLen {
			w.finish(async.Result{Status: async.StatusError, Err: ErrInvalidArgument})
			return
		}
		w.finish(async.Result{Status: async.StatusOK, N: len(w.payload)})
	default:
		w.finish(r)
	}
}

// submitNext re-submits to the sink from within a completion callback,
// finishing the operation with the inner error if the resubmission itself
// is rejected.
func (w *PacketWrapper) submitNext(p []byte) {
	h, err := w.sink.StartWrite(p, w.onInnerDone)
	if err != nil {
		w.finish(async.Result{Status: async.StatusError, Err: err})
		return
	}
	w.handle = h
}

func (w *PacketWrapper) finish(r async.Result) {
	done := w.done
	w.reset()
	if done != nil {
		done(r)
	}
}

func (w *PacketWrapper) reset() {
	w.state = wrapIdle
	w.payload = nil
	w.done = nil
}

type unwrapState uint8

const (
	unwrapIdle unwrapState = iota
	unwrapReadingHeader
	unwrapReadingPayload
	unwrapReadingTrailer
	unwrapCancelling
)

// PacketUnwrapper turns an async.AsyncByteSource into a PacketSource: one
// StartRead call delivers exactly one complete, validated packet payload
// into the caller's buffer.
//
// Not safe for concurrent use (see PacketWrapper).
type PacketUnwrapper struct {
	source async.AsyncByteSource

	state   unwrapState
	header  [HeaderLen]byte
	trailer [TrailerLen]byte
	length  int
	buf     []byte
	done    async.Completer
	handle  async.TransferHandle
	seq     async.TransferHandle
}

// NewPacketUnwrapper returns a PacketUnwrapper reading framed packets from source.
func NewPacketUnwrapper(source async.AsyncByteSource) *PacketUnwrapper {
	return &PacketUnwrapper{source: source}
}

// StartRead reads one complete framed packet into buf. done fires exactly
// once; on success, Result.N is the payload length and buf[:N] holds the
// payload. The returned handle identifies this packet read for CancelRead.
func (u *PacketUnwrapper) StartRead(buf []byte, done async.Completer) (async.TransferHandle, error) {
	if u.source == nil || done == nil {
		return 0, ErrInvalidArgument
	}
	if u.state != unwrapIdle {
		return 0, ErrInvalidArgument
	}
	u.buf = buf
	u.done = done
	u.seq++
	ownHandle := u.seq
	u.state = unwrapReadingHeader
	if err := u.submitHeaderInitial(); err != nil {
		return 0, err
	}
	return ownHandle, nil
}

// CancelRead requests cancellation of the in-flight packet read identified
// by h, if it is still outstanding.
func (u *PacketUnwrapper) CancelRead(h async.TransferHandle) {
	if u.state == unwrapIdle || u.state == unwrapCancelling || h != u.seq {
		return
	}
	u.state = unwrapCancelling
	u.source.CancelRead(u.handle)
}

// submitHeaderInitial is used only for the first inner transfer of a
// StartRead call, before StartRead has returned to its caller: on failure
// the read never began, so the error is returned synchronously and the
// completer must not fire.
func (u *PacketUnwrapper) submitHeaderInitial() error {
	h, err := u.source.StartRead(u.header[:], u.onHeaderDone)
	if err != nil {
		u.reset()
		return err
	}
	u.handle = h
	return nil
}

// resyncHeader restarts the 3-byte header read after a bad frame. Unlike
// submitHeaderInitial, StartRead has already returned successfully at this
// point, so a resubmission failure must be reported through the completer.
func (u *PacketUnwrapper) resyncHeader() {
	h, err := u.source.StartRead(u.header[:], u.onHeaderDone)
	if err != nil {
		u.finish(async.Result{Status: async.StatusError, Err: err})
		return
	}
	u.handle = h
}

func (u *PacketUnwrapper) onHeaderDone(r async.Result) {
	if u.state == unwrapCancelling {
		u.finish(r)
		return
	}
	if r.Status != async.StatusOK {
		u.finish(r)
		return
	}
	if r.N != HeaderLen {
		u.finish(async.Result{Status: async.StatusError, Err: ErrBadFrame})
		return
	}

	if u.header[0] != Sync || u.header[1]&0x80 != 0 || u.header[2] != crc.HeaderCRC8(u.header[0], u.header[1]) {
		// Bad frame: discard these 3 bytes and restart the header read
		// without shifting a byte at a time (see package doc).
		u.resyncHeader()
		return
	}

	u.length = int(u.header[1])
	if u.length > len(u.buf) {
		u.finish(async.Result{Status: async.StatusError, Err: ErrBufferTooSmall})
		return
	}

	if u.length == 0 {
		u.state = unwrapReadingTrailer
		u.submitNext(u.trailer[:], u.onTrailerDone)
		return
	}
	u.state = unwrapReadingPayload
	u.submitNext(u.buf[:u.length], u.onPayloadDone)
}

func (u *PacketUnwrapper) onPayloadDone(r async.Result) {
	if u.state == unwrapCancelling {
		u.finish(r)
		return
	}
	if r.Status != async.StatusOK {
		u.finish(r)
		return
	}
	if r.N != u.length {
		u.finish(async.Result{Status: async.StatusError, Err: ErrBadFrame})
		return
	}
	u.state = unwrapReadingTrailer
	u.submitNext(u.trailer[:], u.onTrailerDone)
}

func (u *PacketUnwrapper) onTrailerDone(r async.Result) {
	if u.state == unwrapCancelling {
		u.finish(r)
		return
	}
	if r.Status != async.StatusOK {
		u.finish(r)
		return
	}
	if r.N != TrailerLen {
		u.finish(async.Result{Status: async.StatusError, Err: ErrBadFrame})
		return
	}
	got := uint16(u.trailer[0])<<8 | uint16(u.trailer[1])
	want := crc.PayloadCRC16(u.buf[:u.length])
	if got != want {
		u.finish(async.Result{Status: async.StatusError, Err: ErrBadFrame})
		return
	}
	u.finish(async.Result{Status: async.StatusOK, N: u.length})
}

func (u *PacketUnwrapper) submitNext(p []byte, cb func(async.Result)) {
	h, err := u.source.StartRead(p, cb)
	if err != nil {
		u.finish(async.Result{Status: async.StatusError, Err: err})
		return
	}
	u.handle = h
}

func (u *PacketUnwrapper) finish(r async.Result) {
	done := u.done
	u.reset()
	if done != nil {
		done(r)
	}
}

func (u *PacketUnwrapper) reset() {
	u.state = unwrapIdle
	u.buf = nil
	u.done = nil
	u.length = 0
}
