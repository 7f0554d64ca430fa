// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wireframe

import "errors"

var (
	// ErrInvalidArgument reports a nil transport or a call made while the
	// wrapper/unwrapper is not Idle.
	ErrInvalidArgument = errors.New("wireframe: invalid argument")

	// ErrTooLong reports a payload outside 0..127 bytes.
	ErrTooLong = errors.New("wireframe: payload too long")

	// ErrBufferTooSmall reports that a received LEN exceeds the caller's
	// read buffer.
	ErrBufferTooSmall = errors.New("wireframe: buffer too small for frame")

	// ErrBadFrame reports a payload-CRC mismatch, or a header, payload or
	// trailer read that returned fewer bytes than asked for. A sync-byte or
	// header-CRC mismatch is not reported: PacketUnwrapper discards those 3
	// bytes and restarts the header read. StartRead's completer reports
	// ErrBadFrame for callers that care (e.g. counting rejects for metrics).
	ErrBadFrame = errors.New("wireframe: bad frame")
)
