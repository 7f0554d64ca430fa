// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package endpoint

import "errors"

var (
	// ErrInvalidArgument reports a nil packet sink/source passed to New and
	// then Start, Start called while the engine is already running, or a
	// nil completer passed to Invoke.
	ErrInvalidArgument = errors.New("endpoint: invalid argument")

	// ErrBufferTooSmall reports that tx_payload plus the seqno/endpoint-id
	// header exceeds MTU, or a reply exceeded the caller's rx_buffer.
	ErrBufferTooSmall = errors.New("endpoint: buffer too small")

	// ErrBusy reports Invoke called while both the transmitting slot and
	// the single pending-TX slot are occupied.
	ErrBusy = errors.New("endpoint: busy")

	// ErrCancelled reports a caller-driven cancellation.
	ErrCancelled = errors.New("endpoint: cancelled")

	// ErrClosed reports the underlying packet stream has stopped; terminal
	// for the engine.
	ErrClosed = errors.New("endpoint: closed")

	// ErrNotStarted reports Invoke called before Start.
	ErrNotStarted = errors.New("endpoint: not started")

	// ErrError reports any other transport failure, treated as Closed at
	// engine level, or an expected_acks seqno collision evicting an older
	// still-outstanding operation.
	ErrError = errors.New("endpoint: error")
)
