// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package async

import "sync"

// SingleShotSink wraps an AsyncByteSink-shaped pump function pair and
// enforces the "at most one outstanding transfer" invariant that every
// AsyncByteSink implementation in this module must uphold. Transport
// adapters (serialtransport, nettransport) embed one of these rather than
// re-deriving the bookkeeping themselves.
type SingleShotSink struct {
	mu      sync.Mutex
	pending bool
	handle  TransferHandle
	next    TransferHandle

	start  func(p []byte, h TransferHandle, done Completer) error
	cancel func(h TransferHandle)
}

// NewSingleShotSink builds a SingleShotSink around the transport-specific
// start/cancel primitives.
func NewSingleShotSink(start func(p []byte, h TransferHandle, done Completer) error, cancel func(h TransferHandle)) *SingleShotSink {
	return &SingleShotSink{start: start, cancel: cancel}
}

// StartWrite implements AsyncByteSink.
func (s *SingleShotSink) StartWrite(p []byte, done Completer) (TransferHandle, error) {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return 0, ErrBusy
	}
	s.next++
	h := s.next
	s.pending = true
	s.handle = h
	s.mu.Unlock()

	wrapped := func(r Result) {
		s.mu.Lock()
		if s.pending && s.handle == h {
			s.pending = false
		}
		s.mu.Unlock()
		done(r)
	}
	if err := s.start(p, h, wrapped); err != nil {
		s.mu.Lock()
		if s.pending && s.handle == h {
			s.pending = false
		}
		s.mu.Unlock()
		return 0, err
	}
	return h, nil
}

// CancelWrite implements AsyncByteSink.
func (s *SingleShotSink) CancelWrite(h TransferHandle) {
	s.mu.Lock()
	active := s.pending && s.handle == h
	s.mu.Unlock()
	if active {
		s.cancel(h)
	}
}

// SingleShotSource is the read-side counterpart of SingleShotSink.
type SingleShotSource struct {
	mu      sync.Mutex
	pending bool
	handle  TransferHandle
	next    TransferHandle

	start  func(p []byte, h TransferHandle, done Completer) error
	cancel func(h TransferHandle)
}

// NewSingleShotSource builds a SingleShotSource around transport-specific primitives.
func NewSingleShotSource(start func(p []byte, h TransferHandle, done Completer) error, cancel func(h TransferHandle)) *SingleShotSource {
	return &SingleShotSource{start: start, cancel: cancel}
}

// StartRead implements AsyncByteSource.
func (s *SingleShotSource) StartRead(p []byte, done Completer) (TransferHandle, error) {
	s.mu.Lock()
	if s.pending {
		s.mu.Unlock()
		return 0, ErrBusy
	}
	s.next++
	h := s.next
	s.pending = true
	s.handle = h
	s.mu.Unlock()

	wrapped := func(r Result) {
		s.mu.Lock()
		if s.pending && s.handle == h {
			s.pending = false
		}
		s.mu.Unlock()
		done(r)
	}
	if err := s.start(p, h, wrapped); err != nil {
		s.mu.Lock()
		if s.pending && s.handle == h {
			s.pending = false
		}
		s.mu.Unlock()
		return 0, err
	}
	return h, nil
}

// CancelRead implements AsyncByteSource.
func (s *SingleShotSource) CancelRead(h TransferHandle) {
	s.mu.Lock()
	active := s.pending && s.handle == h
	s.mu.Unlock()
	if active {
		s.cancel(h)
	}
}
