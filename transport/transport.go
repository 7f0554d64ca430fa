// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport composes the wireframe codec below the endpoint engine
// so the stack can run over any byte-oriented async.AsyncByteSource/
// AsyncByteSink — a real serial port (transport/serialtransport), a
// net.Conn (transport/nettransport), or an in-memory fake for tests. A
// parallel Packet Transport Adapter bypasses the codec for links that are
// already datagram-shaped.
package transport

import (
	"code.motorlink.dev/motorlink/async"
	"code.motorlink.dev/motorlink/endpoint"
	"code.motorlink.dev/motorlink/wireframe"
)

// NewStream wires a wireframe.PacketWrapper/PacketUnwrapper pair below the
// endpoint engine, adapting an unreliable byte stream into the datagram
// contract EndpointProtocol expects.
func NewStream(source async.AsyncByteSource, sink async.AsyncByteSink) (endpoint.PacketSource, endpoint.PacketSink) {
	return wireframe.NewPacketUnwrapper(source), wireframe.NewPacketWrapper(sink)
}

// NewPacket passes an already datagram-shaped byte source/sink straight
// through as the packet contract, unmodified — for links like a USB bulk
// endpoint that already deliver one message per transfer and need no
// framing. async.AsyncByteSource/AsyncByteSink and endpoint.PacketSource/
// PacketSink share the same method shapes by design, so this is a pure
// type-level pass-through.
func NewPacket(source async.AsyncByteSource, sink async.AsyncByteSink) (endpoint.PacketSource, endpoint.PacketSink) {
	return source, sink
}
