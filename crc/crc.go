// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package crc implements the two fixed-polynomial checksums used by the
// wire format: an 8-bit header check and a 16-bit payload check. Both are
// non-reflected (MSB-first) with no final XOR, matching the wire format's
// CRC parameters exactly.
//
// Tables are built once at init time the same way the standard library's
// hash/crc32 builds its tables, rather than hand-transcribed as a literal
// array: the polynomials here (0x37, 0x3D65) are project-specific, not one
// of the handful of reflected, well-known polynomials normally shipped as a
// pre-computed constant table.
package crc

const (
	// Poly8 is the CRC-8 polynomial used for the 3-byte packet header.
	Poly8 byte = 0x37
	// Init8 is the CRC-8 initial register value.
	Init8 byte = 0x42

	// Poly16 is the CRC-16 polynomial used for the payload trailer.
	Poly16 uint16 = 0x3D65
	// Init16 is the CRC-16 initial register value.
	Init16 uint16 = 0x1337
)

var table8 [256]byte
var table16 [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := byte(i)
		for b := 0; b < 8; b++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ Poly8
			} else {
				crc <<= 1
			}
		}
		table8[i] = crc
	}
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ Poly16
			} else {
				crc <<= 1
			}
		}
		table16[i] = crc
	}
}

// Checksum8 computes the CRC-8 (poly 0x37, init 0x42, no reflection, no
// final XOR) over data, continuing from crc (pass Init8 to start a new
// checksum).
func Checksum8(crc byte, data []byte) byte {
	for _, b := range data {
		crc = table8[crc^b]
	}
	return crc
}

// Checksum16 computes the CRC-16 (poly 0x3D65, init 0x1337, no reflection,
// no final XOR) over data, continuing from crc (pass Init16 to start a new
// checksum).
func Checksum16(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = (crc << 8) ^ table16[byte(crc>>8)^b]
	}
	return crc
}

// HeaderCRC8 computes the header check over [sync, len].
func HeaderCRC8(sync, length byte) byte {
	return Checksum8(Init8, []byte{sync, length})
}

// PayloadCRC16 computes the trailer check over a payload.
func PayloadCRC16(payload []byte) uint16 {
	return Checksum16(Init16, payload)
}
