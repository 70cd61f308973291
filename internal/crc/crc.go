// Package crc implements the two checksum conventions the firmware core
// relies on for wire-level integrity: a running CRC32 (IEEE 802.3
// polynomial, pre/post-complement convention) for OTA image transfer, and a
// CRC-16 with the CCITT polynomial and a zero initial value for Argos
// acknowledgment frames and downlink packet validation.
package crc

import "github.com/arribada/horizon-core/internal/bitpack"

const ieeePoly = 0xEDB88320

var ieeeTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		c := uint32(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = ieeePoly ^ (c >> 1)
			} else {
				c >>= 1
			}
		}
		ieeeTable[i] = c
	}
}

// Running32 accumulates a CRC32 across chunks delivered in arbitrary sizes,
// keeping the accumulator in its complemented (negated) form between calls
// exactly as the OTA updater's m_crc32_calc does: the public value is only
// ever materialized by Sum.
type Running32 struct {
	value uint32
}

// NewRunning32 returns an accumulator primed for a fresh transfer.
func NewRunning32() *Running32 {
	return &Running32{value: 0xFFFFFFFF}
}

// Update folds data into the running checksum.
func (r *Running32) Update(data []byte) {
	v := r.value
	for _, b := range data {
		v = ieeeTable[byte(v)^b] ^ (v >> 8)
	}
	r.value = v
}

// Sum returns the CRC32 of all data seen so far.
func (r *Running32) Sum() uint32 {
	return r.value ^ 0xFFFFFFFF
}

// ChecksumIEEE computes the CRC32 of a single buffer; used by tests and by
// callers that already hold the complete image in memory.
func ChecksumIEEE(data []byte) uint32 {
	r := NewRunning32()
	r.Update(data)
	return r.Sum()
}

// Checksum16 computes the CRC-16 used for Argos ACK frames and downlink
// packet validation: polynomial 0x1021, initial value 0, no reflection, no
// final XOR, computed over the first totalBits bits of data (which need not
// be a whole number of bytes).
func Checksum16(data []byte, totalBits int) uint16 {
	buf := bitpack.ZeroPadFront(data, totalBits)
	var crc uint32
	for _, b := range buf {
		crc ^= uint32(b) << 8
		for i := 0; i < 8; i++ {
			crc <<= 1
			if crc&0x10000 != 0 {
				crc = (crc ^ 0x1021) & 0xFFFF
			}
		}
	}
	return uint16(crc & 0xFFFF)
}

// UBXChecksum computes the two-byte Fletcher-style checksum used to frame
// every UBX message: ck_a, ck_b accumulated over class, id, length and
// payload with 8-bit wraparound arithmetic.
func UBXChecksum(data []byte) (ckA, ckB byte) {
	var a, b byte
	for _, v := range data {
		a += v
		b += a
	}
	return a, b
}
