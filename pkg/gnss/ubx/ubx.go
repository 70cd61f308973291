// Package ubx implements framing for the u-blox UBX binary protocol: a
// streaming parser that recovers every valid frame from a byte stream
// possibly interleaved with noise, and a frame builder for outbound
// VALSET/VALGET/MGA messages.
package ubx

import (
	"encoding/binary"

	"github.com/arribada/horizon-core/internal/crc"
)

const (
	sync1 = 0xB5
	sync2 = 0x62

	headerLen   = 6 // sync1, sync2, class, id, length(2)
	checksumLen = 2
)

// Frame is one decoded UBX message.
type Frame struct {
	Class   byte
	ID      byte
	Payload []byte
}

// Build assembles a complete UBX frame: sync bytes, class, id,
// little-endian length, payload, and the Fletcher-style checksum over
// class||id||length||payload.
func Build(class, id byte, payload []byte) []byte {
	body := make([]byte, 4+len(payload))
	body[0] = class
	body[1] = id
	binary.LittleEndian.PutUint16(body[2:4], uint16(len(payload)))
	copy(body[4:], payload)

	ckA, ckB := crc.UBXChecksum(body)

	out := make([]byte, 0, 2+len(body)+2)
	out = append(out, sync1, sync2)
	out = append(out, body...)
	out = append(out, ckA, ckB)
	return out
}

// Parser recovers UBX frames from a byte stream that may straddle
// multiple DMA segments: feed it bytes as they arrive and drain Frames()
// for every complete, checksum-valid frame found so far.
type Parser struct {
	buf []byte
}

// Feed appends newly received bytes to the rolling buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Frames extracts every complete valid frame currently in the buffer,
// per §4.5.1's scan/resync algorithm: on a sync mismatch or checksum
// failure, the scan restarts one byte past the most recent sync1
// candidate. A frame whose header or declared length runs past the
// available bytes is treated as incomplete: its bytes are retained for
// the next Feed.
func (p *Parser) Frames() []Frame {
	var out []Frame
	i := 0
	for {
		s := indexSync(p.buf, i)
		if s < 0 {
			p.buf = nil
			return out
		}
		if s+1 >= len(p.buf) {
			p.buf = p.buf[s:]
			return out
		}
		if p.buf[s+1] != sync2 {
			i = s + 1
			continue
		}
		if s+headerLen > len(p.buf) {
			p.buf = p.buf[s:]
			return out
		}
		length := int(binary.LittleEndian.Uint16(p.buf[s+4 : s+6]))
		total := headerLen + length + checksumLen
		if s+total > len(p.buf) {
			p.buf = p.buf[s:]
			return out
		}

		body := p.buf[s+2 : s+headerLen+length]
		wantA, wantB := crc.UBXChecksum(body)
		gotA, gotB := p.buf[s+headerLen+length], p.buf[s+headerLen+length+1]
		if gotA != wantA || gotB != wantB {
			i = s + 1
			continue
		}

		payload := append([]byte(nil), p.buf[s+headerLen:s+headerLen+length]...)
		out = append(out, Frame{Class: p.buf[s+2], ID: p.buf[s+3], Payload: payload})
		i = s + total
	}
}

func indexSync(buf []byte, from int) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == sync1 {
			return i
		}
	}
	return -1
}
