// Package framing implements bit-exact Argos A2/A3 frame encoding and
// decoding for the satellite radio driver: TX payload framing, downlink
// ACK frame assembly, and RX packet validation.
package framing

import (
	"github.com/arribada/horizon-core/internal/bitpack"
	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/internal/errs"
)

// Mode selects the Argos protocol variant, which changes the tail-bit
// table used after payload+stuffing.
type Mode int

const (
	A2 Mode = iota
	A3
)

const serviceID = 0x00EBA

var lengthCodeTable = [8]uint64{0, 3, 5, 6, 9, 10, 12, 15}
var a3TailBitsTable = [8]int{7, 8, 9, 7, 8, 9, 7, 8}

// stuffingFor returns the zero-stuffing bit count needed so that
// payloadBits+8 lands on a 32-bit boundary, and the table index derived
// from it.
func stuffingFor(payloadBits int) (stuffing int, index int) {
	total := payloadBits + 8
	stuffing = (32 - total%32) % 32
	index = (stuffing + payloadBits - 8) / 32
	return stuffing, index
}

// EncodeTX assembles a complete Argos TX frame: a 24-bit total-bit-count
// prefix, 4-bit length code, 28-bit device id, payload bits MSB-first,
// zero stuffing to a 32-bit boundary, mode-dependent tail bits, and
// trailing zero padding to a multiple of 3 bytes (the coprocessor's XMEM
// word size).
func EncodeTX(payload []byte, payloadBits int, deviceID uint32, mode Mode) ([]byte, error) {
	if payloadBits < 0 || payloadBits > len(payload)*8 {
		return nil, errs.New(errs.KindInval, "framing: payload_bits out of range")
	}
	stuffing, index := stuffingFor(payloadBits)
	if index < 0 || index >= len(lengthCodeTable) {
		return nil, errs.New(errs.KindInval, "framing: payload too large for length-code table")
	}

	body := bitpack.NewWriter()
	body.WriteBits(lengthCodeTable[index], 4)
	body.WriteBits(uint64(deviceID&0x0FFFFFFF), 28)
	appendBits(body, payload, payloadBits)
	body.WriteZeros(stuffing)

	var tail int
	if mode == A3 {
		tail = a3TailBitsTable[index]
	}
	body.WriteZeros(tail)

	totalBits := body.BitLen()
	out := bitpack.NewWriter()
	out.WriteBits(uint64(totalBits), 24)
	outBytes := append(out.Bytes(), body.Bytes()...)

	for len(outBytes)%3 != 0 {
		outBytes = append(outBytes, 0)
	}
	return outBytes, nil
}

func appendBits(w *bitpack.Writer, data []byte, nbits int) {
	r := bitpack.NewReader(data)
	for i := 0; i < nbits; i++ {
		w.WriteBits(r.ReadBits(1), 1)
	}
}

// ACKFields carries the downlink acknowledgment's variable fields.
type ACKFields struct {
	ADCS       uint8  // 4 bits
	DeviceID   uint32 // 28 bits
	DLMsgID    uint16 // 16 bits
	ExecReport uint8  // 4 bits
}

// EncodeACK assembles the fixed-layout downlink ACK frame per §4.4.4: a
// 24-bit length, the 4-bit fixed length code 5, 20-bit service id, the
// CRC-16-CCITT-false of the fields block, the fields themselves again,
// and mode-dependent tail bits (7 for A3, 0 otherwise).
func EncodeACK(f ACKFields, mode Mode) []byte {
	fields := bitpack.NewWriter()
	fields.WriteBits(uint64(serviceID), 20)
	fields.WriteBits(uint64(f.ADCS), 4)
	fields.WriteBits(uint64(f.DeviceID&0x0FFFFFFF), 28)
	fields.WriteBits(uint64(f.DLMsgID), 16)
	fields.WriteBits(uint64(f.ExecReport), 4)
	fields.WriteZeros(28)
	fieldsBits := fields.BitLen()
	sum := crc.Checksum16(fields.Bytes(), fieldsBits)

	body := bitpack.NewWriter()
	body.WriteBits(5, 4)
	body.WriteBits(uint64(serviceID), 20)
	body.WriteBits(uint64(sum), 16)
	body.WriteBits(uint64(serviceID), 20)
	body.WriteBits(uint64(f.ADCS), 4)
	body.WriteBits(uint64(f.DeviceID&0x0FFFFFFF), 28)
	body.WriteBits(uint64(f.DLMsgID), 16)
	body.WriteBits(uint64(f.ExecReport), 4)
	body.WriteZeros(28)

	tail := 0
	if mode == A3 {
		tail = 7
	}
	body.WriteZeros(tail)

	out := bitpack.NewWriter()
	out.WriteBits(uint64(body.BitLen()), 24)
	return append(out.Bytes(), body.Bytes()...)
}

// MinRXBits/MaxRXBits bound a plausible RX payload length, rejecting
// corrupt length headers before they're used to size a read.
const (
	MinRXBits = 8
	MaxRXBits = 8 * 256
)

// DecodeRX parses a received XMEM region: a 24-bit MSB-first bit-count
// prefix followed by that many bits, the last 16 of which are a trailing
// CRC-16-CCITT-false; the checksum computed over all of them, CRC
// included, must be zero, which indicates integrity per §4.4.5. The
// returned payload and bit count include the trailing CRC.
func DecodeRX(raw []byte) (payload []byte, payloadBits int, err error) {
	r := bitpack.NewReader(raw)
	lengthBits := int(r.ReadBits(24))
	if lengthBits < MinRXBits || lengthBits > MaxRXBits {
		return nil, 0, errs.New(errs.KindCorrupt, "framing: rx length out of range")
	}

	w := bitpack.NewWriter()
	for i := 0; i < lengthBits; i++ {
		w.WriteBits(r.ReadBits(1), 1)
	}
	payload = w.Bytes()

	crcBits := lengthBits
	if crc.Checksum16(payload, crcBits) != 0 {
		return nil, 0, errs.New(errs.KindCRCError, "framing: rx crc check failed")
	}
	return payload, lengthBits, nil
}
