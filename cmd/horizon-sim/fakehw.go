package main

import (
	"encoding/binary"

	"github.com/arribada/horizon-core/internal/bitpack"
	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/pkg/gnss/ubx"
	"github.com/arribada/horizon-core/pkg/radio"
)

// fakeRadioTransport stands in for the coprocessor's SPI link: it answers
// every poll with whatever the driver's state machine needs to make
// forward progress on the next tick, so the simulator can drive the real
// radio.Driver without real hardware underneath it.
type fakeRadioTransport struct {
	header      radio.FirmwareHeader
	rxDelivered bool
	txFinished  bool
}

func (t *fakeRadioTransport) AcquireSPI() error        { return nil }
func (t *fakeRadioTransport) ReleaseSPI() error         { return nil }
func (t *fakeRadioTransport) SetResetPin(bool) error    { return nil }
func (t *fakeRadioTransport) SetPowerPin(bool) error    { return nil }
func (t *fakeRadioTransport) ReadDSPStatus() (byte, error) { return 0x55, nil }
func (t *fakeRadioTransport) IssueDSPConfig() error        { return nil }
func (t *fakeRadioTransport) BurstWrite(int, uint32, []byte) error { return nil }

func (t *fakeRadioTransport) ReadSectionCRC(section int) (uint16, error) {
	switch section {
	case radio.SectionXMEM:
		return t.header.XMEMCRC, nil
	case radio.SectionYMEM:
		return t.header.YMEMCRC, nil
	default:
		return t.header.PMEMCRC, nil
	}
}

func (t *fakeRadioTransport) SendCommand(raw []byte) error {
	if len(raw) == 1 && raw[0] == 0x02 { // cmdTransmit
		t.txFinished = true
	}
	return nil
}

func (t *fakeRadioTransport) StatusRegister() (uint32, error) {
	status := radio.StatusIdle | radio.StatusRxCalibDone
	if t.txFinished {
		status |= radio.StatusTxFinished
		t.txFinished = false
	}
	if !t.rxDelivered {
		status |= radio.StatusRxValidMessage
	}
	return status, nil
}

func (t *fakeRadioTransport) ReadXMEM(addr uint32, n int) ([]byte, error) {
	t.rxDelivered = true
	return sampleArgosRXFrame(), nil
}

// sampleArgosRXFrame builds a minimal, self-consistent Argos RX frame: a
// 24-bit length prefix, two bytes of payload, and the CRC-16 of that
// payload appended so framing.DecodeRX's self-check (crc of the whole
// thing == 0) passes during the demo receive cycle.
func sampleArgosRXFrame() []byte {
	data := []byte{0xAB, 0xCD}
	dataBits := len(data) * 8
	sum := crc.Checksum16(data, dataBits)

	body := bitpack.NewWriter()
	body.WriteBits(uint64(data[0]), 8)
	body.WriteBits(uint64(data[1]), 8)
	body.WriteBits(uint64(sum), 16)

	out := bitpack.NewWriter()
	out.WriteBits(uint64(body.BitLen()), 24)
	return append(out.Bytes(), body.Bytes()...)
}

// gnssFakeTransport stands in for the UART link to the receiver. The
// driver's configure sequence self-acknowledges on a timer (see
// pkg/gnss.performStep), so this transport only needs to accept writes.
type gnssFakeTransport struct {
	baud int
}

func (t *gnssFakeTransport) SetBaud(baud int) error { t.baud = baud; return nil }
func (t *gnssFakeTransport) Write(frame []byte) error { return nil }
func (t *gnssFakeTransport) SetPowerPin(bool) error   { return nil }

// syntheticFixFrames builds one NAV-PVT/NAV-DOP/NAV-STATUS triple sharing
// an iTOW, encoding just enough of the payload for pkg/gnss.DecodePVT/
// DecodeDOP/DecodeStatus to populate a displayable fix -- enough to
// exercise the composite-fix dispatch path end to end in the simulator.
func syntheticFixFrames(itow uint32) []byte {
	le := binary.LittleEndian

	pvt := make([]byte, 92)
	le.PutUint32(pvt[0:4], itow)
	le.PutUint16(pvt[4:6], 2026)
	pvt[6], pvt[7], pvt[8], pvt[9], pvt[10] = 7, 30, 12, 0, 0
	pvt[11] = 0x03 // validDate | validTime
	pvt[20] = 3    // fixType: 3D fix
	pvt[23] = 9    // numSV
	le.PutUint32(pvt[24:28], uint32(int32(-540000000)))
	le.PutUint32(pvt[28:32], uint32(int32(512000000)))
	le.PutUint32(pvt[40:44], 2500) // hAcc mm
	le.PutUint32(pvt[44:48], 4000) // vAcc mm
	le.PutUint16(pvt[76:78], 150)  // pDOP (x100)

	dop := make([]byte, 18)
	le.PutUint32(dop[0:4], itow)
	le.PutUint16(dop[12:14], 120) // hDOP

	status := make([]byte, 12)
	le.PutUint32(status[0:4], itow)
	status[4] = 3 // gpsFix
	le.PutUint32(status[8:12], 900)

	var out []byte
	out = append(out, ubx.Build(0x01, 0x07, pvt)...)
	out = append(out, ubx.Build(0x01, 0x04, dop)...)
	out = append(out, ubx.Build(0x01, 0x03, status)...)
	return out
}
