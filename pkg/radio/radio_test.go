package radio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arribada/horizon-core/internal/bitpack"
	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/internal/sched"
)

// fakeTransport answers every poll with whatever the state machine needs to
// make progress, with a few knobs the tests flip to force error paths.
type fakeTransport struct {
	bootStatus   byte
	sectionCRCs  [3]uint16
	rxStatus     uint32
	rxFrame      []byte
	txFinished   bool
	bursts       []burstCall
	commands     [][]byte
}

type burstCall struct {
	section int
	addr    uint32
	data    []byte
}

func (t *fakeTransport) AcquireSPI() error            { return nil }
func (t *fakeTransport) ReleaseSPI() error            { return nil }
func (t *fakeTransport) SetResetPin(bool) error       { return nil }
func (t *fakeTransport) SetPowerPin(bool) error       { return nil }
func (t *fakeTransport) ReadDSPStatus() (byte, error) { return t.bootStatus, nil }
func (t *fakeTransport) IssueDSPConfig() error        { return nil }

func (t *fakeTransport) BurstWrite(section int, addr uint32, data []byte) error {
	cp := append([]byte(nil), data...)
	t.bursts = append(t.bursts, burstCall{section, addr, cp})
	return nil
}

func (t *fakeTransport) ReadSectionCRC(section int) (uint16, error) {
	return t.sectionCRCs[section], nil
}

func (t *fakeTransport) SendCommand(raw []byte) error {
	t.commands = append(t.commands, raw)
	if len(raw) == 1 && raw[0] == cmdTransmit {
		t.txFinished = true
	}
	return nil
}

func (t *fakeTransport) StatusRegister() (uint32, error) {
	status := StatusIdle | StatusRxCalibDone
	if t.txFinished {
		status |= StatusTxFinished
		t.txFinished = false
	}
	status |= t.rxStatus
	return status, nil
}

func (t *fakeTransport) ReadXMEM(addr uint32, n int) ([]byte, error) {
	return t.rxFrame, nil
}

func newReadyImage() (*FirmwareImage, *fakeTransport) {
	tr := &fakeTransport{bootStatus: dspBootOK}
	img := &FirmwareImage{
		Header: FirmwareHeader{PMEMCRC: 1, XMEMCRC: 2, YMEMCRC: 3},
		XMEM:   []FirmwareRecord{{Address: 0, Data: []byte{0x01, 0x02}}},
		YMEM:   []FirmwareRecord{{Address: 0, Data: []byte{0x03, 0x04}}},
		PMEM:   []FirmwareRecord{{Address: 0, Data: []byte{0x05, 0x06}}},
	}
	tr.sectionCRCs[SectionXMEM] = 2
	tr.sectionCRCs[SectionYMEM] = 3
	tr.sectionCRCs[SectionPMEM] = 1
	return img, tr
}

func bootToIdle(t *testing.T) (*Driver, *sched.Scheduler, *fakeTransport, *[]Event) {
	t.Helper()
	img, tr := newReadyImage()
	sc := sched.New()
	var events []Event
	d := New(sc, tr, 0, func(ev Event, _ interface{}) {
		events = append(events, ev)
	})
	require.NoError(t, d.PowerOn(img))
	sc.Advance(time.Second)
	require.Equal(t, Idle, d.State())
	return d, sc, tr, &events
}

func TestBootSequenceReachesIdle(t *testing.T) {
	_, _, _, events := bootToIdle(t)
	require.Contains(t, *events, EventDeviceReady)
}

func TestFirmwareCRCMismatchEntersStoppedViaError(t *testing.T) {
	img, tr := newReadyImage()
	tr.sectionCRCs[SectionXMEM] = 0xDEAD // no longer matches the header
	sc := sched.New()
	var events []Event
	d := New(sc, tr, 0, func(ev Event, _ interface{}) {
		events = append(events, ev)
	})
	require.NoError(t, d.PowerOn(img))
	sc.Advance(time.Second)

	assert.Equal(t, Stopped, d.State())
	assert.Contains(t, events, EventDeviceError)
	assert.Contains(t, events, EventPowerOff)
}

func TestPowerOnWhileRunningIsRejected(t *testing.T) {
	d, _, _, _ := bootToIdle(t)
	img, _ := newReadyImage()
	assert.Error(t, d.PowerOn(img))
}

// TestSendPreemptsReceiving covers the TX > ACK > RX priority invariant: a
// Send() that arrives mid-receive must bounce the driver out of Receiving
// and into the transmit path on the very next tick, without waiting for an
// unrelated event to notice the queued TX.
func TestSendPreemptsReceiving(t *testing.T) {
	d, _, _, _ := bootToIdle(t)
	d.RequestReceive()
	require.Equal(t, Receiving, d.State())

	d.Send([]byte{0xAA}, 8)
	assert.Equal(t, TransmitPending, d.State())
}

func TestRxPacketDispatchedOnValidMessage(t *testing.T) {
	d, sc, tr, events := bootToIdle(t)

	data := []byte{0xAB, 0xCD}
	sum := crc.Checksum16(data, len(data)*8)
	body := bitpack.NewWriter()
	body.WriteBits(uint64(data[0]), 8)
	body.WriteBits(uint64(data[1]), 8)
	body.WriteBits(uint64(sum), 16)
	header := bitpack.NewWriter()
	header.WriteBits(uint64(body.BitLen()), 24)
	tr.rxFrame = append(header.Bytes(), body.Bytes()...)
	tr.rxStatus = StatusRxValidMessage

	d.RequestReceive()
	sc.RunPending()

	found := false
	for _, ev := range *events {
		if ev == EventRxPacket {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUploadFirmwareOrdersSectionsAndCoalescesBursts(t *testing.T) {
	img, tr := newReadyImage()
	img.XMEM = []FirmwareRecord{
		{Address: 0x10, Data: []byte{0x01, 0x02}},
		{Address: 0x12, Data: []byte{0x03, 0x04}}, // contiguous, must coalesce
		{Address: 0x20, Data: []byte{0x05}},       // gap, must flush first
	}
	sc := sched.New()
	d := New(sc, tr, 0, func(Event, interface{}) {})
	require.NoError(t, d.PowerOn(img))
	sc.Advance(time.Second)
	require.Equal(t, Idle, d.State())

	require.Len(t, tr.bursts, 4)
	assert.Equal(t, SectionXMEM, tr.bursts[0].section)
	assert.Equal(t, uint32(0x10), tr.bursts[0].addr)
	// First two XMEM records are contiguous and byte-reversed, then coalesced.
	assert.Equal(t, []byte{0x02, 0x01, 0x04, 0x03}, tr.bursts[0].data)
	// The address gap at 0x20 forces a flush before the third record.
	assert.Equal(t, SectionXMEM, tr.bursts[1].section)
	assert.Equal(t, uint32(0x20), tr.bursts[1].addr)
	assert.Equal(t, []byte{0x05}, tr.bursts[1].data)
	assert.Equal(t, SectionYMEM, tr.bursts[2].section)
	assert.Equal(t, SectionPMEM, tr.bursts[3].section)
}
