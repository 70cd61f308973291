// Package radio implements the satellite radio driver: a cooperative
// state machine driving a dual-interrupt SPI coprocessor through power-on,
// firmware upload, and the Argos TX/ACK/RX cycle.
package radio

import (
	"time"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/errs"
	"github.com/arribada/horizon-core/internal/sched"
	"github.com/arribada/horizon-core/pkg/radio/framing"
)

// State is one node of the cooperative state machine in §4.4.1.
type State int

const (
	Stopped State = iota
	Starting
	PoweringOn
	ResetAssert
	ResetDeassert
	DSPReset
	SendFirmwareImage
	WaitFirmwareReady
	CheckFirmwareCRC
	IdlePending
	Idle
	ReceivePending
	Receiving
	TransmitPending
	Transmitting
	Error
)

// Status register bits the coprocessor reports.
const (
	StatusIdle            uint32 = 1 << 0
	StatusRxCalibDone     uint32 = 1 << 1
	StatusTxFinished      uint32 = 1 << 2
	StatusRxInProgress    uint32 = 1 << 3
	StatusTxInProgress    uint32 = 1 << 4
	StatusRxValidMessage  uint32 = 1 << 5
)

const (
	dspBootOK = 0x55

	powerOnMs  = 200 * time.Millisecond
	resetMs    = 10 * time.Millisecond
	bootMs     = 100 * time.Millisecond
	maxBurstBytes = 60
)

// Transport abstracts the SPI link to the coprocessor so the state
// machine is testable against a fake.
type Transport interface {
	AcquireSPI() error
	ReleaseSPI() error
	SetResetPin(asserted bool) error
	SetPowerPin(on bool) error
	ReadDSPStatus() (byte, error)
	StatusRegister() (uint32, error)
	BurstWrite(section int, startAddress uint32, data []byte) error
	IssueDSPConfig() error
	ReadSectionCRC(section int) (uint16, error)
	SendCommand(raw []byte) error
	ReadXMEM(addr uint32, n int) ([]byte, error)
}

// Firmware section ordering and identifiers, per §4.4.2.
const (
	SectionXMEM = iota
	SectionYMEM
	SectionPMEM
)

// FirmwareHeader carries the per-section length/CRC the image declares.
type FirmwareHeader struct {
	PMEMLen, XMEMLen, YMEMLen          uint32
	PMEMCRC, XMEMCRC, YMEMCRC          uint16
}

// FirmwareRecord is one (address, data) pair from the image body.
type FirmwareRecord struct {
	Address uint32
	Data    []byte
}

// FirmwareImage is the parsed upload source: a header plus one ordered
// record slice per section (XMEM, YMEM, PMEM).
type FirmwareImage struct {
	Header FirmwareHeader
	XMEM   []FirmwareRecord
	YMEM   []FirmwareRecord
	PMEM   []FirmwareRecord
}

// Events the driver emits to the application.
type Event int

const (
	EventDeviceReady Event = iota
	EventTxStarted
	EventTxComplete
	EventRxPacket
	EventRxTimeout
	EventDeviceError
	EventPowerOff
)

// RxPacket is the payload delivered with EventRxPacket.
type RxPacket struct {
	Bits  int
	Bytes []byte
}

var log = corelog.For("radio")

// Driver is the satellite radio state machine.
type Driver struct {
	sched     *sched.Scheduler
	transport Transport
	emit      func(Event, interface{})

	state          State
	stopping       bool
	firstTXSinceBoot bool
	idleTimeout    time.Duration
	idleHandle     sched.Handle

	bootRetries int

	txPending  []byte
	txBits     int
	ackPending []byte
	rxPending  bool

	cumulativeRxTime time.Duration
	image            *FirmwareImage
}

// New constructs a stopped Driver. emit is called (synchronously, from
// within a scheduled task) whenever the driver has an event for the
// application.
func New(s *sched.Scheduler, t Transport, idleTimeout time.Duration, emit func(Event, interface{})) *Driver {
	return &Driver{sched: s, transport: t, emit: emit, state: Stopped, firstTXSinceBoot: true, idleTimeout: idleTimeout}
}

func (d *Driver) State() State { return d.state }

// PowerOn begins the boot sequence, provided the driver is currently
// stopped; a no-op reference-count semantics like GNSS's is not specified
// here, so PowerOn on an already-running driver is a caller error.
func (d *Driver) PowerOn(image *FirmwareImage) error {
	if d.state != Stopped {
		return errs.New(errs.KindAlreadyInProgress, "radio: already powered on")
	}
	d.image = image
	d.stopping = false
	d.enter(Starting)
	return nil
}

// PowerOff requests a graceful stop: in-flight TX/RX complete first.
func (d *Driver) PowerOff() {
	d.stopping = true
	if d.state == Idle {
		d.enter(Stopped)
	}
}

// Send enqueues a TX payload (payloadBits of it are significant in
// payload), pre-empting any in-progress RX per the TX > ACK > RX
// priority invariant.
func (d *Driver) Send(payload []byte, payloadBits int) {
	d.txPending = payload
	d.txBits = payloadBits
	d.pokeFromWork()
}

// SendACK enqueues a downlink acknowledgment frame, which is serviced
// ahead of a pending RX but behind an already-queued TX.
func (d *Driver) SendACK(frame []byte) {
	d.ackPending = frame
	d.pokeFromWork()
}

// RequestReceive asks the driver to enter RX mode once idle, unless a
// TX/ACK is already pending.
func (d *Driver) RequestReceive() {
	d.rxPending = true
	d.pokeFromWork()
}

// pokeFromWork re-evaluates idle's transition table immediately: used so
// that receiving -> idle -> transmit_pending happens on the very next
// tick rather than waiting for an unrelated event, satisfying the
// "never re-enter receiving when TX is queued" priority invariant.
func (d *Driver) pokeFromWork() {
	if d.state == Receiving {
		d.enter(Idle)
		return
	}
	if d.state == Idle {
		d.enter(Idle)
	}
}

func (d *Driver) enter(s State) {
	d.state = s
	switch s {
	case Starting:
		if err := d.transport.AcquireSPI(); err != nil {
			d.fail(err)
			return
		}
		d.enter(PoweringOn)
	case PoweringOn:
		d.transport.SetPowerPin(true)
		d.sched.Post(powerOnMs, func() { d.enter(ResetAssert) })
	case ResetAssert:
		d.transport.SetResetPin(true)
		d.sched.Post(resetMs, func() { d.enter(ResetDeassert) })
	case ResetDeassert:
		d.transport.SetResetPin(false)
		d.sched.Post(resetMs, func() { d.enter(DSPReset) })
	case DSPReset:
		d.bootRetries = 0
		d.pollDSPBoot()
	case SendFirmwareImage:
		if err := d.uploadFirmware(); err != nil {
			d.fail(err)
			return
		}
		d.enter(WaitFirmwareReady)
	case WaitFirmwareReady:
		d.transport.IssueDSPConfig()
		d.pollFirmwareReady(0)
	case CheckFirmwareCRC:
		if err := d.checkFirmwareCRC(); err != nil {
			d.fail(err)
			return
		}
		d.emit(EventDeviceReady, nil)
		d.enter(Idle)
	case Idle:
		d.resetIdleTimeout()
		switch {
		case len(d.txPending) > 0 || len(d.ackPending) > 0:
			d.enter(TransmitPending)
		case d.rxPending:
			d.enter(ReceivePending)
		}
	case ReceivePending:
		if err := d.transport.SendCommand([]byte{cmdSetRxMode}); err != nil {
			d.fail(err)
			return
		}
		d.enter(Receiving)
	case Receiving:
		d.pollReceiving()
	case TransmitPending:
		warmup := time.Duration(0)
		if d.firstTXSinceBoot {
			warmup = tcxoWarmupMs
		}
		d.sched.Post(warmup, func() {
			d.firstTXSinceBoot = false
			if err := d.transport.SendCommand([]byte{cmdTransmit}); err != nil {
				d.fail(err)
				return
			}
			d.emit(EventTxStarted, nil)
			d.enter(Transmitting)
		})
	case Transmitting:
		d.pollTransmitting()
	case Stopped:
		d.cancelIdleTimeout()
		d.transport.ReleaseSPI()
		d.transport.SetPowerPin(false)
		d.stopping = false
		d.emit(EventPowerOff, nil)
	case Error:
		d.emit(EventDeviceError, nil)
		d.enter(Stopped)
	}
}

const (
	cmdSetRxMode = 0x01
	cmdTransmit  = 0x02
	tcxoWarmupMs = 500 * time.Millisecond
)

func (d *Driver) fail(err error) {
	log.Errorf("radio: %v", err)
	d.enter(Error)
}

func (d *Driver) pollDSPBoot() {
	status, err := d.transport.ReadDSPStatus()
	if err != nil {
		d.fail(err)
		return
	}
	if status == dspBootOK {
		d.enter(SendFirmwareImage)
		return
	}
	d.bootRetries++
	if d.bootRetries >= 3 {
		d.fail(errs.New(errs.KindTransportTimeout, "radio: dsp boot status never became ready"))
		return
	}
	d.sched.Post(bootMs, d.pollDSPBoot)
}

func (d *Driver) pollFirmwareReady(elapsed time.Duration) {
	status, err := d.transport.StatusRegister()
	if err != nil {
		d.fail(err)
		return
	}
	required := StatusIdle | StatusRxCalibDone
	if status&required == required {
		d.enter(CheckFirmwareCRC)
		return
	}
	if elapsed >= 200*time.Millisecond {
		d.fail(errs.New(errs.KindTransportTimeout, "radio: firmware ready timeout"))
		return
	}
	d.sched.Post(10*time.Millisecond, func() { d.pollFirmwareReady(elapsed + 10*time.Millisecond) })
}

func (d *Driver) checkFirmwareCRC() error {
	for _, sec := range []struct {
		id   int
		want uint16
	}{
		{SectionPMEM, d.image.Header.PMEMCRC},
		{SectionXMEM, d.image.Header.XMEMCRC},
		{SectionYMEM, d.image.Header.YMEMCRC},
	} {
		got, err := d.transport.ReadSectionCRC(sec.id)
		if err != nil {
			return err
		}
		if got != sec.want {
			return errs.New(errs.KindCRCError, "radio: firmware section crc mismatch")
		}
	}
	return nil
}

// uploadFirmware streams XMEM, then YMEM, then PMEM (the fixed order
// §4.4.2 requires), coalescing contiguous (address, data) records into
// bursts of up to maxBurstBytes, byte-reversed within each word because
// the DSP expects big-endian words.
func (d *Driver) uploadFirmware() error {
	for _, sec := range []struct {
		id      int
		records []FirmwareRecord
	}{
		{SectionXMEM, d.image.XMEM},
		{SectionYMEM, d.image.YMEM},
		{SectionPMEM, d.image.PMEM},
	} {
		if err := d.uploadSection(sec.id, sec.records); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) uploadSection(section int, records []FirmwareRecord) error {
	var staging []byte
	var startAddr uint32
	var nextAddr uint32
	flush := func() error {
		if len(staging) == 0 {
			return nil
		}
		if err := d.transport.BurstWrite(section, startAddr, staging); err != nil {
			return err
		}
		staging = nil
		return nil
	}

	for _, rec := range records {
		reversed := append([]byte(nil), rec.Data...)
		for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
			reversed[i], reversed[j] = reversed[j], reversed[i]
		}

		contiguous := len(staging) > 0 && rec.Address == nextAddr
		fits := len(staging)+len(reversed) <= maxBurstBytes
		if len(staging) > 0 && (!contiguous || !fits) {
			if err := flush(); err != nil {
				return err
			}
		}
		if len(staging) == 0 {
			startAddr = rec.Address
		}
		staging = append(staging, reversed...)
		nextAddr = rec.Address + uint32(len(rec.Data))
	}
	return flush()
}

func (d *Driver) pollReceiving() {
	status, err := d.transport.StatusRegister()
	if err != nil {
		d.fail(err)
		return
	}
	if status&StatusRxValidMessage != 0 {
		raw, err := d.transport.ReadXMEM(0, 1024)
		if err != nil {
			d.fail(err)
			return
		}
		payload, bits, err := framing.DecodeRX(raw)
		if err != nil {
			log.Warnf("radio: dropping rx packet: %v", err)
		} else {
			d.emit(EventRxPacket, RxPacket{Bits: bits, Bytes: payload})
		}
	}

	if len(d.txPending) > 0 || len(d.ackPending) > 0 || !d.rxPending {
		d.enter(Idle)
		return
	}
	d.sched.Post(5*time.Millisecond, d.pollReceiving)
}

func (d *Driver) pollTransmitting() {
	status, err := d.transport.StatusRegister()
	if err != nil {
		d.fail(err)
		return
	}
	if status&StatusTxFinished != 0 {
		if len(d.txPending) > 0 {
			d.txPending = nil
			d.txBits = 0
		} else {
			d.ackPending = nil
		}
		d.emit(EventTxComplete, nil)
		d.enter(Idle)
		return
	}
	d.sched.Post(5*time.Millisecond, d.pollTransmitting)
}

func (d *Driver) resetIdleTimeout() {
	d.cancelIdleTimeout()
	if d.idleTimeout <= 0 {
		return
	}
	d.idleHandle = d.sched.Post(d.idleTimeout, func() {
		if d.state == Idle {
			if d.stopping {
				d.enter(Stopped)
			}
		}
	})
}

func (d *Driver) cancelIdleTimeout() {
	d.sched.Cancel(d.idleHandle)
}
