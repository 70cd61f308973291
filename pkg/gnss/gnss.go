// Package gnss implements the GNSS receiver driver: a cooperative state
// machine that configures a u-blox-family receiver, dispatches composite
// fixes, and manages online/offline assistance databases.
package gnss

import (
	"time"

	"github.com/arribada/horizon-core/internal/corelog"
	"github.com/arribada/horizon-core/internal/sched"
	"github.com/arribada/horizon-core/pkg/flashfs"
	"github.com/arribada/horizon-core/pkg/gnss/ubx"
)

// State is one node of the configure/receive/power-off state machine.
type State int

const (
	Idle State = iota
	PowerOn
	Configure
	SendOfflineDatabase
	SendDatabase
	StartReceive
	Receive
	StopReceive
	FetchDatabase
	PowerOffState
)

// OpState tracks the outcome of the most recent acknowledged step.
type OpState int

const (
	OpIdle OpState = iota
	OpPending
	OpSuccess
	OpNack
	OpTimeout
	OpError
)

// Event is emitted to the application.
type Event int

const (
	EventPowerOn Event = iota
	EventPowerOff
	EventFix
	EventSatReport
	EventMaxNavSamples
	EventError
)

// PowerOffPayload carries whether a fix had been obtained before stopping.
type PowerOffPayload struct {
	HadFix bool
}

// SatReportPayload carries a satellite-view summary.
type SatReportPayload struct {
	NumSVs            int
	BestSignalQuality int
}

// Transport abstracts the UART link to the receiver.
type Transport interface {
	SetBaud(baud int) error
	Write(frame []byte) error
	SetPowerPin(on bool) error
}

// Filters bound which fixes get dispatched to the application.
type Filters struct {
	HAccThresholdM  float64
	HDOPThreshold   float64
	DynamicModel    uint8
	CyclicTracking  bool
	MaxNavSamples   int
	MaxSatSamples   int
}

var log = corelog.For("gnss")

// Driver is the GNSS receiver state machine.
type Driver struct {
	sched     *sched.Scheduler
	transport Transport
	fs        *flashfs.FS
	emit      func(Event, interface{})
	filters   Filters

	state       State
	opState     OpState
	step        int
	retries     int
	numPowerOn  int
	consecutiveErrors int

	parser ubx.Parser

	lastPVT    *PVT
	lastDOP    *DOP
	lastStatus *Status
	hadFix     bool
	dispatchedFixes int
	dispatchedSats  int
	dropCountdown   int

	rtcValid bool
	assist   *AssistState
}

// New constructs a stopped Driver. fs gives access to the offline
// assistance file and the saved online-database snapshot.
func New(s *sched.Scheduler, t Transport, fs *flashfs.FS, filters Filters, emit func(Event, interface{})) *Driver {
	return &Driver{sched: s, transport: t, fs: fs, filters: filters, emit: emit, assist: &AssistState{}}
}

func (d *Driver) State() State { return d.state }

// PowerOn bumps the reference count; actual initialization only happens
// from a quiescent state on the 0->1 transition.
func (d *Driver) PowerOn() {
	d.numPowerOn++
	if d.numPowerOn == 1 && d.state == Idle {
		d.enter(PowerOn)
	}
}

// PowerOff decrements the reference count; shutdown only begins once it
// reaches zero. If the driver is already steady in Receive, shutdown
// starts immediately; otherwise it's deferred and picked up as soon as
// Receive is reached, so the MGA-DBD assistance-database save (§4.5.4)
// still runs instead of being skipped.
func (d *Driver) PowerOff() {
	if d.numPowerOn == 0 {
		return
	}
	d.numPowerOn--
	if d.numPowerOn == 0 && d.state == Receive {
		d.enter(StopReceive)
	}
}

func (d *Driver) enter(s State) {
	d.state = s
	d.step = 0
	d.retries = 0
	switch s {
	case PowerOn:
		d.transport.SetPowerPin(true)
		d.emit(EventPowerOn, nil)
		d.enter(Configure)
	case Configure:
		d.runConfigureStep()
	case SendOfflineDatabase:
		d.sendOfflineDatabase()
	case SendDatabase:
		d.sendOnlineDatabase()
	case StartReceive:
		d.enter(Receive)
	case Receive:
		// Steady state: Feed()/dispatch drive fix emission, unless a
		// PowerOff() already dropped the refcount to 0 while we were
		// still configuring -- that shutdown was deferred until now.
		if d.numPowerOn == 0 {
			d.enter(StopReceive)
		}
	case StopReceive:
		d.enter(FetchDatabase)
	case FetchDatabase:
		d.transport.Write(mgaDBDPoll)
		d.sched.Post(50*time.Millisecond, d.saveAssistDatabase)
	case PowerOffState:
		d.transport.SetPowerPin(false)
		d.emit(EventPowerOff, PowerOffPayload{HadFix: d.hadFix})
		d.hadFix = false
		d.state = Idle
	}
}

// configureSteps mirrors §4.5.2's ordered sequence; each element is
// retried up to 3 times when its transport write fails before the driver
// fails unrecoverably. A written step counts as acknowledged 20ms later;
// no NACK or acknowledgement timeout is detected.
var configureSteps = []string{
	"sync_baud", "cfg_uart1", "resync_baud", "cfg_constellations",
	"save_cfg_reset", "disable_odometer", "cfg_power_mode", "cfg_nav_engine",
	"time_assist", "offline_assist", "online_assist", "enable_periodic",
}

func (d *Driver) runConfigureStep() {
	if d.step >= len(configureSteps) {
		d.enter(StartReceive)
		return
	}
	name := configureSteps[d.step]
	switch name {
	case "time_assist":
		if !d.rtcValid {
			d.advanceConfigureStep()
			return
		}
	case "offline_assist":
		if d.assist.HasOfflineFile {
			d.enter(SendOfflineDatabase)
			return
		}
		d.advanceConfigureStep()
		return
	case "online_assist":
		if d.assist.HasOnlineSnapshot {
			d.enter(SendDatabase)
			return
		}
		d.advanceConfigureStep()
		return
	}
	d.performStep(name)
}

func (d *Driver) performStep(name string) {
	if err := d.transport.Write([]byte(name)); err != nil {
		d.stepFailed(err)
		return
	}
	d.opState = OpPending
	d.sched.Post(20*time.Millisecond, func() {
		d.opState = OpSuccess
		d.advanceConfigureStep()
	})
}

func (d *Driver) advanceConfigureStep() {
	d.step++
	d.retries = 0
	d.runConfigureStep()
}

func (d *Driver) stepFailed(err error) {
	d.retries++
	if d.retries > 3 {
		log.Errorf("gnss: configure step %q unrecoverable: %v", configureSteps[d.step], err)
		d.opState = OpError
		d.emit(EventError, err)
		d.enter(PowerOffState)
		return
	}
	d.performStep(configureSteps[d.step])
}

// Feed delivers newly received UART bytes to the UBX parser and
// dispatches any complete frames.
func (d *Driver) Feed(data []byte) {
	d.parser.Feed(data)
	for _, f := range d.parser.Frames() {
		d.handleFrame(f)
	}
}

func (d *Driver) handleFrame(f ubx.Frame) {
	if f.Class == ClassMGA && f.ID == IDMgaDBD && d.state == FetchDatabase {
		d.assist.CollectDBD(f.Payload)
		return
	}
	if f.Class == ClassMGA && f.ID == IDAck && d.state == FetchDatabase && len(f.Payload) >= 2 {
		d.assist.SetExpectedDBDCount(int(f.Payload[1]))
		return
	}
	if f.Class != ClassNAV {
		return
	}
	switch f.ID {
	case IDPVT:
		pvt := DecodePVT(f.Payload)
		d.lastPVT = &pvt
		if pvt.ValidDate && pvt.ValidTime {
			d.rtcValid = true
		}
	case IDDOP:
		dop := DecodeDOP(f.Payload)
		d.lastDOP = &dop
	case IDStatus:
		st := DecodeStatus(f.Payload)
		d.lastStatus = &st
	case IDSat:
		d.dispatchSat(f.Payload)
	}
	d.tryDispatchFix()
}

func (d *Driver) tryDispatchFix() {
	if d.lastPVT == nil || d.lastDOP == nil || d.lastStatus == nil {
		return
	}
	if d.lastPVT.ITOW != d.lastDOP.ITOW || d.lastPVT.ITOW != d.lastStatus.ITOW {
		return
	}
	pvt, dop, st := *d.lastPVT, *d.lastDOP, *d.lastStatus
	d.lastPVT, d.lastDOP, d.lastStatus = nil, nil, nil

	if d.filterDrops(pvt, dop) {
		d.dropCountdown = 0
		return
	}
	if d.dropCountdown > 0 {
		d.dropCountdown--
		return
	}

	if d.dispatchedFixes >= d.filters.MaxNavSamples && d.filters.MaxNavSamples > 0 {
		d.emit(EventMaxNavSamples, nil)
		return
	}
	d.hadFix = true
	d.dispatchedFixes++
	d.emit(EventFix, Fix{
		ITOW: pvt.ITOW, LatE7: pvt.LatE7, LonE7: pvt.LonE7, HeightMM: pvt.HeightMM,
		HAccMM: pvt.HAccMM, VAccMM: pvt.VAccMM,
		VelNMMs: pvt.VelNMMs, VelEMMs: pvt.VelEMMs, VelDMMs: pvt.VelDMMs,
		HeadingE5: pvt.HeadMotE5, HDOP: dop.HDOP, PDOP: dop.PDOP,
		Year: pvt.Year, Month: pvt.Month, Day: pvt.Day, Hour: pvt.Hour, Min: pvt.Min, Sec: pvt.Sec,
		ValidDate: pvt.ValidDate, ValidTime: pvt.ValidTime, TTFFMs: st.TTFFMs,
	})
}

func (d *Driver) filterDrops(pvt PVT, dop DOP) bool {
	if d.filters.HAccThresholdM > 0 && float64(pvt.HAccMM) > d.filters.HAccThresholdM*1000 {
		return true
	}
	if d.filters.HDOPThreshold > 0 && float64(dop.HDOP) > d.filters.HDOPThreshold*100 {
		return true
	}
	return false
}

func (d *Driver) dispatchSat(payload []byte) {
	if d.filters.MaxSatSamples > 0 && d.dispatchedSats >= d.filters.MaxSatSamples {
		return
	}
	d.dispatchedSats++
	d.emit(EventSatReport, SatReportPayload{})
}

var mgaDBDPoll = ubx.Build(ClassMGA, IDMgaDBD, nil)
