package main

import (
	"fmt"
	"time"

	"github.com/arribada/horizon-core/internal/coreconf"
	"github.com/arribada/horizon-core/internal/crc"
	"github.com/arribada/horizon-core/internal/sched"
	"github.com/arribada/horizon-core/internal/teststore"
	"github.com/arribada/horizon-core/pkg/blockdev"
	"github.com/arribada/horizon-core/pkg/flashfs"
	"github.com/arribada/horizon-core/pkg/gnss"
	"github.com/arribada/horizon-core/pkg/ota"
	"github.com/arribada/horizon-core/pkg/radio"
)

// snapshotName identifies the one RAM block device image this harness
// persists; a real multi-device setup would key snapshots per device.
const snapshotName = "main"

// Simulation wires a block device, the mounted file system, and the three
// cooperative drivers together the way a real device's single task loop
// would, so a run exercises the actual pkg/ota, pkg/radio, and pkg/gnss
// code paths instead of a model of them.
type Simulation struct {
	cfg   *coreconf.Config
	store *teststore.Store

	dev      blockdev.Device
	fileBack *blockdev.FileDevice // non-nil when --device-file selected a persistent backing file
	fs       *flashfs.FS
	sc       *sched.Scheduler

	updater *ota.Updater
	radio   *radio.Driver
	gnss    *gnss.Driver

	radioHW *fakeRadioTransport
	gnssHW  *gnssFakeTransport

	events []string
}

// NewSimulation opens the block device, mounts the file system (formatting
// it on first use), and constructs the three drivers. When devicePath is
// empty the device is RAM-backed and restored from store's snapshot, the
// same way the mender agent's own state survives only via its DB store.
// When devicePath is set, the device is instead a memory-mapped file that
// persists directly to disk -- closer to how a real part's flash image
// would be inspected between runs -- and store is not used.
func NewSimulation(cfg *coreconf.Config, store *teststore.Store, devicePath string) (*Simulation, error) {
	var dev blockdev.Device
	var fileBack *blockdev.FileDevice
	var restored bool

	if devicePath != "" {
		fd, err := blockdev.OpenFileDevice(devicePath, cfg.BlockCount, cfg.BlockSize, cfg.PageSize)
		if err != nil {
			return nil, err
		}
		dev = fd
		fileBack = fd
	} else {
		ramDev := blockdev.NewRAMDevice(cfg.BlockCount, cfg.BlockSize, cfg.PageSize)
		ok, err := store.LoadSnapshot(snapshotName, ramDev)
		if err != nil {
			return nil, err
		}
		dev = ramDev
		restored = ok
	}

	fs := flashfs.New(dev)
	if fileBack != nil {
		// A fresh (all-0xFF) file has no valid superblock yet; Mount
		// reports that as a corrupt-format error, same signal the RAM
		// path gets from a missing snapshot.
		if err := fs.Mount(); err != nil {
			if err := fs.Format(); err != nil {
				return nil, err
			}
		}
	} else if !restored {
		if err := fs.Format(); err != nil {
			return nil, err
		}
	}
	if err := fs.Mount(); err != nil {
		return nil, err
	}

	s := &Simulation{cfg: cfg, store: store, dev: dev, fileBack: fileBack, fs: fs, sc: sched.New()}

	s.updater = ota.New(dev, fs, cfg.OTAReservedBaseBlock, cfg.OTAReservedBlocks)

	s.radioHW = &fakeRadioTransport{}
	s.radio = radio.New(s.sc, s.radioHW, time.Duration(cfg.RadioIdleTimeoutMs)*time.Millisecond, s.onRadioEvent)

	s.gnssHW = &gnssFakeTransport{}
	filters := gnss.Filters{
		HAccThresholdM: cfg.GNSSHAccThresholdM,
		HDOPThreshold:  cfg.GNSSHDOPThreshold,
		MaxNavSamples:  cfg.GNSSMaxNavSamples,
		MaxSatSamples:  cfg.GNSSMaxSatSamples,
		CyclicTracking: cfg.GNSSCyclicTracking,
	}
	s.gnss = gnss.New(s.sc, s.gnssHW, fs, filters, s.onGNSSEvent)

	return s, nil
}

func (s *Simulation) onRadioEvent(ev radio.Event, payload interface{}) {
	s.events = append(s.events, fmt.Sprintf("radio: event=%d payload=%+v", ev, payload))
}

func (s *Simulation) onGNSSEvent(ev gnss.Event, payload interface{}) {
	s.events = append(s.events, fmt.Sprintf("gnss: event=%d payload=%+v", ev, payload))
}

// RunDemo drives a bounded scenario through all three subsystems: an OTA
// transfer of a small coprocessor firmware blob, a radio power-on/receive/
// transmit/power-off cycle, and a GNSS power-on/configure/fix/power-off
// cycle. It returns the events the drivers emitted along the way.
func (s *Simulation) RunDemo() ([]string, error) {
	if err := s.runOTADemo(); err != nil {
		return s.events, err
	}
	if err := s.runRadioDemo(); err != nil {
		return s.events, err
	}
	s.runGNSSDemo()
	return s.events, nil
}

func (s *Simulation) runOTADemo() error {
	payload := []byte("horizon-core simulator coprocessor firmware blob")
	sum := crc.ChecksumIEEE(payload)
	if err := s.updater.StartFileTransfer(ota.CoprocessorFirmware, uint32(len(payload)), sum); err != nil {
		return err
	}
	if err := s.updater.WriteFileData(payload); err != nil {
		return err
	}
	if err := s.updater.CompleteFileTransfer(); err != nil {
		return err
	}
	return s.updater.ApplyFileUpdate()
}

func (s *Simulation) runRadioDemo() error {
	image := &radio.FirmwareImage{}
	s.radioHW.header = image.Header
	if err := s.radio.PowerOn(image); err != nil {
		return err
	}
	s.sc.Advance(time.Second)

	s.radio.RequestReceive()
	s.sc.Advance(50 * time.Millisecond)

	s.radio.Send([]byte{0xAB, 0xCD}, 16)
	s.sc.Advance(time.Second)

	s.radio.PowerOff()
	s.sc.Advance(time.Second)
	return nil
}

func (s *Simulation) runGNSSDemo() {
	s.gnss.PowerOn()
	s.sc.Advance(2 * time.Second)

	s.gnss.Feed(syntheticFixFrames(12345))
	s.sc.RunPending()

	s.gnss.PowerOff()
	s.sc.Advance(2 * time.Second)
}

// SaveSnapshot persists the device image for the next invocation. A
// file-backed device is already durable (every Program/Erase lands on the
// mmapped file directly), so this only flushes it; a RAM-backed device has
// to be dumped into the scratch store instead.
func (s *Simulation) SaveSnapshot() error {
	if s.fileBack != nil {
		return s.fileBack.Sync()
	}
	return s.store.SaveSnapshot(snapshotName, s.dev)
}

// Close releases the file-backed device's mmap, if one was opened.
func (s *Simulation) Close() error {
	if s.fileBack != nil {
		return s.fileBack.Close()
	}
	return nil
}
