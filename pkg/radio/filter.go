package radio

import "github.com/arribada/horizon-core/internal/errs"

// FilterTable abstracts the coprocessor's LUT of 28-bit addresses to
// accept on RX: a count register plus count*2 LSB/MSB slot pairs.
type FilterTable interface {
	ReadCount() (int, error)
	ReadEntry(slot int) (uint32, error)
	WriteEntry(slot int, lsb, msb uint16) error
	WriteCount(n int) error
}

// AddFilterAddress appends addr to the table if not already present,
// writing its LSBs into one slot and MSBs into the next, then bumping the
// count register last so a crash mid-write never reports a partial entry
// as valid.
func AddFilterAddress(t FilterTable, addr uint32) error {
	count, err := t.ReadCount()
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		existing, err := t.ReadEntry(i)
		if err != nil {
			return err
		}
		if existing == addr&0x0FFFFFFF {
			return nil
		}
	}
	addr &= 0x0FFFFFFF
	if err := t.WriteEntry(count, uint16(addr), uint16(addr>>16)); err != nil {
		return err
	}
	return t.WriteCount(count + 1)
}

// DefaultFilterAddresses returns the device's own ID plus the two
// well-known broadcast addresses every driver must accept, per §4.4.6.
func DefaultFilterAddresses(deviceID uint32) []uint32 {
	const (
		constellationStatusBroadcast = 0x0A4A300
		satelliteStatusBroadcast     = 0x0A4A301
	)
	return []uint32{deviceID & 0x0FFFFFFF, constellationStatusBroadcast, satelliteStatusBroadcast}
}

// InstallDefaultFilters ensures every address in addrs is present in t.
func InstallDefaultFilters(t FilterTable, addrs []uint32) error {
	if len(addrs) == 0 {
		return errs.New(errs.KindInval, "radio: no filter addresses given")
	}
	for _, a := range addrs {
		if err := AddFilterAddress(t, a); err != nil {
			return err
		}
	}
	return nil
}
