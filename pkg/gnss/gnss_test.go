package gnss

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arribada/horizon-core/internal/sched"
	"github.com/arribada/horizon-core/pkg/gnss/ubx"
)

// syntheticFixFrame builds a minimal NAV-PVT/NAV-DOP/NAV-STATUS trio
// sharing one iTOW, the composite-fix dispatch's join key.
func syntheticFixFrame(t *testing.T, itow uint32) []byte {
	t.Helper()
	le := binary.LittleEndian

	pvt := make([]byte, 92)
	le.PutUint32(pvt[0:4], itow)

	dop := make([]byte, 18)
	le.PutUint32(dop[0:4], itow)

	status := make([]byte, 12)
	le.PutUint32(status[0:4], itow)

	var out []byte
	out = append(out, ubx.Build(ClassNAV, IDPVT, pvt)...)
	out = append(out, ubx.Build(ClassNAV, IDDOP, dop)...)
	out = append(out, ubx.Build(ClassNAV, IDStatus, status)...)
	return out
}

type fakeTransport struct {
	powerOn bool
}

func (f *fakeTransport) SetBaud(baud int) error { return nil }
func (f *fakeTransport) Write(frame []byte) error { return nil }
func (f *fakeTransport) SetPowerPin(on bool) error {
	f.powerOn = on
	return nil
}

func newTestDriver(t *testing.T) (*Driver, *sched.Scheduler, []Event) {
	t.Helper()
	var events []Event
	sc := sched.New()
	d := New(sc, &fakeTransport{}, nil, Filters{}, func(ev Event, _ interface{}) {
		events = append(events, ev)
	})
	return d, sc, events
}

// S6 - GNSS power-refcount.
func TestPowerRefcount(t *testing.T) {
	var events []Event
	sc := sched.New()
	tr := &fakeTransport{}
	d := New(sc, tr, nil, Filters{}, func(ev Event, _ interface{}) {
		events = append(events, ev)
	})

	d.PowerOn()
	d.PowerOn()
	d.PowerOn()
	// Drive the configure sequence (9 steps written 20ms apart; the three
	// assistance steps are skipped at once) through to
	// Receive so PowerOff's quiescence check has something to observe.
	sc.Advance(500 * time.Millisecond)
	require.Equal(t, Receive, d.State())

	d.PowerOff()
	assert.NotEqual(t, Idle, d.State())
	d.PowerOff()
	assert.NotEqual(t, Idle, d.State())

	powerOffsSoFar := 0
	for _, ev := range events {
		if ev == EventPowerOff {
			powerOffsSoFar++
		}
	}
	assert.Zero(t, powerOffsSoFar)

	d.PowerOff()
	// The final PowerOff now drains through StopReceive/FetchDatabase to
	// poll and save the MGA-DBD assistance database before shutting down.
	sc.Advance(100 * time.Millisecond)
	assert.Equal(t, Idle, d.State())
	assert.False(t, tr.powerOn)

	n := 0
	for _, ev := range events {
		if ev == EventPowerOff {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestPowerOffBeforePowerOnIsNoOp(t *testing.T) {
	d, _, _ := newTestDriver(t)
	d.PowerOff()
	assert.Equal(t, Idle, d.State())
}

func TestFeedDispatchesCompositeFix(t *testing.T) {
	sc := sched.New()
	var fixes []Fix
	d := New(sc, &fakeTransport{}, nil, Filters{}, func(ev Event, payload interface{}) {
		if ev == EventFix {
			fixes = append(fixes, payload.(Fix))
		}
	})

	d.PowerOn()
	sc.Advance(500 * time.Millisecond)
	require.Equal(t, Receive, d.State())

	d.Feed(syntheticFixFrame(t, 777))
	sc.RunPending()

	require.Len(t, fixes, 1)
	assert.EqualValues(t, 777, fixes[0].ITOW)
}
