// Package usb models the USB host controller families. Every controller on
// the machine rides under one family wrapper envelope keyed by PCI BDF, and
// the host scheduler's sub-millisecond frame-timer remainder rides in the
// same wrapper under a reserved inner key so a restore resumes frame timing
// exactly where capture left it.
package usb

import (
	"github.com/gopc-dev/gopc/snapshot"
)

const familyVersion = 1

// FrameClockKey is the reserved wrapper inner key for the frame timer.
// Real BDF keys never collide with it: device number 0x1f function 7 on
// bus 0xff is not populated.
const FrameClockKey uint16 = 0xffff

const frameClockVersion = 1

const frameClockTagRemainder = 1

// FrameClock is the host scheduler's carry between 1 ms USB frames.
type FrameClock struct {
	// RemainderNs is time already owed to the next frame tick.
	RemainderNs uint64
}

func (c *FrameClock) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevUSBClock, snapshot.Version{Major: frameClockVersion})
	w.FieldU64(frameClockTagRemainder, c.RemainderNs)

	return w.Finish()
}

func (c *FrameClock) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevUSBClock)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(frameClockVersion); err != nil {
		return err
	}

	c.RemainderNs = 0

	return r.U64(frameClockTagRemainder, &c.RemainderNs)
}

// Family groups the machine's USB controllers and the frame clock under the
// family envelope.
type Family struct {
	wrapper *snapshot.Wrapper
	clock   *FrameClock
}

func NewFamily() *Family {
	f := &Family{
		wrapper: snapshot.NewWrapper(snapshot.DevUSB, snapshot.Version{Major: familyVersion}),
		clock:   &FrameClock{},
	}
	f.wrapper.Add(FrameClockKey, f.clock)

	return f
}

// Add registers a controller at the given BDF.
func (f *Family) Add(bus, device, function uint8, dev snapshot.Device) *Family {
	f.wrapper.Add(snapshot.PackBDF(bus, device, function), dev)

	return f
}

// Clock exposes the frame timer for the host scheduler.
func (f *Family) Clock() *FrameClock {
	return f.clock
}

func (f *Family) SaveState() []byte {
	return f.wrapper.SaveState()
}

func (f *Family) LoadState(data []byte) error {
	return f.wrapper.LoadState(data)
}
