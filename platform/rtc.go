// rtc.go – MC146818 RTC and CMOS RAM.
package platform

import (
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

const (
	RTCIRQ = 8

	cmosSize = 128
)

const rtcStateVersion = 1

const (
	rtcTagIndex = 1
	rtcTagCMOS  = 2
	rtcTagNMI   = 3
)

// RTC is the real-time clock with its 128-byte CMOS RAM behind ports
// 0x70/0x71. The wall-clock registers are derived from the machine's
// deterministic time source, so only CMOS contents and the latched index
// are snapshot state.
type RTC struct {
	index     uint8
	nmiMasked bool
	cmos      [cmosSize]byte
}

func NewRTC() *RTC {
	r := &RTC{}
	r.Reset()

	return r
}

func (r *RTC) Reset() {
	*r = RTC{}
	// status B: 24-hour mode
	r.cmos[0x0b] = 0x02
}

// WriteIndex handles port 0x70.
func (r *RTC) WriteIndex(v uint8) {
	r.index = v & 0x7f
	r.nmiMasked = v&0x80 != 0
}

// WriteData handles port 0x71.
func (r *RTC) WriteData(v uint8) {
	r.cmos[r.index] = v
}

// ReadData handles port 0x71.
func (r *RTC) ReadData() uint8 {
	return r.cmos[r.index]
}

// CMOS exposes one CMOS cell (used by firmware setup).
func (r *RTC) CMOS(idx uint8) uint8 {
	return r.cmos[idx&0x7f]
}

func (r *RTC) SetCMOS(idx, v uint8) {
	r.cmos[idx&0x7f] = v
}

func (r *RTC) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevRTC, snapshot.Version{Major: rtcStateVersion})
	w.FieldU8(rtcTagIndex, r.index)
	w.FieldBytes(rtcTagCMOS, r.cmos[:])
	w.FieldBool(rtcTagNMI, r.nmiMasked)

	return w.Finish()
}

func (r *RTC) LoadState(data []byte) error {
	rd, err := snapshot.ParseReader(data, snapshot.DevRTC)
	if err != nil {
		return err
	}

	if err := rd.EnsureMajor(rtcStateVersion); err != nil {
		return err
	}

	r.Reset()

	if err := rd.U8(rtcTagIndex, &r.index); err != nil {
		return err
	}

	if err := rd.Bool(rtcTagNMI, &r.nmiMasked); err != nil {
		return err
	}

	if cmos, ok := rd.Field(rtcTagCMOS); ok {
		if len(cmos) != cmosSize {
			return fmt.Errorf("%w: CMOS block is %d bytes", snapshot.ErrCorrupt, len(cmos))
		}

		copy(r.cmos[:], cmos)
	}

	return nil
}
