// Package platform implements the ISA platform devices of a gopc machine:
// the 8254 interval timer, RTC/CMOS, HPET, the ACPI PM block, and the i8042
// keyboard controller. Each device carries its own snapshot envelope.
package platform

import (
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

const (
	PITIRQ = 0

	pitChannels = 3
)

const pitStateVersion = 1

const (
	pitTagChannels = 1
	pitTagControl  = 2
)

// pitChannelRecordLen is reload u16 + count u16 + mode u8 + latched u8 +
// accessLow u8.
const pitChannelRecordLen = 7

type pitChannel struct {
	reload  uint16
	count   uint16
	mode    uint8
	latched bool
	// next data-port byte is the low half
	accessLow bool
}

// PIT is the 8254 programmable interval timer. Channel 0 drives GSI 0.
type PIT struct {
	channels [pitChannels]pitChannel
	control  uint8
}

func NewPIT() *PIT {
	p := &PIT{}
	p.Reset()

	return p
}

func (p *PIT) Reset() {
	*p = PIT{}

	for i := range p.channels {
		p.channels[i] = pitChannel{reload: 0xffff, accessLow: true}
	}
}

// WriteControl handles port 0x43.
func (p *PIT) WriteControl(v uint8) {
	p.control = v

	ch := v >> 6
	if ch >= pitChannels {
		return
	}

	if v&0x30 == 0 {
		p.channels[ch].latched = true

		return
	}

	p.channels[ch].mode = (v >> 1) & 0x7
	p.channels[ch].accessLow = true
}

// WriteData handles ports 0x40..0x42.
func (p *PIT) WriteData(ch int, v uint8) {
	if ch < 0 || ch >= pitChannels {
		return
	}

	c := &p.channels[ch]
	if c.accessLow {
		c.reload = c.reload&0xff00 | uint16(v)
	} else {
		c.reload = c.reload&0x00ff | uint16(v)<<8
		c.count = c.reload
	}

	c.accessLow = !c.accessLow
}

// ReadData handles reads from ports 0x40..0x42.
func (p *PIT) ReadData(ch int) uint8 {
	if ch < 0 || ch >= pitChannels {
		return 0
	}

	c := &p.channels[ch]

	var v uint8
	if c.accessLow {
		v = uint8(c.count)
	} else {
		v = uint8(c.count >> 8)
		c.latched = false
	}

	c.accessLow = !c.accessLow

	return v
}

// Tick advances channel counters by n input clock cycles.
func (p *PIT) Tick(n uint16) {
	for i := range p.channels {
		p.channels[i].count -= n
	}
}

func (p *PIT) SaveState() []byte {
	blob := make([]byte, 0, pitChannels*pitChannelRecordLen)

	for i := range p.channels {
		c := &p.channels[i]
		blob = append(blob,
			byte(c.reload), byte(c.reload>>8),
			byte(c.count), byte(c.count>>8),
			c.mode, b2u8(c.latched), b2u8(c.accessLow))
	}

	w := snapshot.NewWriter(snapshot.DevPIT, snapshot.Version{Major: pitStateVersion})
	w.FieldBytes(pitTagChannels, blob)
	w.FieldU8(pitTagControl, p.control)

	return w.Finish()
}

func (p *PIT) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevPIT)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(pitStateVersion); err != nil {
		return err
	}

	p.Reset()

	if err := r.U8(pitTagControl, &p.control); err != nil {
		return err
	}

	blob, ok := r.Field(pitTagChannels)
	if !ok {
		return nil
	}

	if len(blob) != pitChannels*pitChannelRecordLen {
		return fmt.Errorf("%w: PIT channel block is %d bytes", snapshot.ErrCorrupt, len(blob))
	}

	for i := range p.channels {
		rec := blob[i*pitChannelRecordLen:]
		p.channels[i] = pitChannel{
			reload:    uint16(rec[0]) | uint16(rec[1])<<8,
			count:     uint16(rec[2]) | uint16(rec[3])<<8,
			mode:      rec[4],
			latched:   rec[5] != 0,
			accessLow: rec[6] != 0,
		}
	}

	return nil
}

func b2u8(b bool) uint8 {
	if b {
		return 1
	}

	return 0
}
