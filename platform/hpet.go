// hpet.go – high precision event timer block.
package platform

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

const (
	HPETIRQ = 2

	hpetTimers = 3
)

const hpetStateVersion = 1

const (
	hpetTagConfig    = 1
	hpetTagCounter   = 2
	hpetTagIntStatus = 3
	hpetTagTimers    = 4
)

const hpetTimerRecordLen = 16 // config u64 + comparator u64

type hpetTimer struct {
	config     uint64
	comparator uint64
}

// HPET models the main counter and three comparators. Its interrupt line is
// derived state: after restore the machine asks the HPET to re-drive the
// line from the restored comparator and status registers.
type HPET struct {
	config    uint64
	counter   uint64
	intStatus uint64
	timers    [hpetTimers]hpetTimer
}

func NewHPET() *HPET {
	h := &HPET{}
	h.Reset()

	return h
}

func (h *HPET) Reset() {
	*h = HPET{}

	for i := range h.timers {
		h.timers[i].comparator = ^uint64(0)
	}
}

func (h *HPET) Enabled() bool {
	return h.config&0x1 != 0
}

// WriteReg handles a 64-bit register write at the given MMIO offset.
func (h *HPET) WriteReg(offset uint64, v uint64) {
	switch {
	case offset == 0x10:
		h.config = v
	case offset == 0x20:
		// Writing 1 clears a status bit (level-triggered ack).
		h.intStatus &^= v
	case offset == 0xf0:
		h.counter = v
	case offset >= 0x100:
		n := (offset - 0x100) / 0x20
		if n >= hpetTimers {
			return
		}

		switch (offset - 0x100) % 0x20 {
		case 0x0:
			h.timers[n].config = v
		case 0x8:
			h.timers[n].comparator = v
		}
	}
}

// ReadReg handles a 64-bit register read.
func (h *HPET) ReadReg(offset uint64) uint64 {
	switch {
	case offset == 0x0:
		// capabilities: 3 timers, 64-bit counter, 100ns period
		return 0x8086a001<<32 | uint64(hpetTimers-1)<<8 | 1<<13 | 0x8086
	case offset == 0x10:
		return h.config
	case offset == 0x20:
		return h.intStatus
	case offset == 0xf0:
		return h.counter
	case offset >= 0x100:
		n := (offset - 0x100) / 0x20
		if n >= hpetTimers {
			return 0
		}

		switch (offset - 0x100) % 0x20 {
		case 0x0:
			return h.timers[n].config
		case 0x8:
			return h.timers[n].comparator
		}
	}

	return 0
}

// Advance moves the main counter and latches comparator hits into the
// interrupt status register.
func (h *HPET) Advance(ticks uint64) {
	if !h.Enabled() {
		return
	}

	before := h.counter
	h.counter += ticks

	for i := range h.timers {
		t := &h.timers[i]
		if t.config&0x4 == 0 { // interrupt enable
			continue
		}

		if before < t.comparator && h.counter >= t.comparator {
			h.intStatus |= 1 << i
		}
	}
}

// IRQLevel reports whether any enabled level-triggered comparator has a
// latched hit; queried by the machine when it re-derives the HPET line
// after restore.
func (h *HPET) IRQLevel() bool {
	for i := range h.timers {
		if h.timers[i].config&0x2 != 0 && h.intStatus&(1<<i) != 0 {
			return true
		}
	}

	return false
}

func (h *HPET) SaveState() []byte {
	blob := make([]byte, 0, hpetTimers*hpetTimerRecordLen)

	for i := range h.timers {
		blob = binary.LittleEndian.AppendUint64(blob, h.timers[i].config)
		blob = binary.LittleEndian.AppendUint64(blob, h.timers[i].comparator)
	}

	w := snapshot.NewWriter(snapshot.DevHPET, snapshot.Version{Major: hpetStateVersion})
	w.FieldU64(hpetTagConfig, h.config)
	w.FieldU64(hpetTagCounter, h.counter)
	w.FieldU64(hpetTagIntStatus, h.intStatus)
	w.FieldBytes(hpetTagTimers, blob)

	return w.Finish()
}

func (h *HPET) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevHPET)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(hpetStateVersion); err != nil {
		return err
	}

	h.Reset()

	for _, f := range []struct {
		tag uint16
		dst *uint64
	}{
		{hpetTagConfig, &h.config},
		{hpetTagCounter, &h.counter},
		{hpetTagIntStatus, &h.intStatus},
	} {
		if err := r.U64(f.tag, f.dst); err != nil {
			return err
		}
	}

	blob, ok := r.Field(hpetTagTimers)
	if !ok {
		return nil
	}

	if len(blob) != hpetTimers*hpetTimerRecordLen {
		return fmt.Errorf("%w: HPET timer block is %d bytes", snapshot.ErrCorrupt, len(blob))
	}

	for i := range h.timers {
		rec := blob[i*hpetTimerRecordLen:]
		h.timers[i].config = binary.LittleEndian.Uint64(rec)
		h.timers[i].comparator = binary.LittleEndian.Uint64(rec[8:])
	}

	return nil
}
