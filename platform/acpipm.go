// acpipm.go – ACPI power management block (PM1 event/control + PM timer).
package platform

import (
	"github.com/gopc-dev/gopc/snapshot"
)

const acpiStateVersion = 1

const (
	acpiTagPM1Status  = 1
	acpiTagPM1Enable  = 2
	acpiTagPM1Control = 3
	acpiTagTimer      = 4
	acpiTagSMIEnabled = 5
)

// ACPIPM is the PM register block at the FADT-reported I/O base. The PM
// timer counts at 3.579545 MHz, advanced from the machine's deterministic
// time source.
type ACPIPM struct {
	pm1Status  uint16
	pm1Enable  uint16
	pm1Control uint16
	timer      uint32
	smiEnabled bool
}

func NewACPIPM() *ACPIPM {
	a := &ACPIPM{}
	a.Reset()

	return a
}

func (a *ACPIPM) Reset() {
	*a = ACPIPM{}
}

// WritePM1Status handles event-register writes: set bits clear.
func (a *ACPIPM) WritePM1Status(v uint16) {
	a.pm1Status &^= v
}

func (a *ACPIPM) WritePM1Enable(v uint16)  { a.pm1Enable = v }
func (a *ACPIPM) WritePM1Control(v uint16) { a.pm1Control = v }

func (a *ACPIPM) PM1Status() uint16  { return a.pm1Status }
func (a *ACPIPM) PM1Enable() uint16  { return a.pm1Enable }
func (a *ACPIPM) PM1Control() uint16 { return a.pm1Control }

// Timer returns the 24-bit PM timer value.
func (a *ACPIPM) Timer() uint32 {
	return a.timer & 0xffffff
}

// AdvanceTimer adds PM clock ticks.
func (a *ACPIPM) AdvanceTimer(ticks uint32) {
	a.timer += ticks
}

// EnableSMI records the guest's ACPI-enable handshake.
func (a *ACPIPM) EnableSMI() {
	a.smiEnabled = true
}

func (a *ACPIPM) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevACPIPM, snapshot.Version{Major: acpiStateVersion})
	w.FieldU16(acpiTagPM1Status, a.pm1Status)
	w.FieldU16(acpiTagPM1Enable, a.pm1Enable)
	w.FieldU16(acpiTagPM1Control, a.pm1Control)
	w.FieldU32(acpiTagTimer, a.timer)
	w.FieldBool(acpiTagSMIEnabled, a.smiEnabled)

	return w.Finish()
}

func (a *ACPIPM) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevACPIPM)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(acpiStateVersion); err != nil {
		return err
	}

	a.Reset()

	for _, f := range []struct {
		tag uint16
		dst *uint16
	}{
		{acpiTagPM1Status, &a.pm1Status},
		{acpiTagPM1Enable, &a.pm1Enable},
		{acpiTagPM1Control, &a.pm1Control},
	} {
		if err := r.U16(f.tag, f.dst); err != nil {
			return err
		}
	}

	if err := r.U32(acpiTagTimer, &a.timer); err != nil {
		return err
	}

	return r.Bool(acpiTagSMIEnabled, &a.smiEnabled)
}
