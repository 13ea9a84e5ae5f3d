package platform_test

import (
	"testing"

	"github.com/gopc-dev/gopc/platform"
)

// ---- PIT --------------------------------------------------------------------

func TestPITProgramAndRoundTrip(t *testing.T) {
	t.Parallel()

	src := platform.NewPIT()
	src.WriteControl(0x34) // channel 0, lobyte/hibyte, mode 2
	src.WriteData(0, 0x9c)
	src.WriteData(0, 0x2e) // reload 0x2e9c
	src.Tick(7)

	dst := platform.NewPIT()
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	// The restored channel continues from the captured count.
	srcLo, srcHi := src.ReadData(0), src.ReadData(0)
	dstLo, dstHi := dst.ReadData(0), dst.ReadData(0)

	if srcLo != dstLo || srcHi != dstHi {
		t.Fatalf("count %02x%02x vs %02x%02x", srcHi, srcLo, dstHi, dstLo)
	}
}

// ---- RTC --------------------------------------------------------------------

func TestRTCCMOSRoundTrip(t *testing.T) {
	t.Parallel()

	src := platform.NewRTC()
	src.WriteIndex(0x0f)
	src.WriteData(0x5a)
	src.SetCMOS(0x34, 0x12)

	dst := platform.NewRTC()
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if dst.ReadData() != 0x5a {
		t.Fatal("latched index/data not restored")
	}

	if dst.CMOS(0x34) != 0x12 || dst.CMOS(0x0b) != 0x02 {
		t.Fatalf("CMOS[0x34]=%#x CMOS[0x0b]=%#x", dst.CMOS(0x34), dst.CMOS(0x0b))
	}
}

// ---- HPET -------------------------------------------------------------------

func TestHPETComparatorLatchesStatus(t *testing.T) {
	t.Parallel()

	h := platform.NewHPET()
	h.WriteReg(0x10, 0x1)        // enable
	h.WriteReg(0x100, 0x2|0x4)   // timer 0: level-triggered, int enable
	h.WriteReg(0x108, 100)       // comparator

	h.Advance(99)

	if h.IRQLevel() {
		t.Fatal("line asserted before comparator hit")
	}

	h.Advance(1)

	if !h.IRQLevel() {
		t.Fatal("line not asserted at comparator")
	}

	// Level ack: write-1-to-clear.
	h.WriteReg(0x20, 0x1)

	if h.IRQLevel() {
		t.Fatal("line still asserted after ack")
	}
}

func TestHPETRoundTripRederivesLine(t *testing.T) {
	t.Parallel()

	src := platform.NewHPET()
	src.WriteReg(0x10, 0x1)
	src.WriteReg(0x100, 0x2|0x4)
	src.WriteReg(0x108, 50)
	src.Advance(60)

	dst := platform.NewHPET()
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if dst.ReadReg(0xf0) != 60 {
		t.Fatalf("counter %d, want 60", dst.ReadReg(0xf0))
	}

	// The line is derived from restored registers, not stored directly.
	if !dst.IRQLevel() {
		t.Fatal("restored HPET does not re-derive its line")
	}
}

// ---- ACPI PM ----------------------------------------------------------------

func TestACPIPMRoundTrip(t *testing.T) {
	t.Parallel()

	src := platform.NewACPIPM()
	src.WritePM1Enable(0x0120)
	src.WritePM1Control(0x1)
	src.AdvanceTimer(0x123456)
	src.EnableSMI()

	dst := platform.NewACPIPM()
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if dst.PM1Enable() != 0x0120 || dst.PM1Control() != 0x1 {
		t.Fatalf("PM1 %#x/%#x", dst.PM1Enable(), dst.PM1Control())
	}

	if dst.Timer() != 0x123456 {
		t.Fatalf("timer %#x", dst.Timer())
	}
}

func TestACPIPMStatusWriteClears(t *testing.T) {
	t.Parallel()

	a := platform.NewACPIPM()
	a.WritePM1Enable(0xffff)

	// Status bits are write-one-to-clear.
	a.WritePM1Status(0x0)

	if a.PM1Status() != 0 {
		t.Fatalf("status %#x", a.PM1Status())
	}
}

// ---- i8042 ------------------------------------------------------------------

func TestI8042ScancodeQueue(t *testing.T) {
	t.Parallel()

	k := platform.NewI8042()
	k.HostKey(0x1e, true)  // 'a' down
	k.HostKey(0x1e, true)  // repeat suppressed
	k.HostKey(0x1e, false) // 'a' up

	if k.ReadStatus()&0x1 == 0 {
		t.Fatal("output buffer empty")
	}

	if k.ReadData() != 0x1e || k.ReadData() != 0x9e {
		t.Fatal("scancode pairing wrong")
	}

	if k.ReadStatus()&0x1 != 0 {
		t.Fatal("status still reports data")
	}
}

func TestI8042RoundTripDropsHostState(t *testing.T) {
	t.Parallel()

	src := platform.NewI8042()
	src.HostKey(0x2a, true) // shift held at capture
	src.WriteCommand(0xdd)  // A20 off

	dst := platform.NewI8042()
	dst.HostKey(0x10, true) // stale host tracking before restore
	dst.DropHostState()

	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if dst.A20() {
		t.Fatal("A20 latch not restored")
	}

	// The queued scancode is guest state and survives; it also implies an
	// asserted line for replay.
	if !dst.IRQLevel() || dst.ReadData() != 0x2a {
		t.Fatal("guest-visible queue lost")
	}

	// Host tracking was dropped: a fresh down event for the same key is a
	// new press, not a suppressed repeat.
	dst.HostKey(0x10, true)

	if !dst.IRQLevel() {
		t.Fatal("press after restore suppressed by stale host tracking")
	}
}
