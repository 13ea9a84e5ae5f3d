package pci_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

func newBusWithNIC(t *testing.T) (*pci.Bus, uint16) {
	t.Helper()

	b := pci.NewBus()
	bdf := snapshot.PackBDF(0, 3, 0)

	f := pci.NewFunction(0x8086, 0x100e, 0x020000, 1)
	if err := b.AddFunction(bdf, f); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	return b, bdf
}

// confAddr latches a mechanism #1 address for bus 0, dev, fn 0, reg.
func confAddr(t *testing.T, b *pci.Bus, dev, reg uint32) {
	t.Helper()

	var v [4]byte

	binary.LittleEndian.PutUint32(v[:], 1<<31|dev<<11|reg)
	b.ConfAddrOut(v[:])
}

// ---- config ports -----------------------------------------------------------

func TestConfigPortReadWrite(t *testing.T) {
	t.Parallel()

	b, _ := newBusWithNIC(t)

	// Vendor/device id dword at offset 0.
	confAddr(t, b, 3, 0)

	var id [4]byte

	b.ConfDataIn(pci.PortConfigData, id[:])

	if got := binary.LittleEndian.Uint32(id[:]); got != 0x100e8086 {
		t.Fatalf("id dword %#x, want 0x100e8086", got)
	}

	// Command register write, 2 bytes at 0xCFC.
	confAddr(t, b, 3, 4)
	b.ConfDataOut(pci.PortConfigData, []byte{0x07, 0x00})

	f, _ := b.Function(snapshot.PackBDF(0, 3, 0))
	if f.Command() != 0x7 {
		t.Fatalf("command %#x, want 0x7", f.Command())
	}

	// BAR0 write through the data port.
	confAddr(t, b, 3, 0x10)
	b.ConfDataOut(pci.PortConfigData, []byte{0x00, 0x00, 0x0e, 0xfe})

	if f.BAR(0) != 0xfe0e0000 {
		t.Fatalf("BAR0 %#x, want 0xfe0e0000", f.BAR(0))
	}
}

func TestAbsentFunctionReadsOnes(t *testing.T) {
	t.Parallel()

	b, _ := newBusWithNIC(t)

	confAddr(t, b, 9, 0)

	var id [4]byte

	b.ConfDataIn(pci.PortConfigData, id[:])

	if got := binary.LittleEndian.Uint32(id[:]); got != 0xffffffff {
		t.Fatalf("absent function read %#x, want all ones", got)
	}
}

func TestIdentityRegistersReadOnly(t *testing.T) {
	t.Parallel()

	b, bdf := newBusWithNIC(t)

	confAddr(t, b, 3, 0)
	b.ConfDataOut(pci.PortConfigData, []byte{0xde, 0xad, 0xbe, 0xef})

	f, _ := b.Function(bdf)
	if f.VendorID() != 0x8086 || f.DeviceID() != 0x100e {
		t.Fatalf("identity rewritten: %04x:%04x", f.VendorID(), f.DeviceID())
	}
}

// ---- snapshot ---------------------------------------------------------------

func TestBusRoundTrip(t *testing.T) {
	t.Parallel()

	src, bdf := newBusWithNIC(t)

	f, _ := src.Function(bdf)
	f.Write(0x04, 2, 0x0006)
	f.SetBAR(0, 0xfebc0000)
	confAddr(t, src, 3, 0x10)

	dst, _ := newBusWithNIC(t)
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	g, _ := dst.Function(bdf)
	if g.Command() != 0x0006 || g.BAR(0) != 0xfebc0000 {
		t.Fatalf("restored command %#x BAR0 %#x", g.Command(), g.BAR(0))
	}

	if !bytes.Equal(g.Bytes(), f.Bytes()) {
		t.Fatal("config space differs after restore")
	}

	// Latched address survives too.
	var v [4]byte

	dst.ConfAddrIn(v[:])

	if binary.LittleEndian.Uint32(v[:])&0xff != 0x10 {
		t.Fatalf("latched address %#x", binary.LittleEndian.Uint32(v[:]))
	}
}

func TestBusLoadIgnoresUnknownFunctions(t *testing.T) {
	t.Parallel()

	// Snapshot from a machine with two functions, target with one.
	src, _ := newBusWithNIC(t)
	extra := snapshot.PackBDF(0, 5, 0)

	if err := src.AddFunction(extra, pci.NewFunction(0x1af4, 0x1001, 0x010000, 2)); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}

	dst, bdf := newBusWithNIC(t)
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if _, ok := dst.Function(extra); ok {
		t.Fatal("function materialized from snapshot")
	}

	if _, ok := dst.Function(bdf); !ok {
		t.Fatal("configured function lost")
	}
}

// ---- router -----------------------------------------------------------------

type recordingSink struct {
	levels map[int]bool
}

func (s *recordingSink) SetLevel(gsi int, level bool) {
	if s.levels == nil {
		s.levels = make(map[int]bool)
	}

	s.levels[gsi] = level
}

func TestRouterReplay(t *testing.T) {
	t.Parallel()

	r := pci.NewRouter()
	nic := snapshot.PackBDF(0, 3, 0)
	disk := snapshot.PackBDF(0, 4, 0)

	r.AddRoute(nic, 1, 11)
	r.AddRoute(disk, 1, 10)

	asserted := true
	r.AttachSource(nic, 1, func() bool { return asserted })
	r.AttachSource(disk, 1, func() bool { return false })

	var sink recordingSink

	r.Replay(&sink)

	if !sink.levels[11] || sink.levels[10] {
		t.Fatalf("replayed levels %v", sink.levels)
	}
}

func TestRouterReplaySharedLineWiredOR(t *testing.T) {
	t.Parallel()

	r := pci.NewRouter()
	ide := snapshot.PackBDF(0, 1, 1)
	vblk := snapshot.PackBDF(0, 6, 0)

	// Both functions route to the same line; the deasserted one must not
	// mask the asserted one.
	r.AddRoute(ide, 1, 17)
	r.AddRoute(vblk, 1, 17)

	r.AttachSource(ide, 1, func() bool { return true })
	r.AttachSource(vblk, 1, func() bool { return false })

	var sink recordingSink

	r.Replay(&sink)

	if !sink.levels[17] {
		t.Fatalf("shared line lost: %v", sink.levels)
	}

	// A line with only deasserted sources stays low.
	r.AttachSource(ide, 1, func() bool { return false })

	sink = recordingSink{}
	r.Replay(&sink)

	if sink.levels[17] {
		t.Fatalf("line asserted with no source: %v", sink.levels)
	}
}

func TestRouterRoundTrip(t *testing.T) {
	t.Parallel()

	src := pci.NewRouter()
	src.AddRoute(snapshot.PackBDF(0, 3, 0), 1, 11)
	src.AddRoute(snapshot.PackBDF(0, 4, 0), 2, 10)

	dst := pci.NewRouter()
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if gsi, ok := dst.Route(snapshot.PackBDF(0, 4, 0), 2); !ok || gsi != 10 {
		t.Fatalf("route %d/%t, want 10", gsi, ok)
	}
}

// ---- legacy combined envelope -----------------------------------------------

func TestLegacyCombinedTagged(t *testing.T) {
	t.Parallel()

	bus, _ := newBusWithNIC(t)
	router := pci.NewRouter()
	router.AddRoute(snapshot.PackBDF(0, 3, 0), 1, 11)

	w := snapshot.NewWriter(snapshot.DevPCILegacy, snapshot.Version{Major: 1})
	w.FieldBytes(1, bus.SaveState())
	w.FieldBytes(2, router.SaveState())

	cfg, intx, err := pci.DecodeLegacyCombined(w.Finish())
	if err != nil {
		t.Fatalf("DecodeLegacyCombined: %v", err)
	}

	dstBus, bdf := newBusWithNIC(t)
	if err := dstBus.LoadState(cfg); err != nil {
		t.Fatalf("bus LoadState: %v", err)
	}

	if _, ok := dstBus.Function(bdf); !ok {
		t.Fatal("function missing after legacy restore")
	}

	dstRouter := pci.NewRouter()
	if err := dstRouter.LoadState(intx); err != nil {
		t.Fatalf("router LoadState: %v", err)
	}

	if gsi, ok := dstRouter.Route(bdf, 1); !ok || gsi != 11 {
		t.Fatalf("route %d/%t, want 11", gsi, ok)
	}
}

func TestLegacyCombinedPositional(t *testing.T) {
	t.Parallel()

	bus, _ := newBusWithNIC(t)
	router := pci.NewRouter()
	router.AddRoute(snapshot.PackBDF(0, 3, 0), 1, 11)

	cfgEnv := bus.SaveState()
	routerEnv := router.SaveState()

	// Oldest layout: config envelope, then length-prefixed router envelope.
	payload := make([]byte, 0, len(cfgEnv)+4+len(routerEnv))
	payload = append(payload, cfgEnv...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(routerEnv)))
	payload = append(payload, routerEnv...)

	cfg, intx, err := pci.DecodeLegacyCombined(payload)
	if err != nil {
		t.Fatalf("DecodeLegacyCombined: %v", err)
	}

	if !bytes.Equal(cfg, cfgEnv) || !bytes.Equal(intx, routerEnv) {
		t.Fatal("positional split wrong")
	}
}

func TestLegacyCombinedTrailingLabelIgnored(t *testing.T) {
	t.Parallel()

	bus, _ := newBusWithNIC(t)
	cfgEnv := bus.SaveState()

	payload := append(append([]byte{}, cfgEnv...), []byte("v1")...)

	cfg, intx, err := pci.DecodeLegacyCombined(payload)
	if err != nil {
		t.Fatalf("DecodeLegacyCombined: %v", err)
	}

	if intx != nil {
		t.Fatal("label misread as router record")
	}

	if !bytes.Equal(cfg, cfgEnv) {
		t.Fatal("config envelope not isolated from trailing label")
	}
}
