// Package machine composes the emulated PC: CPUs, RAM, the interrupt
// controller complex, the PCI core, and the device models. The machine is
// the engine's Source on capture and Target on restore; all cross-device
// restore ordering lives here.
package machine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/gopc-dev/gopc/intc"
	"github.com/gopc-dev/gopc/iodev"
	"github.com/gopc-dev/gopc/memory"
	"github.com/gopc-dev/gopc/nic"
	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/platform"
	"github.com/gopc-dev/gopc/serial"
	"github.com/gopc-dev/gopc/snapshot"
	"github.com/gopc-dev/gopc/storage"
	"github.com/gopc-dev/gopc/usb"
	"github.com/gopc-dev/gopc/vga"
	"github.com/gopc-dev/gopc/virtio"
)

// PCI slot assignments of the standard machine.
const (
	bdfIDE         = 0<<8 | 1<<3 | 1
	bdfVGA         = 0<<8 | 2<<3 | 0
	bdfNIC         = 0<<8 | 3<<3 | 0
	bdfAHCI        = 0<<8 | 4<<3 | 0
	bdfNVMe        = 0<<8 | 5<<3 | 0
	bdfVirtioBlk   = 0<<8 | 6<<3 | 0
	bdfVirtioInput = 0<<8 | 7<<3 | 0
	bdfXHCI        = 0<<8 | 0x14<<3 | 0
	bdfEHCI        = 0<<8 | 0x1a<<3 | 0
	bdfUHCI        = 0<<8 | 0x1d<<3 | 0
)

// Config selects the machine topology. A snapshot taken on one Config
// restores only onto a machine with a compatible one.
type Config struct {
	NCPUs   int
	RAMSize uint64

	// MachineID identifies this machine in snapshot labels.
	MachineID uuid.UUID

	EnableVGA         bool
	EnableNIC         bool
	EnableIDE         bool
	EnableAHCI        bool
	EnableNVMe        bool
	EnableVirtioBlk   bool
	EnableVirtioInput bool
	EnableUHCI        bool
	EnableEHCI        bool
	EnableXHCI        bool
}

// vcpu is one virtual CPU: architectural state plus the non-architectural
// bookkeeping restored after all interrupt sources settle.
type vcpu struct {
	cpu snapshot.CPUState
	mmu snapshot.MMUState

	// pendingIntr is the external-interrupt FIFO not yet injected.
	pendingIntr []uint8
	// intrShadow counts instruction boundaries still inhibiting delivery.
	intrShadow uint8
}

// Machine owns every device. Devices live in stable arena slots; IRQ
// closures capture slot handles so reset and restore can mutate devices in
// place without invalidating wiring.
type Machine struct {
	cfg Config

	cpus []vcpu
	ram  *memory.RAM

	arena []snapshot.Device

	intc   *intc.Controller
	bus    *pci.Bus
	router *pci.Router

	com1 *serial.Serial
	pit  *platform.PIT
	rtc  *platform.RTC
	hpet *platform.HPET
	acpi *platform.ACPIPM
	kbd  *platform.I8042

	display *vga.VGA
	net     *nic.E1000
	vblk    *virtio.Blk
	vinput  *virtio.Input

	ide   *storage.IDE
	ahci  *storage.AHCI
	nvme  *storage.NVMe
	disks *storage.ControllerSet

	usb *usb.Family

	io        *iodev.Bus
	debugPort *iodev.DebugPort

	overlays []snapshot.DiskOverlayRef

	// Host-only state, dropped on PreRestore.
	installMedia string
	resetLatched bool

	// Firmware bookkeeping frozen after POST.
	bootDrive uint8
	rsdpAddr  uint64

	lastSnapshotID uint64
	nextSnapshotID uint64

	// captureDirty selects whether the next capture records the parent id.
	captureDirty bool

	// tlbValid models the CPU-side translation cache; restore must leave
	// it flushed.
	tlbValid bool
	// timeBaseTSC is the deterministic time source anchor.
	timeBaseTSC uint64
}

func New(cfg Config) (*Machine, error) {
	if cfg.NCPUs <= 0 || cfg.NCPUs > 256 {
		return nil, fmt.Errorf("unsupported CPU count %d", cfg.NCPUs)
	}

	ram, err := memory.NewRAM(cfg.RAMSize)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:            cfg,
		ram:            ram,
		intc:           intc.New(),
		bus:            pci.NewBus(),
		router:         pci.NewRouter(),
		pit:            platform.NewPIT(),
		rtc:            platform.NewRTC(),
		hpet:           platform.NewHPET(),
		acpi:           platform.NewACPIPM(),
		kbd:            platform.NewI8042(),
		io:             iodev.NewBus(),
		debugPort:      &iodev.DebugPort{},
		bootDrive:      0x80,
		nextSnapshotID: 1,
		tlbValid:       true,
	}

	m.com1, err = serial.New(func(level bool) {
		m.intc.SetLevel(serial.COM1IRQ, level)
	})
	if err != nil {
		return nil, err
	}

	m.cpus = make([]vcpu, cfg.NCPUs)
	for i := range m.cpus {
		m.cpus[i] = newVCPU(uint32(i))
	}

	m.addSlot(m.intc)
	m.addSlot(m.ram)
	m.addSlot(m.com1)
	m.addSlot(m.pit)
	m.addSlot(m.rtc)
	m.addSlot(m.hpet)
	m.addSlot(m.acpi)
	m.addSlot(m.kbd)

	if cfg.EnableVGA {
		m.display = vga.New(vga.DefaultVRAMSize)
		m.addSlot(m.display)
	}

	if cfg.EnableNIC {
		m.net = nic.New([6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56})
		m.addPCIFunction(bdfNIC, m.net.Function(), m.addSlot(m.net))
	}

	m.disks = storage.NewControllerSet()

	if cfg.EnableIDE {
		m.ide = storage.NewIDE()
		h := m.addSlot(m.ide)
		m.addPCIFunction(bdfIDE, m.ide.Function(), h)
		m.disks.Add(bdfBus(bdfIDE), bdfDev(bdfIDE), bdfFn(bdfIDE), m.ide)
	}

	if cfg.EnableAHCI {
		m.ahci = storage.NewAHCI(2)
		h := m.addSlot(m.ahci)
		m.addPCIFunction(bdfAHCI, m.ahci.Function(), h)
		m.disks.Add(bdfBus(bdfAHCI), bdfDev(bdfAHCI), bdfFn(bdfAHCI), m.ahci)
	}

	if cfg.EnableNVMe {
		m.nvme = storage.NewNVMe()
		h := m.addSlot(m.nvme)
		m.addPCIFunction(bdfNVMe, m.nvme.Function(), h)
		m.disks.Add(bdfBus(bdfNVMe), bdfDev(bdfNVMe), bdfFn(bdfNVMe), m.nvme)
	}

	if cfg.EnableVirtioBlk {
		m.vblk = virtio.NewBlk(1 << 21)
		m.addPCIFunction(bdfVirtioBlk, m.vblk.Function(), m.addSlot(m.vblk))
	}

	if cfg.EnableVirtioInput {
		m.vinput = virtio.NewInput(virtio.InputKeyboard)
		m.addPCIFunction(bdfVirtioInput, m.vinput.Function(), m.addSlot(m.vinput))
	}

	m.usb = usb.NewFamily()

	if cfg.EnableUHCI {
		u := usb.NewUHCI()
		m.addPCIFunction(bdfUHCI, u.Function(), m.addSlot(u))
		m.usb.Add(bdfBus(bdfUHCI), bdfDev(bdfUHCI), bdfFn(bdfUHCI), u)
	}

	if cfg.EnableEHCI {
		e := usb.NewEHCI()
		m.addPCIFunction(bdfEHCI, e.Function(), m.addSlot(e))
		m.usb.Add(bdfBus(bdfEHCI), bdfDev(bdfEHCI), bdfFn(bdfEHCI), e)
	}

	if cfg.EnableXHCI {
		x := usb.NewXHCI()
		m.addPCIFunction(bdfXHCI, x.Function(), m.addSlot(x))
		m.usb.Add(bdfBus(bdfXHCI), bdfDev(bdfXHCI), bdfFn(bdfXHCI), x)
	}

	m.wireIO()

	return m, nil
}

func newVCPU(apicID uint32) vcpu {
	v := vcpu{}
	v.cpu.APICID = apicID
	v.cpu.RFLAGS = 0x2
	v.cpu.RIP = 0xfff0
	v.mmu.APICID = apicID
	v.mmu.CR0 = 0x60000010
	v.mmu.PAT = 0x0007040600070406

	return v
}

// addSlot places dev in the next stable arena slot.
func (m *Machine) addSlot(dev snapshot.Device) int {
	m.arena = append(m.arena, dev)

	return len(m.arena) - 1
}

// levelDevice is a device that drives an interrupt line.
type levelDevice interface {
	IRQLevel() bool
}

// addPCIFunction registers a function on the bus and wires its INTx pin to
// the router. The level source closure resolves through the arena slot, not
// a captured device pointer, so it stays valid across reset and restore.
func (m *Machine) addPCIFunction(bdf uint16, fn *pci.Function, slot int) {
	if err := m.bus.AddFunction(bdf, fn); err != nil {
		panic(err)
	}

	pin := fn.InterruptPin()
	if pin == 0 {
		return
	}

	gsi := intxGSI(bdf, pin)
	m.router.AddRoute(bdf, pin, gsi)
	m.router.AttachSource(bdf, pin, func() bool {
		if d, ok := m.arena[slot].(levelDevice); ok {
			return d.IRQLevel()
		}

		return false
	})
}

// intxGSI is the fixed barber-pole INTx-to-GSI swizzle.
func intxGSI(bdf uint16, pin uint8) uint8 {
	device := uint8(bdf>>3) & 0x1f

	return 16 + (device+pin-1)%4
}

func bdfBus(bdf uint16) uint8 { return uint8(bdf >> 8) }
func bdfDev(bdf uint16) uint8 { return uint8(bdf>>3) & 0x1f }
func bdfFn(bdf uint16) uint8  { return uint8(bdf) & 0x7 }

// Accessors used by the VMM layer and tests.

func (m *Machine) Config() Config               { return m.cfg }
func (m *Machine) RAM() *memory.RAM             { return m.ram }
func (m *Machine) Interrupts() *intc.Controller { return m.intc }
func (m *Machine) PCIBus() *pci.Bus             { return m.bus }
func (m *Machine) INTxRouter() *pci.Router      { return m.router }
func (m *Machine) Serial() *serial.Serial       { return m.com1 }
func (m *Machine) PIT() *platform.PIT           { return m.pit }
func (m *Machine) RTC() *platform.RTC           { return m.rtc }
func (m *Machine) HPET() *platform.HPET         { return m.hpet }
func (m *Machine) ACPI() *platform.ACPIPM       { return m.acpi }
func (m *Machine) Keyboard() *platform.I8042    { return m.kbd }
func (m *Machine) VGA() *vga.VGA                { return m.display }
func (m *Machine) NIC() *nic.E1000              { return m.net }
func (m *Machine) IDE() *storage.IDE            { return m.ide }
func (m *Machine) AHCI() *storage.AHCI          { return m.ahci }
func (m *Machine) NVMe() *storage.NVMe          { return m.nvme }
func (m *Machine) VirtioBlk() *virtio.Blk       { return m.vblk }
func (m *Machine) VirtioInput() *virtio.Input   { return m.vinput }
func (m *Machine) USB() *usb.Family             { return m.usb }

// CPU exposes one vCPU's architectural register state for mutation.
func (m *Machine) CPU(i int) *snapshot.CPUState {
	return &m.cpus[i].cpu
}

// MMU exposes one vCPU's MMU register state for mutation.
func (m *Machine) MMU(i int) *snapshot.MMUState {
	return &m.cpus[i].mmu
}

// QueueExternalInterrupt appends a vector to one vCPU's pending FIFO.
func (m *Machine) QueueExternalInterrupt(cpu int, vector uint8) {
	m.cpus[cpu].pendingIntr = append(m.cpus[cpu].pendingIntr, vector)
}

// PendingExternalInterrupts reports one vCPU's FIFO.
func (m *Machine) PendingExternalInterrupts(cpu int) []uint8 {
	return m.cpus[cpu].pendingIntr
}

// SetInterruptShadow sets the instruction-boundary inhibit counter.
func (m *Machine) SetInterruptShadow(cpu int, count uint8) {
	m.cpus[cpu].intrShadow = count
}

// InterruptShadow reports the inhibit counter.
func (m *Machine) InterruptShadow(cpu int) uint8 {
	return m.cpus[cpu].intrShadow
}

// SetBootDrive records the firmware's selected boot drive.
func (m *Machine) SetBootDrive(d uint8) {
	m.bootDrive = d
}

// BootDrive reports the firmware's selected boot drive.
func (m *Machine) BootDrive() uint8 {
	return m.bootDrive
}

// SetRSDPAddr records where the firmware placed the ACPI RSDP.
func (m *Machine) SetRSDPAddr(addr uint64) {
	m.rsdpAddr = addr
}

// RSDPAddr reports the ACPI RSDP location.
func (m *Machine) RSDPAddr() uint64 {
	return m.rsdpAddr
}

// LastSnapshotID reports the id of the most recent capture or restore.
func (m *Machine) LastSnapshotID() uint64 {
	return m.lastSnapshotID
}

// MarkIncrementalCapture selects whether the next capture records a parent
// snapshot id. The VMM sets it before an incremental save and clears it
// after.
func (m *Machine) MarkIncrementalCapture(dirty bool) {
	m.captureDirty = dirty
}

// AttachDisk records an overlay reference written by the host on disk
// attach. The engine carries it verbatim and never opens either file.
func (m *Machine) AttachDisk(ref snapshot.DiskOverlayRef) {
	m.overlays = append(m.overlays, ref)
}

// DiskOverlayRefs returns the currently attached overlay references.
func (m *Machine) DiskOverlayRefs() []snapshot.DiskOverlayRef {
	return m.overlays
}

// AttachInstallMedia records a host-side install media handle. It never
// enters a snapshot and is dropped on restore.
func (m *Machine) AttachInstallMedia(path string) {
	m.installMedia = path
}

// InstallMedia reports the attached handle.
func (m *Machine) InstallMedia() string {
	return m.installMedia
}

// LatchReset records a pending reset signal.
func (m *Machine) LatchReset() {
	m.resetLatched = true
}

// ResetLatched reports a pending reset signal.
func (m *Machine) ResetLatched() bool {
	return m.resetLatched
}

// TLBValid reports whether the CPU-side translation cache may be used.
func (m *Machine) TLBValid() bool {
	return m.tlbValid
}

// TouchTLB marks the translation cache warm; restore flushes it.
func (m *Machine) TouchTLB() {
	m.tlbValid = true
}

// TimeBaseTSC reports the deterministic time source anchor.
func (m *Machine) TimeBaseTSC() uint64 {
	return m.timeBaseTSC
}

type resettable interface {
	Reset()
}

// Reset returns every device and CPU to power-on state in place. Arena
// slots, PCI wiring, and IRQ closures stay valid.
func (m *Machine) Reset() {
	for i := range m.cpus {
		m.cpus[i] = newVCPU(uint32(i))
	}

	for _, dev := range m.arena {
		if r, ok := dev.(resettable); ok {
			r.Reset()
		}
	}

	m.resetLatched = false
	m.tlbValid = true
}
