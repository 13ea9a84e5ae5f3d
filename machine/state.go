package machine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/platform"
	"github.com/gopc-dev/gopc/serial"
	"github.com/gopc-dev/gopc/snapshot"
)

const biosStateVersion = 1

const (
	biosTagBootDrive = 1
	biosTagRSDP      = 2
)

const cpuInternalVersion = 1

// Machine is the engine's Source on capture and Target on restore.
var (
	_ snapshot.Source = (*Machine)(nil)
	_ snapshot.Target = (*Machine)(nil)
)

// SnapshotMeta allocates the capture's id. Ids are never reused, so an id
// burned by a capture that later fails to write is simply skipped.
func (m *Machine) SnapshotMeta() snapshot.Meta {
	meta := snapshot.Meta{
		SnapshotID:    m.nextSnapshotID,
		CreatedUnixMs: time.Now().UnixMilli(),
		Label:         "machine " + m.cfg.MachineID.String(),
	}

	if m.captureDirty {
		parent := m.lastSnapshotID
		meta.ParentSnapshotID = &parent
	}

	m.lastSnapshotID = meta.SnapshotID
	m.nextSnapshotID = meta.SnapshotID + 1

	return meta
}

func (m *Machine) CPUStates() []snapshot.CPUState {
	states := make([]snapshot.CPUState, len(m.cpus))
	for i := range m.cpus {
		states[i] = m.cpus[i].cpu
	}

	return states
}

func (m *Machine) MMUStates() []snapshot.MMUState {
	states := make([]snapshot.MMUState, len(m.cpus))
	for i := range m.cpus {
		states[i] = m.cpus[i].mmu
	}

	return states
}

// DeviceStates collects every device envelope in a fixed order so repeated
// captures of an idle machine are byte-identical.
func (m *Machine) DeviceStates() []snapshot.DeviceState {
	states := []snapshot.DeviceState{
		mustDeviceState(m.biosState()),
		mustDeviceState(m.ram.SaveState()),
		mustDeviceState(m.intc.SaveState()),
		mustDeviceState(m.pit.SaveState()),
		mustDeviceState(m.rtc.SaveState()),
		mustDeviceState(m.hpet.SaveState()),
		mustDeviceState(m.acpi.SaveState()),
		mustDeviceState(m.kbd.SaveState()),
		mustDeviceState(m.com1.SaveState()),
		mustDeviceState(m.bus.SaveState()),
		mustDeviceState(m.router.SaveState()),
	}

	if m.display != nil {
		states = append(states, mustDeviceState(m.display.SaveState()))
	}

	if m.net != nil {
		states = append(states, mustDeviceState(m.net.SaveState()))
	}

	if !m.disks.Empty() {
		states = append(states, mustDeviceState(m.disks.SaveState()))
	}

	if m.vblk != nil {
		states = append(states, mustDeviceState(m.vblk.SaveState()))
	}

	if m.vinput != nil {
		states = append(states, mustDeviceState(m.vinput.SaveState()))
	}

	if m.usbEnabled() {
		states = append(states, mustDeviceState(m.usb.SaveState()))
	}

	states = append(states, mustDeviceState(m.cpuInternalState()))

	return states
}

func (m *Machine) DiskOverlays() []snapshot.DiskOverlayRef {
	return m.overlays
}

func (m *Machine) RAMLen() uint64 {
	return m.ram.Len()
}

func (m *Machine) ReadRAM(offset uint64, buf []byte) error {
	return m.ram.ReadAt(offset, buf)
}

func (m *Machine) DirtyPageSize() int {
	return m.ram.PageSize()
}

func (m *Machine) TakeDirtyPages() ([]uint64, bool) {
	return m.ram.Dirty().Take()
}

// ClearDirty re-arms tracking on top of discarding marks, so the full
// capture that just completed becomes the diff base for the next
// incremental one.
func (m *Machine) ClearDirty() {
	m.ram.Dirty().Clear()
	m.ram.Dirty().Arm()
}

func (m *Machine) usbEnabled() bool {
	return m.cfg.EnableUHCI || m.cfg.EnableEHCI || m.cfg.EnableXHCI
}

func (m *Machine) biosState() []byte {
	w := snapshot.NewWriter(snapshot.DevBIOS, snapshot.Version{Major: biosStateVersion})
	w.FieldU8(biosTagBootDrive, m.bootDrive)
	w.FieldU64(biosTagRSDP, m.rsdpAddr)

	return w.Finish()
}

func (m *Machine) loadBIOS(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevBIOS)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(biosStateVersion); err != nil {
		return err
	}

	if err := r.U8(biosTagBootDrive, &m.bootDrive); err != nil {
		return err
	}

	return r.U64(biosTagRSDP, &m.rsdpAddr)
}

// cpuInternalState carries the non-architectural per-CPU bookkeeping: the
// pending external-interrupt FIFO and the instruction-boundary interrupt
// shadow. One field per CPU, tagged by APIC id.
func (m *Machine) cpuInternalState() []byte {
	w := snapshot.NewWriter(snapshot.DevCPUInternal, snapshot.Version{Major: cpuInternalVersion})

	for i := range m.cpus {
		v := &m.cpus[i]
		rec := make([]byte, 0, 3+len(v.pendingIntr))
		rec = append(rec, v.intrShadow)
		rec = append(rec, uint8(len(v.pendingIntr)), uint8(len(v.pendingIntr)>>8))
		rec = append(rec, v.pendingIntr...)
		w.FieldBytes(uint16(v.cpu.APICID)+1, rec)
	}

	return w.Finish()
}

func (m *Machine) loadCPUInternal(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevCPUInternal)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(cpuInternalVersion); err != nil {
		return err
	}

	for i := range m.cpus {
		v := &m.cpus[i]
		v.pendingIntr = nil
		v.intrShadow = 0

		rec, ok := r.Field(uint16(v.cpu.APICID) + 1)
		if !ok {
			continue
		}

		if len(rec) < 3 {
			return fmt.Errorf("%w: cpu %d internal record is %d bytes",
				snapshot.ErrCorrupt, v.cpu.APICID, len(rec))
		}

		count := int(rec[1]) | int(rec[2])<<8
		if len(rec) != 3+count {
			return fmt.Errorf("%w: cpu %d pending fifo claims %d vectors in %d bytes",
				snapshot.ErrCorrupt, v.cpu.APICID, count, len(rec))
		}

		v.intrShadow = rec[0]
		if count > 0 {
			v.pendingIntr = append([]uint8(nil), rec[3:]...)
		}
	}

	return nil
}

func mustDeviceState(data []byte) snapshot.DeviceState {
	st, err := snapshot.NewDeviceState(data, 0)
	if err != nil {
		panic(err)
	}

	return st
}

// PreRestore drops everything host-side that must not leak into the
// restored machine: the pressed-key pairing set, the attached network
// backend, install media handles, and any latched reset.
func (m *Machine) PreRestore() {
	m.kbd.DropHostState()

	if m.net != nil {
		m.net.DetachBackend()
	}

	m.installMedia = ""
	m.resetLatched = false
}

// RestoreMeta adopts the snapshot's id so ids allocated after restore never
// collide with ids the snapshot chain already used.
func (m *Machine) RestoreMeta(meta snapshot.Meta) {
	m.lastSnapshotID = meta.SnapshotID
	if m.nextSnapshotID <= meta.SnapshotID {
		m.nextSnapshotID = meta.SnapshotID + 1
	}
}

func (m *Machine) RestoreCPUStates(states []snapshot.CPUState) error {
	if err := checkCPUCoverage(len(m.cpus), apicIDsOf(states, func(s *snapshot.CPUState) uint32 { return s.APICID })); err != nil {
		return err
	}

	for i := range states {
		m.cpus[states[i].APICID].cpu = states[i]
	}

	return nil
}

func (m *Machine) RestoreMMUStates(states []snapshot.MMUState) error {
	if err := checkCPUCoverage(len(m.cpus), apicIDsOf(states, func(s *snapshot.MMUState) uint32 { return s.APICID })); err != nil {
		return err
	}

	for i := range states {
		m.cpus[states[i].APICID].mmu = states[i]
	}

	return nil
}

func apicIDsOf[T any](states []T, id func(*T) uint32) []uint32 {
	ids := make([]uint32, len(states))
	for i := range states {
		ids[i] = id(&states[i])
	}

	return ids
}

// checkCPUCoverage requires the snapshot's APIC id set to exactly cover the
// configured CPUs 0..n-1, each once.
func checkCPUCoverage(n int, ids []uint32) error {
	if len(ids) != n {
		return fmt.Errorf("%w: snapshot has %d CPUs, machine has %d",
			snapshot.ErrCorrupt, len(ids), n)
	}

	seen := make([]bool, n)
	for _, id := range ids {
		if id >= uint32(n) || seen[id] {
			return fmt.Errorf("%w: bad APIC id %d for %d-CPU machine",
				snapshot.ErrCorrupt, id, n)
		}

		seen[id] = true
	}

	return nil
}

type configSynced interface {
	SyncFromConfig()
}

// RestoreDeviceStates applies all envelopes in dependency order:
//
//  1. the interrupt controller complex, so line calls from later phases
//     land in restored routing state;
//  2. the PCI core (split config+router envelopes, or the legacy combined
//     one), then a first INTx replay from the routing table;
//  3. device decode state re-mirrored from restored config space, then the
//     device families: storage, network, input, USB, and the platform and
//     firmware envelopes that depend on nothing;
//  4. HPET, whose restored comparator state re-derives its own line;
//  5. a second replay so the lines now driven by restored devices reach the
//     controller, then baseline adoption ending restore leniency;
//  6. the non-architectural CPU bookkeeping, last, so nothing that runs
//     during device restore can perturb it.
//
// Unknown envelope versions and decode failures of optional devices are
// local: the envelope is skipped with a log line. Envelopes for devices the
// machine does not have aggregate into the returned config-mismatch error.
func (m *Machine) RestoreDeviceStates(states []snapshot.DeviceState) error {
	byID := make(map[snapshot.DeviceID]snapshot.DeviceState, len(states))
	for _, st := range states {
		// Envelopes are unique by (id, version, flags) on the wire, but
		// each device id decodes into exactly one model here; two
		// envelopes for the same id cannot both apply.
		if _, dup := byID[st.ID]; dup {
			return fmt.Errorf("%w: device envelope %s appears twice", snapshot.ErrCorrupt, st.ID)
		}

		byID[st.ID] = st
	}

	var mismatches []error

	apply := func(id snapshot.DeviceID, dev snapshot.Device, present bool) {
		st, ok := byID[id]
		if !ok {
			return
		}

		delete(byID, id)

		if !present {
			mismatches = append(mismatches, fmt.Errorf(
				"%w: snapshot carries %s but this machine has no such device",
				snapshot.ErrConfigMismatch, id))

			return
		}

		if err := dev.LoadState(st.Data); err != nil {
			switch {
			case errors.Is(err, snapshot.ErrVersionMismatch):
				log.Printf("machine: skipping %s envelope: %v", id, err)
			case errors.Is(err, snapshot.ErrConfigMismatch):
				mismatches = append(mismatches, err)
			default:
				log.Printf("machine: %s envelope rejected, keeping current state: %v", id, err)
			}
		}
	}

	// Interrupt controller complex first. Either id decodes into the same
	// controller; only consume one.
	if _, ok := byID[snapshot.DevInterrupts]; ok {
		apply(snapshot.DevInterrupts, m.intc, true)
	} else {
		apply(snapshot.DevAPIC, m.intc, true)
	}
	m.intc.BeginRestore()

	m.restorePCICore(byID, apply)

	// First replay: routing state is restored, device levels are still
	// pre-restore. The second replay below supersedes these levels.
	m.router.Replay(m.intc)

	// Decode state derived from config space is re-mirrored before any
	// device interprets its own envelope.
	for _, d := range m.arena {
		if cs, ok := d.(configSynced); ok {
			cs.SyncFromConfig()
		}
	}

	apply(snapshot.DevDiskCtrl, m.disks, !m.disks.Empty())
	apply(snapshot.DevE1000, m.net, m.net != nil)
	apply(snapshot.DevVirtioBlk, m.vblk, m.vblk != nil)
	apply(snapshot.DevVirtioInput, m.vinput, m.vinput != nil)
	apply(snapshot.DevUSB, m.usb, m.usbEnabled())
	apply(snapshot.DevVGA, m.display, m.display != nil)

	apply(snapshot.DevSerial, m.com1, true)
	apply(snapshot.DevPIT, m.pit, true)
	apply(snapshot.DevRTC, m.rtc, true)
	apply(snapshot.DevACPIPM, m.acpi, true)
	apply(snapshot.DevI8042, m.kbd, true)
	apply(snapshot.DevMemory, m.ram, true)
	apply(snapshot.DevBIOS, deviceFunc{load: m.loadBIOS}, true)

	// HPET after the families: its restored comparators re-derive its line.
	apply(snapshot.DevHPET, m.hpet, true)

	// Second replay: every device has restored its own output by now.
	m.router.Replay(m.intc)
	m.intc.SetLevel(serial.COM1IRQ, m.com1.IRQLevel())
	m.intc.SetLevel(platform.KeyboardIRQ, m.kbd.IRQLevel())
	m.intc.SetLevel(platform.HPETIRQ, m.hpet.IRQLevel())

	m.intc.AdoptBaseline()

	apply(snapshot.DevCPUInternal, deviceFunc{load: m.loadCPUInternal}, true)

	for id := range byID {
		log.Printf("machine: ignoring envelope for unknown device %s", id)
	}

	return errors.Join(mismatches...)
}

// restorePCICore applies the config-space and INTx-router envelopes,
// falling back to the legacy combined envelope when only that is present.
func (m *Machine) restorePCICore(byID map[snapshot.DeviceID]snapshot.DeviceState, apply func(snapshot.DeviceID, snapshot.Device, bool)) {
	_, haveConfig := byID[snapshot.DevPCIConfig]
	_, haveIntx := byID[snapshot.DevPCIIntx]

	if haveConfig || haveIntx {
		apply(snapshot.DevPCIConfig, m.bus, true)
		apply(snapshot.DevPCIIntx, m.router, true)
		delete(byID, snapshot.DevPCILegacy)

		return
	}

	st, ok := byID[snapshot.DevPCILegacy]
	if !ok {
		return
	}

	delete(byID, snapshot.DevPCILegacy)

	configEnv, routerEnv, err := pci.DecodeLegacyCombined(st.Data)
	if err != nil {
		log.Printf("machine: legacy PCI envelope rejected, keeping current state: %v", err)

		return
	}

	if err := m.bus.LoadState(configEnv); err != nil {
		log.Printf("machine: legacy PCI config rejected, keeping current state: %v", err)
	}

	if routerEnv != nil {
		if err := m.router.LoadState(routerEnv); err != nil {
			log.Printf("machine: legacy INTx routes rejected, keeping current state: %v", err)
		}
	}
}

// deviceFunc adapts a load function to the device interface for state that
// lives on the machine itself.
type deviceFunc struct {
	load func([]byte) error
}

func (d deviceFunc) SaveState() []byte {
	return nil
}

func (d deviceFunc) LoadState(data []byte) error {
	return d.load(data)
}

// RestoreDiskOverlays hands back the overlay references as plain data; the
// VMM re-opens and re-attaches the backing files.
func (m *Machine) RestoreDiskOverlays(refs []snapshot.DiskOverlayRef) {
	m.overlays = refs
}

func (m *Machine) WriteRAM(offset uint64, data []byte) error {
	return m.ram.WriteAt(offset, data)
}

// PostRestore flushes the translation cache and re-anchors the
// deterministic time source on the restored boot CPU's TSC.
func (m *Machine) PostRestore() error {
	m.tlbValid = false
	m.timeBaseTSC = m.cpus[0].mmu.TSC

	return nil
}
