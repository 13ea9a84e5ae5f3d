// Package pci models the PCI core of a gopc machine: configuration space
// access mechanism #1 behind ports 0xCF8/0xCFC, per-function config headers,
// and the legacy INTx interrupt router. Bus enumeration and resource
// assignment belong to firmware, not to this package.
package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// see pci_conf1_read in linux/arch/x86/pci/direct.c

const (
	PortConfigAddress = 0xCF8
	PortConfigData    = 0xCFC
)

type Address uint32

func (a Address) RegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a Address) FunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a Address) DeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a Address) BusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a Address) Enabled() bool {
	return uint32(a)>>31 == 1
}

// BDF packs the addressed function into a wrapper inner key.
func (a Address) BDF() uint16 {
	return snapshot.PackBDF(uint8(a.BusNumber()), uint8(a.DeviceNumber()), uint8(a.FunctionNumber()))
}

// Standard type-0 header register offsets.
const (
	regVendorID      = 0x00
	regDeviceID      = 0x02
	regCommand       = 0x04
	regStatus        = 0x06
	regClassCode     = 0x09
	regHeaderType    = 0x0e
	regBAR0          = 0x10
	regInterruptLine = 0x3c
	regInterruptPin  = 0x3d
)

const configSpaceLen = 256

// NumBARs is the BAR count of a type-0 header.
const NumBARs = 6

// Function is one PCI function's 256-byte configuration space.
type Function struct {
	config [configSpaceLen]byte
}

// NewFunction builds a type-0 header with the identity registers filled in.
func NewFunction(vendorID, deviceID uint16, classCode uint32, interruptPin uint8) *Function {
	f := &Function{}
	binary.LittleEndian.PutUint16(f.config[regVendorID:], vendorID)
	binary.LittleEndian.PutUint16(f.config[regDeviceID:], deviceID)
	f.config[regClassCode] = byte(classCode)
	f.config[regClassCode+1] = byte(classCode >> 8)
	f.config[regClassCode+2] = byte(classCode >> 16)
	f.config[regInterruptPin] = interruptPin

	return f
}

// Read returns size (1/2/4) bytes at offset, little-endian.
func (f *Function) Read(offset uint32, size int) uint32 {
	var v uint32

	for i := 0; i < size && offset+uint32(i) < configSpaceLen; i++ {
		v |= uint32(f.config[offset+uint32(i)]) << (8 * i)
	}

	return v
}

// Write stores size bytes at offset. Identity registers are read-only.
func (f *Function) Write(offset uint32, size int, value uint32) {
	for i := 0; i < size && offset+uint32(i) < configSpaceLen; i++ {
		o := offset + uint32(i)
		if o < regCommand || o == regInterruptPin {
			continue
		}

		f.config[o] = byte(value >> (8 * i))
	}
}

func (f *Function) Command() uint16 {
	return binary.LittleEndian.Uint16(f.config[regCommand:])
}

func (f *Function) BAR(i int) uint32 {
	if i < 0 || i >= NumBARs {
		return 0
	}

	return binary.LittleEndian.Uint32(f.config[regBAR0+4*i:])
}

func (f *Function) SetBAR(i int, v uint32) {
	if i >= 0 && i < NumBARs {
		binary.LittleEndian.PutUint32(f.config[regBAR0+4*i:], v)
	}
}

func (f *Function) InterruptPin() uint8 {
	return f.config[regInterruptPin]
}

func (f *Function) VendorID() uint16 {
	return binary.LittleEndian.Uint16(f.config[regVendorID:])
}

func (f *Function) DeviceID() uint16 {
	return binary.LittleEndian.Uint16(f.config[regDeviceID:])
}

// Bytes returns a copy of the raw config space.
func (f *Function) Bytes() []byte {
	out := make([]byte, configSpaceLen)
	copy(out, f.config[:])

	return out
}

const busStateVersion = 1

const (
	busTagAddress   = 1
	busTagFunctions = 2
)

var functionsRecordID = snapshot.DeviceID{'P', 'C', 'F', 'N'}

// Bus is the config-port front end plus every registered function, keyed by
// packed bus/device/function.
type Bus struct {
	addr Address
	fns  map[uint16]*Function
	// insertion order, so enumeration and snapshots are deterministic.
	order []uint16
}

func NewBus() *Bus {
	return &Bus{fns: make(map[uint16]*Function)}
}

// AddFunction registers a function at bdf.
func (b *Bus) AddFunction(bdf uint16, f *Function) error {
	if _, dup := b.fns[bdf]; dup {
		bus, dev, fn := snapshot.UnpackBDF(bdf)

		return fmt.Errorf("function %02x:%02x.%d already present", bus, dev, fn)
	}

	b.fns[bdf] = f
	b.order = append(b.order, bdf)

	return nil
}

// Function returns the function at bdf, if present.
func (b *Bus) Function(bdf uint16) (*Function, bool) {
	f, ok := b.fns[bdf]

	return f, ok
}

// ConfAddrOut latches the config address (port 0xCF8 dword write).
func (b *Bus) ConfAddrOut(values []byte) {
	if len(values) == 4 {
		b.addr = Address(binary.LittleEndian.Uint32(values))
	}
}

// ConfAddrIn reads back the latched config address.
func (b *Bus) ConfAddrIn(values []byte) {
	if len(values) == 4 {
		binary.LittleEndian.PutUint32(values, uint32(b.addr))
	}
}

// ConfDataIn handles a read from ports 0xCFC..0xCFF.
func (b *Bus) ConfDataIn(port uint64, values []byte) {
	if !b.addr.Enabled() {
		return
	}

	f, ok := b.fns[b.addr.BDF()]
	if !ok {
		// No device: all ones, like real hardware.
		for i := range values {
			values[i] = 0xff
		}

		return
	}

	offset := b.addr.RegisterOffset() + uint32(port-PortConfigData)
	v := f.Read(offset, len(values))

	for i := range values {
		values[i] = byte(v >> (8 * i))
	}
}

// ConfDataOut handles a write to ports 0xCFC..0xCFF.
func (b *Bus) ConfDataOut(port uint64, values []byte) {
	if !b.addr.Enabled() {
		return
	}

	f, ok := b.fns[b.addr.BDF()]
	if !ok {
		return
	}

	var v uint32
	for i := range values {
		v |= uint32(values[i]) << (8 * i)
	}

	f.Write(b.addr.RegisterOffset()+uint32(port-PortConfigData), len(values), v)
}

// SaveState serializes the latched config address and every function's
// config space under the split PCFG envelope.
func (b *Bus) SaveState() []byte {
	fns := snapshot.NewWriter(functionsRecordID, snapshot.Version{Major: 1})
	for _, bdf := range b.order {
		fns.FieldBytes(bdf, b.fns[bdf].Bytes())
	}

	w := snapshot.NewWriter(snapshot.DevPCIConfig, snapshot.Version{Major: busStateVersion})
	w.FieldU32(busTagAddress, uint32(b.addr))
	w.FieldBytes(busTagFunctions, fns.Finish())

	return w.Finish()
}

// LoadState restores config spaces for functions present in both snapshot
// and machine; functions on either side only are left alone.
func (b *Bus) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevPCIConfig)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(busStateVersion); err != nil {
		return err
	}

	b.addr = 0

	var addr uint32
	if err := r.U32(busTagAddress, &addr); err != nil {
		return err
	}

	b.addr = Address(addr)

	rec, ok := r.Field(busTagFunctions)
	if !ok {
		return nil
	}

	fns, err := snapshot.ParseReader(rec, functionsRecordID)
	if err != nil {
		return err
	}

	if err := fns.EnsureMajor(1); err != nil {
		return err
	}

	for _, bdf := range b.order {
		cfg, ok := fns.Field(bdf)
		if !ok {
			continue
		}

		if len(cfg) != configSpaceLen {
			return fmt.Errorf("%w: function %#04x config is %d bytes",
				snapshot.ErrCorrupt, bdf, len(cfg))
		}

		copy(b.fns[bdf].config[:], cfg)
	}

	return nil
}
