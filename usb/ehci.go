package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

const ehciStateVersion = 1

const (
	ehciTagRegs  = 1
	ehciTagPorts = 2
)

const ehciRegsLen = 28

// NumEHCIPorts is the root hub width of this model.
const NumEHCIPorts = 4

// EHCI is the USB 2.0 host controller register model.
type EHCI struct {
	fn *pci.Function

	USBCmd           uint32
	USBSts           uint32
	USBIntr          uint32
	FrIndex          uint32
	PeriodicListBase uint32
	AsyncListAddr    uint32
	ConfigFlag       uint32

	PortSC [NumEHCIPorts]uint32

	// mmioBase caches BAR0, re-mirrored from config space after restore.
	mmioBase uint32
}

func NewEHCI() *EHCI {
	e := &EHCI{fn: pci.NewFunction(0x8086, 0x293a, 0x0c0320, 1)}
	e.Reset()

	return e
}

func (e *EHCI) Function() *pci.Function {
	return e.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (e *EHCI) SyncFromConfig() {
	e.mmioBase = e.fn.BAR(0) &^ 0xf
}

func (e *EHCI) Reset() {
	fn := e.fn
	*e = EHCI{fn: fn, USBCmd: 0x80000, USBSts: 0x1000}
}

func (e *EHCI) IRQLevel() bool {
	return e.USBSts&e.USBIntr&0x3f != 0
}

func (e *EHCI) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevEHCI, snapshot.Version{Major: ehciStateVersion})

	regs := make([]byte, 0, ehciRegsLen)
	for _, v := range []uint32{
		e.USBCmd, e.USBSts, e.USBIntr, e.FrIndex,
		e.PeriodicListBase, e.AsyncListAddr, e.ConfigFlag,
	} {
		regs = binary.LittleEndian.AppendUint32(regs, v)
	}
	w.FieldBytes(ehciTagRegs, regs)

	ports := make([]byte, 0, NumEHCIPorts*4)
	for _, p := range e.PortSC {
		ports = binary.LittleEndian.AppendUint32(ports, p)
	}
	w.FieldBytes(ehciTagPorts, ports)

	return w.Finish()
}

func (e *EHCI) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevEHCI)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(ehciStateVersion); err != nil {
		return err
	}

	e.Reset()

	if regs, ok := r.Field(ehciTagRegs); ok {
		if len(regs) != ehciRegsLen {
			return fmt.Errorf("%w: EHCI register block is %d bytes", snapshot.ErrCorrupt, len(regs))
		}

		e.USBCmd = binary.LittleEndian.Uint32(regs[0:])
		e.USBSts = binary.LittleEndian.Uint32(regs[4:])
		e.USBIntr = binary.LittleEndian.Uint32(regs[8:])
		e.FrIndex = binary.LittleEndian.Uint32(regs[12:])
		e.PeriodicListBase = binary.LittleEndian.Uint32(regs[16:])
		e.AsyncListAddr = binary.LittleEndian.Uint32(regs[20:])
		e.ConfigFlag = binary.LittleEndian.Uint32(regs[24:])
	}

	ports, ok := r.Field(ehciTagPorts)
	if !ok {
		return nil
	}

	if len(ports) != NumEHCIPorts*4 {
		return fmt.Errorf("%w: EHCI port blob is %d bytes", snapshot.ErrCorrupt, len(ports))
	}

	for i := range e.PortSC {
		e.PortSC[i] = binary.LittleEndian.Uint32(ports[i*4:])
	}

	return nil
}
