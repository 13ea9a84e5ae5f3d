package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

const uhciStateVersion = 1

const (
	uhciTagRegs  = 1
	uhciTagPorts = 2
)

const uhciRegsLen = 13

// NumUHCIPorts is fixed by the controller design.
const NumUHCIPorts = 2

// UHCI is the USB 1.1 host controller register model. Transfer descriptors
// and queue heads live in guest RAM at FLBaseAdd.
type UHCI struct {
	fn *pci.Function

	USBCmd    uint16
	USBSts    uint16
	USBIntr   uint16
	FrNum     uint16
	FLBaseAdd uint32
	SOFMod    uint8

	PortSC [NumUHCIPorts]uint16

	// ioBase caches BAR4, re-mirrored from config space after restore.
	ioBase uint32
}

func NewUHCI() *UHCI {
	u := &UHCI{fn: pci.NewFunction(0x8086, 0x7112, 0x0c0300, 4)}
	u.Reset()

	return u
}

func (u *UHCI) Function() *pci.Function {
	return u.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (u *UHCI) SyncFromConfig() {
	u.ioBase = u.fn.BAR(4) &^ 0x3
}

func (u *UHCI) Reset() {
	fn := u.fn
	*u = UHCI{fn: fn, SOFMod: 0x40}
}

// IRQLevel reports the line implied by status and enabled interrupt causes.
func (u *UHCI) IRQLevel() bool {
	return u.USBSts&u.USBIntr&0x3 != 0
}

func (u *UHCI) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevUHCI, snapshot.Version{Major: uhciStateVersion})

	regs := make([]byte, 0, uhciRegsLen)
	regs = binary.LittleEndian.AppendUint16(regs, u.USBCmd)
	regs = binary.LittleEndian.AppendUint16(regs, u.USBSts)
	regs = binary.LittleEndian.AppendUint16(regs, u.USBIntr)
	regs = binary.LittleEndian.AppendUint16(regs, u.FrNum)
	regs = binary.LittleEndian.AppendUint32(regs, u.FLBaseAdd)
	regs = append(regs, u.SOFMod)
	w.FieldBytes(uhciTagRegs, regs)

	ports := make([]byte, 0, NumUHCIPorts*2)
	for _, p := range u.PortSC {
		ports = binary.LittleEndian.AppendUint16(ports, p)
	}
	w.FieldBytes(uhciTagPorts, ports)

	return w.Finish()
}

func (u *UHCI) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevUHCI)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(uhciStateVersion); err != nil {
		return err
	}

	u.Reset()

	if regs, ok := r.Field(uhciTagRegs); ok {
		if len(regs) != uhciRegsLen {
			return fmt.Errorf("%w: UHCI register block is %d bytes", snapshot.ErrCorrupt, len(regs))
		}

		u.USBCmd = binary.LittleEndian.Uint16(regs[0:])
		u.USBSts = binary.LittleEndian.Uint16(regs[2:])
		u.USBIntr = binary.LittleEndian.Uint16(regs[4:])
		u.FrNum = binary.LittleEndian.Uint16(regs[6:])
		u.FLBaseAdd = binary.LittleEndian.Uint32(regs[8:])
		u.SOFMod = regs[12]
	}

	ports, ok := r.Field(uhciTagPorts)
	if !ok {
		return nil
	}

	if len(ports) != NumUHCIPorts*2 {
		return fmt.Errorf("%w: UHCI port blob is %d bytes", snapshot.ErrCorrupt, len(ports))
	}

	for i := range u.PortSC {
		u.PortSC[i] = binary.LittleEndian.Uint16(ports[i*2:])
	}

	return nil
}
