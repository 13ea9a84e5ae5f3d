package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

const xhciStateVersion = 1

const (
	xhciTagRegs        = 1
	xhciTagPorts       = 2
	xhciTagInterrupter = 3
)

const (
	xhciRegsLen        = 36
	xhciInterrupterLen = 30
)

// NumXHCIPorts is the root hub width of this model.
const NumXHCIPorts = 4

// Interrupter is the primary event ring state.
type Interrupter struct {
	IMan   uint32
	IMod   uint32
	ERSTSz uint32
	ERSTBA uint64
	ERDP   uint64
	// CycleState is the producer cycle bit for events written after restore.
	CycleState bool
	// EventRingIndex is the producer position within the current segment.
	EventRingIndex uint8
}

// XHCI is the USB 3.0 host controller register model. Device slots, rings,
// and contexts live in guest RAM at DCBAAP and the ring bases.
type XHCI struct {
	fn *pci.Function

	USBCmd uint32
	USBSts uint32
	DNCtrl uint32
	CRCR   uint64
	DCBAAP uint64
	Config uint32

	PortSC [NumXHCIPorts]uint32

	Intr Interrupter

	// mmioBase caches BAR0, re-mirrored from config space after restore.
	mmioBase uint32
}

func NewXHCI() *XHCI {
	x := &XHCI{fn: pci.NewFunction(0x8086, 0x8c31, 0x0c0330, 1)}
	x.Reset()

	return x
}

func (x *XHCI) Function() *pci.Function {
	return x.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (x *XHCI) SyncFromConfig() {
	x.mmioBase = x.fn.BAR(0) &^ 0xf
}

func (x *XHCI) Reset() {
	fn := x.fn
	*x = XHCI{fn: fn, USBSts: 0x1, Intr: Interrupter{CycleState: true}}
}

func (x *XHCI) IRQLevel() bool {
	// IMAN interrupt-pending gated by interrupt-enable.
	return x.Intr.IMan&0x3 == 0x3
}

func (x *XHCI) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevXHCI, snapshot.Version{Major: xhciStateVersion})

	regs := make([]byte, 0, xhciRegsLen)
	regs = binary.LittleEndian.AppendUint32(regs, x.USBCmd)
	regs = binary.LittleEndian.AppendUint32(regs, x.USBSts)
	regs = binary.LittleEndian.AppendUint32(regs, x.DNCtrl)
	regs = binary.LittleEndian.AppendUint64(regs, x.CRCR)
	regs = binary.LittleEndian.AppendUint64(regs, x.DCBAAP)
	regs = binary.LittleEndian.AppendUint32(regs, x.Config)
	regs = append(regs, 0, 0, 0, 0)
	w.FieldBytes(xhciTagRegs, regs)

	ports := make([]byte, 0, NumXHCIPorts*4)
	for _, p := range x.PortSC {
		ports = binary.LittleEndian.AppendUint32(ports, p)
	}
	w.FieldBytes(xhciTagPorts, ports)

	intr := make([]byte, 0, xhciInterrupterLen)
	intr = binary.LittleEndian.AppendUint32(intr, x.Intr.IMan)
	intr = binary.LittleEndian.AppendUint32(intr, x.Intr.IMod)
	intr = binary.LittleEndian.AppendUint32(intr, x.Intr.ERSTSz)
	intr = binary.LittleEndian.AppendUint64(intr, x.Intr.ERSTBA)
	intr = binary.LittleEndian.AppendUint64(intr, x.Intr.ERDP)
	intr = append(intr, b2u8(x.Intr.CycleState), x.Intr.EventRingIndex)
	w.FieldBytes(xhciTagInterrupter, intr)

	return w.Finish()
}

func (x *XHCI) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevXHCI)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(xhciStateVersion); err != nil {
		return err
	}

	x.Reset()

	if regs, ok := r.Field(xhciTagRegs); ok {
		if len(regs) != xhciRegsLen {
			return fmt.Errorf("%w: xHCI register block is %d bytes", snapshot.ErrCorrupt, len(regs))
		}

		x.USBCmd = binary.LittleEndian.Uint32(regs[0:])
		x.USBSts = binary.LittleEndian.Uint32(regs[4:])
		x.DNCtrl = binary.LittleEndian.Uint32(regs[8:])
		x.CRCR = binary.LittleEndian.Uint64(regs[12:])
		x.DCBAAP = binary.LittleEndian.Uint64(regs[20:])
		x.Config = binary.LittleEndian.Uint32(regs[28:])
	}

	if ports, ok := r.Field(xhciTagPorts); ok {
		if len(ports) != NumXHCIPorts*4 {
			return fmt.Errorf("%w: xHCI port blob is %d bytes", snapshot.ErrCorrupt, len(ports))
		}

		for i := range x.PortSC {
			x.PortSC[i] = binary.LittleEndian.Uint32(ports[i*4:])
		}
	}

	intr, ok := r.Field(xhciTagInterrupter)
	if !ok {
		return nil
	}

	if len(intr) != xhciInterrupterLen {
		return fmt.Errorf("%w: xHCI interrupter block is %d bytes", snapshot.ErrCorrupt, len(intr))
	}

	x.Intr = Interrupter{
		IMan:           binary.LittleEndian.Uint32(intr[0:]),
		IMod:           binary.LittleEndian.Uint32(intr[4:]),
		ERSTSz:         binary.LittleEndian.Uint32(intr[8:]),
		ERSTBA:         binary.LittleEndian.Uint64(intr[12:]),
		ERDP:           binary.LittleEndian.Uint64(intr[20:]),
		CycleState:     intr[28] != 0,
		EventRingIndex: intr[29],
	}

	return nil
}

func b2u8(v bool) uint8 {
	if v {
		return 1
	}

	return 0
}
