package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

const ahciStateVersion = 1

const (
	ahciTagHBA   = 1
	ahciTagPorts = 2
)

// ahciPortRecordLen is the wire size of one serialized port.
const ahciPortRecordLen = 52

// MaxAHCIPorts bounds the port file of this controller model.
const MaxAHCIPorts = 4

// AHCIPort is the per-port register file. CLB and FB point into guest RAM;
// the command list and FIS area themselves travel with the RAM section.
type AHCIPort struct {
	CLB  uint64
	FB   uint64
	IS   uint32
	IE   uint32
	Cmd  uint32
	TFD  uint32
	Sig  uint32
	SSts uint32
	SErr uint32
	CI   uint32
	SAct uint32
}

// AHCI is the SATA host bus adapter register model.
type AHCI struct {
	fn *pci.Function

	Cap uint32
	GHC uint32
	IS  uint32
	PI  uint32

	Ports []AHCIPort

	// abar caches BAR5, re-mirrored from config space after restore.
	abar uint32
}

func NewAHCI(numPorts int) *AHCI {
	if numPorts <= 0 || numPorts > MaxAHCIPorts {
		numPorts = MaxAHCIPorts
	}

	return &AHCI{
		fn:    pci.NewFunction(0x8086, 0x2922, 0x010601, 1),
		Ports: make([]AHCIPort, numPorts),
		PI:    uint32(1<<numPorts) - 1,
	}
}

func (c *AHCI) Function() *pci.Function {
	return c.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (c *AHCI) SyncFromConfig() {
	c.abar = c.fn.BAR(5) &^ 0xf
}

func (c *AHCI) Reset() {
	fn := c.fn
	n := len(c.Ports)
	*c = AHCI{fn: fn, Ports: make([]AHCIPort, n), PI: uint32(1<<n) - 1}
}

// IRQLevel reports the HBA interrupt line: any port status bit enabled
// and pending, with global interrupts on.
func (c *AHCI) IRQLevel() bool {
	if c.GHC&0x2 == 0 {
		return false
	}

	for i, p := range c.Ports {
		if c.IS&(1<<i) != 0 && p.IS&p.IE != 0 {
			return true
		}
	}

	return false
}

func (c *AHCI) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevAHCI, snapshot.Version{Major: ahciStateVersion})

	hba := make([]byte, 0, 16)
	hba = binary.LittleEndian.AppendUint32(hba, c.Cap)
	hba = binary.LittleEndian.AppendUint32(hba, c.GHC)
	hba = binary.LittleEndian.AppendUint32(hba, c.IS)
	hba = binary.LittleEndian.AppendUint32(hba, c.PI)
	w.FieldBytes(ahciTagHBA, hba)

	ports := make([]byte, 0, len(c.Ports)*ahciPortRecordLen)
	for _, p := range c.Ports {
		ports = binary.LittleEndian.AppendUint64(ports, p.CLB)
		ports = binary.LittleEndian.AppendUint64(ports, p.FB)
		for _, reg := range []uint32{p.IS, p.IE, p.Cmd, p.TFD, p.Sig, p.SSts, p.SErr, p.CI, p.SAct} {
			ports = binary.LittleEndian.AppendUint32(ports, reg)
		}
	}
	w.FieldBytes(ahciTagPorts, ports)

	return w.Finish()
}

func (c *AHCI) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevAHCI)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(ahciStateVersion); err != nil {
		return err
	}

	c.Reset()

	if hba, ok := r.Field(ahciTagHBA); ok {
		if len(hba) != 16 {
			return fmt.Errorf("%w: AHCI HBA block is %d bytes", snapshot.ErrCorrupt, len(hba))
		}

		c.Cap = binary.LittleEndian.Uint32(hba[0:])
		c.GHC = binary.LittleEndian.Uint32(hba[4:])
		c.IS = binary.LittleEndian.Uint32(hba[8:])
		c.PI = binary.LittleEndian.Uint32(hba[12:])
	}

	ports, ok := r.Field(ahciTagPorts)
	if !ok {
		return nil
	}

	if len(ports) != len(c.Ports)*ahciPortRecordLen {
		return fmt.Errorf("%w: AHCI port blob is %d bytes for %d ports",
			snapshot.ErrConfigMismatch, len(ports), len(c.Ports))
	}

	for i := range c.Ports {
		rec := ports[i*ahciPortRecordLen:]
		c.Ports[i] = AHCIPort{
			CLB:  binary.LittleEndian.Uint64(rec[0:]),
			FB:   binary.LittleEndian.Uint64(rec[8:]),
			IS:   binary.LittleEndian.Uint32(rec[16:]),
			IE:   binary.LittleEndian.Uint32(rec[20:]),
			Cmd:  binary.LittleEndian.Uint32(rec[24:]),
			TFD:  binary.LittleEndian.Uint32(rec[28:]),
			Sig:  binary.LittleEndian.Uint32(rec[32:]),
			SSts: binary.LittleEndian.Uint32(rec[36:]),
			SErr: binary.LittleEndian.Uint32(rec[40:]),
			CI:   binary.LittleEndian.Uint32(rec[44:]),
			SAct: binary.LittleEndian.Uint32(rec[48:]),
		}
	}

	return nil
}
