package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/gopc-dev/gopc/snapshot"
)

// ErrBadAddress indicates a guest-virtual address that does not translate.
var ErrBadAddress = errors.New("bad guest address")

const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31

	eferLMA = 1 << 10

	pteP  = 1 << 0
	ptePS = 1 << 7

	pteFrameMask = 0x000ffffffffff000
)

// VtoP translates a guest-virtual address using the CPU's restored paging
// state. With paging off the address is physical already; in long mode the
// 4-level tables are walked through guest RAM.
func (m *Machine) VtoP(cpu int, vaddr uint64) (uint64, error) {
	mmu := &m.cpus[cpu].mmu

	if mmu.CR0&cr0PG == 0 || mmu.EFER&eferLMA == 0 {
		return vaddr, nil
	}

	table := mmu.CR3 & pteFrameMask

	for level := 4; level >= 1; level-- {
		shift := 12 + 9*(level-1)
		idx := (vaddr >> shift) & 0x1ff

		var raw [8]byte
		if err := m.ram.ReadPhys(table+idx*8, raw[:]); err != nil {
			return 0, fmt.Errorf("%w: level-%d table at %#x: %v", ErrBadAddress, level, table, err)
		}

		entry := binary.LittleEndian.Uint64(raw[:])
		if entry&pteP == 0 {
			return 0, fmt.Errorf("%w: %#x not present at level %d", ErrBadAddress, vaddr, level)
		}

		// 1GiB and 2MiB leaves.
		if level > 1 && level < 4 && entry&ptePS != 0 {
			pageMask := uint64(1)<<shift - 1

			return entry&pteFrameMask&^pageMask | vaddr&pageMask, nil
		}

		table = entry & pteFrameMask
	}

	return table | vaddr&0xfff, nil
}

// ReadVirt reads guest memory at a virtual address, spanning page
// boundaries.
func (m *Machine) ReadVirt(cpu int, vaddr uint64, buf []byte) error {
	for len(buf) > 0 {
		pa, err := m.VtoP(cpu, vaddr)
		if err != nil {
			return err
		}

		n := int(snapshot.PageSize - pa%snapshot.PageSize)
		if n > len(buf) {
			n = len(buf)
		}

		if err := m.ram.ReadPhys(pa, buf[:n]); err != nil {
			return err
		}

		buf = buf[n:]
		vaddr += uint64(n)
	}

	return nil
}

// ReadWord reads one 64-bit word from the CPU's virtual address space.
func (m *Machine) ReadWord(cpu int, vaddr uint64) (uint64, error) {
	var b [8]byte
	if err := m.ReadVirt(cpu, vaddr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// decodeMode picks the x86asm decode width from the restored CPU state.
func (m *Machine) decodeMode(cpu int) int {
	v := &m.cpus[cpu]

	switch {
	case v.mmu.EFER&eferLMA != 0:
		return 64
	case v.mmu.CR0&cr0PE != 0:
		return 32
	default:
		return 16
	}
}

// Inst decodes the instruction at the CPU's restored RIP. Handy when a
// restored guest faults immediately and the first question is what it was
// about to execute.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, string, error) {
	v := &m.cpus[cpu]
	pc := v.cpu.Seg[1].Base + v.cpu.RIP

	insn := make([]byte, 16)
	if err := m.ReadVirt(cpu, pc, insn); err != nil {
		return nil, "", fmt.Errorf("reading PC at %#x: %w", pc, err)
	}

	d, err := x86asm.Decode(insn, m.decodeMode(cpu))
	if err != nil {
		return nil, "", fmt.Errorf("decoding %#02x: %w", insn, err)
	}

	return &d, x86asm.GNUSyntax(d, pc, nil), nil
}

// Asm renders an instruction at pc in GNU syntax.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}
