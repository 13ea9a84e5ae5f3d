// Package memory implements guest RAM for a gopc machine: a dense backing
// store addressed by snapshot offset, the PCI-hole translation between dense
// offsets and guest-physical addresses, and dirty-page tracking on the
// single write path.
package memory

import (
	"errors"
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

var (
	ErrOutOfRange  = errors.New("address out of RAM range")
	ErrHoleAddress = errors.New("address inside PCI hole")
)

const (
	// HoleStart is the chipset resource-window base. RAM beyond it is
	// remapped above 4 GiB in the guest-physical space.
	HoleStart = 3 << 30

	fourGiB = 1 << 32
)

const memoryStateVersion = 1

const memTagA20 = 1

// RAM is the machine's guest memory. Dense offsets 0..Len-1 cover every RAM
// byte with no gaps; guest-physical addresses have a hole at
// [HoleStart, 4GiB) reserved for MMIO. All mutation goes through WriteAt /
// WritePhys so the dirty tracker observes every source of writes.
type RAM struct {
	data  []byte
	dirty *DirtyTracker

	// a20 is the keyboard-controller A20 gate latch. It rides in the
	// memory envelope because it masks physical address bit 20 at the bus.
	a20 bool
}

// NewRAM allocates size bytes of guest memory. size must be a multiple of
// the page size.
func NewRAM(size uint64) (*RAM, error) {
	if size == 0 || size%snapshot.PageSize != 0 {
		return nil, fmt.Errorf("RAM size %#x not page aligned", size)
	}

	return &RAM{
		data:  make([]byte, size),
		dirty: NewDirtyTracker(int(size/snapshot.PageSize), snapshot.PageSize),
		a20:   true,
	}, nil
}

// Len is the dense image length in bytes.
func (r *RAM) Len() uint64 {
	return uint64(len(r.data))
}

func (r *RAM) PageSize() int {
	return snapshot.PageSize
}

// PhysToOffset translates a guest-physical address to a dense offset within
// a RAM image of ramLen bytes.
func PhysToOffset(addr, ramLen uint64) (uint64, error) {
	switch {
	case addr < HoleStart:
		if addr >= ramLen {
			return 0, fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
		}

		return addr, nil
	case addr < fourGiB:
		return 0, fmt.Errorf("%w: %#x", ErrHoleAddress, addr)
	default:
		off := addr - fourGiB + HoleStart
		if off >= ramLen {
			return 0, fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
		}

		return off, nil
	}
}

// OffsetToPhys is the inverse of PhysToOffset. Every dense offset has a
// guest-physical address.
func OffsetToPhys(off uint64) uint64 {
	if off < HoleStart {
		return off
	}

	return fourGiB + (off - HoleStart)
}

func (r *RAM) PhysToOffset(addr uint64) (uint64, error) {
	return PhysToOffset(addr, r.Len())
}

func (r *RAM) OffsetToPhys(off uint64) uint64 {
	return OffsetToPhys(off)
}

// ReadAt copies RAM bytes at a dense offset into buf.
func (r *RAM) ReadAt(off uint64, buf []byte) error {
	if off+uint64(len(buf)) > r.Len() {
		return fmt.Errorf("%w: read %#x+%d", ErrOutOfRange, off, len(buf))
	}

	copy(buf, r.data[off:])

	return nil
}

// WriteAt copies data into RAM at a dense offset. This is the single write
// path; the dirty tracker sees every call.
func (r *RAM) WriteAt(off uint64, data []byte) error {
	if off+uint64(len(data)) > r.Len() {
		return fmt.Errorf("%w: write %#x+%d", ErrOutOfRange, off, len(data))
	}

	copy(r.data[off:], data)
	r.dirty.MarkRange(off, uint64(len(data)))

	return nil
}

// ReadPhys reads at a guest-physical address (device DMA path).
func (r *RAM) ReadPhys(addr uint64, buf []byte) error {
	off, err := r.PhysToOffset(addr)
	if err != nil {
		return err
	}

	return r.ReadAt(off, buf)
}

// WritePhys writes at a guest-physical address (device DMA path).
func (r *RAM) WritePhys(addr uint64, data []byte) error {
	off, err := r.PhysToOffset(addr)
	if err != nil {
		return err
	}

	return r.WriteAt(off, data)
}

// SetA20 sets the A20 gate latch.
func (r *RAM) SetA20(enabled bool) {
	r.a20 = enabled
}

func (r *RAM) A20() bool {
	return r.a20
}

// Dirty exposes the tracker for the capture path.
func (r *RAM) Dirty() *DirtyTracker {
	return r.dirty
}

// SaveState serializes the memory controller envelope (the RAM image itself
// travels in the RAM section, not here).
func (r *RAM) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevMemory, snapshot.Version{Major: memoryStateVersion})
	w.FieldBool(memTagA20, r.a20)

	return w.Finish()
}

// LoadState restores the memory controller envelope.
func (r *RAM) LoadState(data []byte) error {
	rd, err := snapshot.ParseReader(data, snapshot.DevMemory)
	if err != nil {
		return err
	}

	if err := rd.EnsureMajor(memoryStateVersion); err != nil {
		return err
	}

	r.a20 = true

	return rd.Bool(memTagA20, &r.a20)
}
