package virtio

import (
	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

// Blk PCI identity (transitional virtio-blk).
const (
	blkDeviceID  = 0x1001
	blkClassCode = 0x010000
)

const blkStateVersion = 1

const (
	blkTagCapacity = 16
)

// Blk is the virtio-blk function model: one request queue plus the block
// geometry the guest negotiated. Request payloads in flight are completed or
// re-queued by the guest driver from ring state in RAM, so only the transport
// progress is carried.
type Blk struct {
	Transport

	fn *pci.Function

	// CapacitySectors is the disk size in 512-byte sectors.
	CapacitySectors uint64
}

func NewBlk(capacitySectors uint64) *Blk {
	return &Blk{
		Transport:       newTransport(1),
		fn:              pci.NewFunction(VendorID, blkDeviceID, blkClassCode, 1),
		CapacitySectors: capacitySectors,
	}
}

// Function exposes the PCI config function for bus registration.
func (b *Blk) Function() *pci.Function {
	return b.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (b *Blk) SyncFromConfig() {
	b.ioBase = b.fn.BAR(0) &^ 0x3
}

func (b *Blk) Reset() {
	sectors := b.CapacitySectors
	fn := b.fn
	*b = Blk{Transport: newTransport(1), fn: fn, CapacitySectors: sectors}
}

func (b *Blk) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevVirtioBlk, snapshot.Version{Major: blkStateVersion})
	b.saveFields(w)
	w.FieldU64(blkTagCapacity, b.CapacitySectors)

	return w.Finish()
}

func (b *Blk) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevVirtioBlk)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(blkStateVersion); err != nil {
		return err
	}

	b.Reset()

	if err := b.loadFields(r); err != nil {
		return err
	}

	return r.U64(blkTagCapacity, &b.CapacitySectors)
}
