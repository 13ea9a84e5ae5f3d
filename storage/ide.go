// Package storage models the disk controller families: legacy IDE with
// bus-master DMA, AHCI, and NVMe. Controllers of the family present on a
// machine ride under one disk-controller wrapper envelope keyed by PCI BDF.
// A controller may be captured mid-command: a posted DMA request, its
// bounce buffer, and the asserted interrupt line are all part of the state.
package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

const ideStateVersion = 1

const (
	ideTagPrimary   = 1
	ideTagSecondary = 2
)

// TaskFile is the ATA command block register file of one channel.
type TaskFile struct {
	Features    uint8
	SectorCount uint8
	LBA0        uint8
	LBA1        uint8
	LBA2        uint8
	Device      uint8
}

// BusMaster is the PCI bus-master DMA register set of one channel.
type BusMaster struct {
	Cmd     uint8
	Status  uint8
	PRDAddr uint32
}

// DMARequest is a bus-master transfer the guest has posted but the
// controller has not yet completed. Buffer holds the staged sectors;
// a write additionally carries the commit target so the data reaches
// the disk after restore.
type DMARequest struct {
	ToMemory      bool
	Buffer        []byte
	HasCommit     bool
	CommitLBA     uint64
	CommitSectors uint64
}

// Channel is one IDE cable: task file, status registers, PIO data buffer,
// bus-master registers, and the optional in-flight DMA.
type Channel struct {
	TF      TaskFile
	Status  uint8
	Error   uint8
	Control uint8

	IRQPending bool

	Data      []byte
	DataIndex uint32

	BusMaster  BusMaster
	PendingDMA *DMARequest
}

// IDE is a dual-channel PIIX-style controller.
type IDE struct {
	fn *pci.Function

	Primary   Channel
	Secondary Channel

	// bmBase caches the bus-master IO base from BAR4. The machine
	// re-mirrors it from restored config space, it is never serialized.
	bmBase uint32
}

func NewIDE() *IDE {
	return &IDE{fn: pci.NewFunction(0x8086, 0x7111, 0x010180, 1)}
}

func (c *IDE) Function() *pci.Function {
	return c.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (c *IDE) SyncFromConfig() {
	c.bmBase = c.fn.BAR(4) &^ 0x3
}

func (c *IDE) Reset() {
	fn := c.fn
	*c = IDE{fn: fn}
}

// IRQLevel reports whether either channel has its line asserted.
func (c *IDE) IRQLevel() bool {
	return c.Primary.IRQPending || c.Secondary.IRQPending
}

func (c *IDE) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevIDE, snapshot.Version{Major: ideStateVersion})
	w.FieldBytes(ideTagPrimary, encodeChannel(&c.Primary))
	w.FieldBytes(ideTagSecondary, encodeChannel(&c.Secondary))

	return w.Finish()
}

func (c *IDE) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevIDE)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(ideStateVersion); err != nil {
		return err
	}

	c.Reset()

	for _, ch := range []struct {
		tag uint16
		dst *Channel
	}{
		{ideTagPrimary, &c.Primary},
		{ideTagSecondary, &c.Secondary},
	} {
		blob, ok := r.Field(ch.tag)
		if !ok {
			continue
		}

		if err := decodeChannel(ch.dst, blob); err != nil {
			return err
		}
	}

	return nil
}

func encodeChannel(ch *Channel) []byte {
	buf := make([]byte, 0, 64+len(ch.Data))
	buf = append(buf,
		ch.TF.Features, ch.TF.SectorCount, ch.TF.LBA0, ch.TF.LBA1, ch.TF.LBA2, ch.TF.Device,
		ch.Status, ch.Error, ch.Control, b2u8(ch.IRQPending),
		ch.BusMaster.Cmd, ch.BusMaster.Status)
	buf = binary.LittleEndian.AppendUint32(buf, ch.BusMaster.PRDAddr)
	buf = binary.LittleEndian.AppendUint32(buf, ch.DataIndex)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ch.Data)))
	buf = append(buf, ch.Data...)

	if ch.PendingDMA == nil {
		return append(buf, 0)
	}

	dma := ch.PendingDMA
	buf = append(buf, 1, b2u8(dma.ToMemory), b2u8(dma.HasCommit))
	buf = binary.LittleEndian.AppendUint64(buf, dma.CommitLBA)
	buf = binary.LittleEndian.AppendUint64(buf, dma.CommitSectors)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(dma.Buffer)))

	return append(buf, dma.Buffer...)
}

func decodeChannel(ch *Channel, blob []byte) error {
	if len(blob) < 25 {
		return fmt.Errorf("%w: IDE channel record is %d bytes", snapshot.ErrCorrupt, len(blob))
	}

	ch.TF = TaskFile{
		Features:    blob[0],
		SectorCount: blob[1],
		LBA0:        blob[2],
		LBA1:        blob[3],
		LBA2:        blob[4],
		Device:      blob[5],
	}
	ch.Status = blob[6]
	ch.Error = blob[7]
	ch.Control = blob[8]
	ch.IRQPending = blob[9] != 0
	ch.BusMaster = BusMaster{
		Cmd:     blob[10],
		Status:  blob[11],
		PRDAddr: binary.LittleEndian.Uint32(blob[12:]),
	}
	ch.DataIndex = binary.LittleEndian.Uint32(blob[16:])

	dataLen := binary.LittleEndian.Uint32(blob[20:])
	rest := blob[24:]
	if uint64(len(rest)) < uint64(dataLen)+1 {
		return fmt.Errorf("%w: IDE channel data truncated", snapshot.ErrCorrupt)
	}

	ch.Data = append([]byte(nil), rest[:dataLen]...)
	rest = rest[dataLen:]

	if rest[0] == 0 {
		ch.PendingDMA = nil

		return nil
	}

	if len(rest) < 24 {
		return fmt.Errorf("%w: IDE DMA record truncated", snapshot.ErrCorrupt)
	}

	dma := &DMARequest{
		ToMemory:      rest[1] != 0,
		HasCommit:     rest[2] != 0,
		CommitLBA:     binary.LittleEndian.Uint64(rest[3:]),
		CommitSectors: binary.LittleEndian.Uint64(rest[11:]),
	}

	bufLen := binary.LittleEndian.Uint32(rest[19:])
	payload := rest[23:]
	if uint64(len(payload)) < uint64(bufLen) {
		return fmt.Errorf("%w: IDE DMA buffer truncated", snapshot.ErrCorrupt)
	}

	dma.Buffer = append([]byte(nil), payload[:bufLen]...)
	ch.PendingDMA = dma

	return nil
}

func b2u8(v bool) uint8 {
	if v {
		return 1
	}

	return 0
}
