// Package nic models an e1000-style gigabit NIC. The host packet backend is
// attach/detach-only and never part of a snapshot; frames already accepted
// for the guest but not yet written to the RX ring are guest-bound state and
// do travel with the envelope.
package nic

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

// Backend is the host side of the NIC: something that can carry a frame out
// of the guest. It is attached after machine construction and dropped before
// every restore.
type Backend interface {
	Transmit(frame []byte) error
}

const e1000StateVersion = 1

const (
	e1000TagRegs      = 1
	e1000TagRings     = 2
	e1000TagMAC       = 3
	e1000TagRXPending = 4
)

const (
	e1000RegsLen  = 24
	e1000RingsLen = 40
)

const (
	statusLinkUp = 1 << 1
	statusFD     = 1 << 0
)

// maxPendingFrames bounds the guest-bound RX queue.
const maxPendingFrames = 256

type E1000 struct {
	fn *pci.Function

	Ctrl   uint32
	Status uint32
	ICR    uint32
	IMS    uint32
	RCTL   uint32
	TCTL   uint32

	RDBAL uint32
	RDBAH uint32
	RDLen uint32
	RDH   uint32
	RDT   uint32
	TDBAL uint32
	TDBAH uint32
	TDLen uint32
	TDH   uint32
	TDT   uint32

	MAC [6]byte

	rxPending [][]byte

	backend Backend

	// mmioBase caches BAR0 for fast register dispatch. It is not
	// serialized; the machine re-mirrors it from restored config space.
	mmioBase uint32
}

func New(mac [6]byte) *E1000 {
	return &E1000{
		fn:     pci.NewFunction(0x8086, 0x100e, 0x020000, 1),
		Status: statusLinkUp | statusFD,
		MAC:    mac,
	}
}

func (n *E1000) Function() *pci.Function {
	return n.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (n *E1000) SyncFromConfig() {
	n.mmioBase = n.fn.BAR(0) &^ 0xf
}

func (n *E1000) Reset() {
	fn := n.fn
	mac := n.MAC
	backend := n.backend
	*n = E1000{fn: fn, Status: statusLinkUp | statusFD, MAC: mac, backend: backend}
}

// AttachBackend connects the host packet path. It replaces any previous
// backend; nil detaches.
func (n *E1000) AttachBackend(b Backend) {
	n.backend = b
}

// DetachBackend drops the host packet path, e.g. ahead of a restore.
func (n *E1000) DetachBackend() {
	n.backend = nil
}

// Receive queues a frame from the host for delivery into the RX ring.
// Frames beyond the queue bound are dropped, matching link-level loss.
func (n *E1000) Receive(frame []byte) {
	if len(n.rxPending) >= maxPendingFrames {
		return
	}

	n.rxPending = append(n.rxPending, append([]byte(nil), frame...))
}

// PendingRX reports the guest-bound queue depth.
func (n *E1000) PendingRX() int {
	return len(n.rxPending)
}

// RaiseInterrupt latches cause bits into ICR.
func (n *E1000) RaiseInterrupt(cause uint32) {
	n.ICR |= cause
}

// AckInterrupt models the guest's ICR read-to-clear.
func (n *E1000) AckInterrupt() uint32 {
	icr := n.ICR
	n.ICR = 0

	return icr
}

// IRQLevel is the INTx level implied by cause and mask.
func (n *E1000) IRQLevel() bool {
	return n.ICR&n.IMS != 0
}

func (n *E1000) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevE1000, snapshot.Version{Major: e1000StateVersion})

	regs := make([]byte, 0, e1000RegsLen)
	for _, v := range []uint32{n.Ctrl, n.Status, n.ICR, n.IMS, n.RCTL, n.TCTL} {
		regs = binary.LittleEndian.AppendUint32(regs, v)
	}
	w.FieldBytes(e1000TagRegs, regs)

	rings := make([]byte, 0, e1000RingsLen)
	for _, v := range []uint32{
		n.RDBAL, n.RDBAH, n.RDLen, n.RDH, n.RDT,
		n.TDBAL, n.TDBAH, n.TDLen, n.TDH, n.TDT,
	} {
		rings = binary.LittleEndian.AppendUint32(rings, v)
	}
	w.FieldBytes(e1000TagRings, rings)

	w.FieldBytes(e1000TagMAC, n.MAC[:])

	pending := binary.LittleEndian.AppendUint32(nil, uint32(len(n.rxPending)))
	for _, frame := range n.rxPending {
		pending = binary.LittleEndian.AppendUint32(pending, uint32(len(frame)))
		pending = append(pending, frame...)
	}
	w.FieldBytes(e1000TagRXPending, pending)

	return w.Finish()
}

func (n *E1000) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevE1000)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(e1000StateVersion); err != nil {
		return err
	}

	n.Reset()

	if regs, ok := r.Field(e1000TagRegs); ok {
		if len(regs) != e1000RegsLen {
			return fmt.Errorf("%w: e1000 register block is %d bytes", snapshot.ErrCorrupt, len(regs))
		}

		n.Ctrl = binary.LittleEndian.Uint32(regs[0:])
		n.Status = binary.LittleEndian.Uint32(regs[4:])
		n.ICR = binary.LittleEndian.Uint32(regs[8:])
		n.IMS = binary.LittleEndian.Uint32(regs[12:])
		n.RCTL = binary.LittleEndian.Uint32(regs[16:])
		n.TCTL = binary.LittleEndian.Uint32(regs[20:])
	}

	if rings, ok := r.Field(e1000TagRings); ok {
		if len(rings) != e1000RingsLen {
			return fmt.Errorf("%w: e1000 ring block is %d bytes", snapshot.ErrCorrupt, len(rings))
		}

		for i, dst := range []*uint32{
			&n.RDBAL, &n.RDBAH, &n.RDLen, &n.RDH, &n.RDT,
			&n.TDBAL, &n.TDBAH, &n.TDLen, &n.TDH, &n.TDT,
		} {
			*dst = binary.LittleEndian.Uint32(rings[i*4:])
		}
	}

	if mac, ok := r.Field(e1000TagMAC); ok {
		if len(mac) != len(n.MAC) {
			return fmt.Errorf("%w: e1000 MAC is %d bytes", snapshot.ErrCorrupt, len(mac))
		}

		copy(n.MAC[:], mac)
	}

	blob, ok := r.Field(e1000TagRXPending)
	if !ok {
		return nil
	}

	if len(blob) < 4 {
		return fmt.Errorf("%w: e1000 RX queue truncated", snapshot.ErrCorrupt)
	}

	count := binary.LittleEndian.Uint32(blob)
	if count > maxPendingFrames {
		return fmt.Errorf("%w: e1000 RX queue count %d", snapshot.ErrCorrupt, count)
	}

	rest := blob[4:]
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return fmt.Errorf("%w: e1000 RX frame truncated", snapshot.ErrCorrupt)
		}

		frameLen := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(len(rest)) < uint64(frameLen) {
			return fmt.Errorf("%w: e1000 RX frame truncated", snapshot.ErrCorrupt)
		}

		n.rxPending = append(n.rxPending, append([]byte(nil), rest[:frameLen]...))
		rest = rest[frameLen:]
	}

	return nil
}
