// Package virtio models the snapshot-visible side of virtio-pci functions:
// the transport registers and per-queue progress that must survive a
// save/restore cycle. Ring contents live in guest RAM and are carried by the
// RAM section; only the addresses and indices needed to resume processing
// are serialized here.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

// VendorID is the virtio PCI vendor.
const VendorID = 0x1af4

// QueueSize is the ring size negotiated by the machine's functions.
const QueueSize = 256

// queueRecordLen is the wire size of one serialized queue.
const queueRecordLen = 32

// QueueState is the snapshot-visible state of one virtqueue. NextAvail and
// NextUsed are the device-side progress indices; the rings themselves are
// guest memory.
type QueueState struct {
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	Size      uint16
	Enable    bool
	NextAvail uint16
	NextUsed  uint16
}

// Transport holds the common virtio-pci register file shared by every
// function model in this package.
type Transport struct {
	DeviceStatus       uint8
	ISRStatus          uint8
	NegotiatedFeatures uint64
	QueueSelect        uint16

	// intxLevel is the internal line latch, not gated by the PCI command
	// register, so a pending interrupt survives restore even when the
	// guest had INTx delivery disabled.
	intxLevel bool

	Queues []QueueState

	// ioBase caches BAR0, re-mirrored from config space after restore.
	ioBase uint32
}

func newTransport(numQueues int) Transport {
	t := Transport{Queues: make([]QueueState, numQueues)}
	for i := range t.Queues {
		t.Queues[i].Size = QueueSize
	}

	return t
}

// RaiseINTx latches the line and sets the ISR queue bit.
func (t *Transport) RaiseINTx() {
	t.ISRStatus |= 0x1
	t.intxLevel = true
}

// AckINTx models the guest's ISR read, which clears both.
func (t *Transport) AckINTx() uint8 {
	isr := t.ISRStatus
	t.ISRStatus = 0
	t.intxLevel = false

	return isr
}

// IRQLevel reports the latched line for INTx replay.
func (t *Transport) IRQLevel() bool {
	return t.intxLevel
}

const (
	transportTagStatus      = 1
	transportTagISR         = 2
	transportTagFeatures    = 3
	transportTagQueueSelect = 4
	transportTagINTxLevel   = 5
	transportTagQueues      = 6
)

func (t *Transport) saveFields(w *snapshot.Writer) {
	w.FieldU8(transportTagStatus, t.DeviceStatus)
	w.FieldU8(transportTagISR, t.ISRStatus)
	w.FieldU64(transportTagFeatures, t.NegotiatedFeatures)
	w.FieldU16(transportTagQueueSelect, t.QueueSelect)
	w.FieldBool(transportTagINTxLevel, t.intxLevel)

	queues := make([]byte, 0, len(t.Queues)*queueRecordLen)
	for _, q := range t.Queues {
		queues = binary.LittleEndian.AppendUint64(queues, q.DescAddr)
		queues = binary.LittleEndian.AppendUint64(queues, q.AvailAddr)
		queues = binary.LittleEndian.AppendUint64(queues, q.UsedAddr)
		queues = binary.LittleEndian.AppendUint16(queues, q.Size)
		if q.Enable {
			queues = append(queues, 1)
		} else {
			queues = append(queues, 0)
		}
		queues = append(queues, 0)
		queues = binary.LittleEndian.AppendUint16(queues, q.NextAvail)
		queues = binary.LittleEndian.AppendUint16(queues, q.NextUsed)
	}
	w.FieldBytes(transportTagQueues, queues)
}

func (t *Transport) loadFields(r *snapshot.Reader) error {
	if err := r.U8(transportTagStatus, &t.DeviceStatus); err != nil {
		return err
	}

	if err := r.U8(transportTagISR, &t.ISRStatus); err != nil {
		return err
	}

	if err := r.U64(transportTagFeatures, &t.NegotiatedFeatures); err != nil {
		return err
	}

	if err := r.U16(transportTagQueueSelect, &t.QueueSelect); err != nil {
		return err
	}

	if err := r.Bool(transportTagINTxLevel, &t.intxLevel); err != nil {
		return err
	}

	blob, ok := r.Field(transportTagQueues)
	if !ok {
		return nil
	}

	if len(blob) != len(t.Queues)*queueRecordLen {
		return fmt.Errorf("%w: virtio queue blob is %d bytes for %d queues",
			snapshot.ErrConfigMismatch, len(blob), len(t.Queues))
	}

	for i := range t.Queues {
		rec := blob[i*queueRecordLen:]
		t.Queues[i] = QueueState{
			DescAddr:  binary.LittleEndian.Uint64(rec[0:]),
			AvailAddr: binary.LittleEndian.Uint64(rec[8:]),
			UsedAddr:  binary.LittleEndian.Uint64(rec[16:]),
			Size:      binary.LittleEndian.Uint16(rec[24:]),
			Enable:    rec[26] != 0,
			NextAvail: binary.LittleEndian.Uint16(rec[28:]),
			NextUsed:  binary.LittleEndian.Uint16(rec[30:]),
		}
	}

	return nil
}
