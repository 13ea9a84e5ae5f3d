package storage

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

const nvmeStateVersion = 1

const (
	nvmeTagRegs      = 1
	nvmeTagAdminSQ   = 2
	nvmeTagAdminCQ   = 3
	nvmeTagIOSQs     = 4
	nvmeTagIOCQs     = 5
	nvmeTagINTxLevel = 6
	nvmeTagInFlight  = 7
)

const (
	nvmeRegsLen     = 48
	nvmeSQRecordLen = 18
	nvmeCQRecordLen = 18
	nvmeCmdLen      = 16
)

// SubmissionQueue is the snapshot-visible state of one NVMe SQ. The entries
// live in guest RAM at Base.
type SubmissionQueue struct {
	QID  uint16
	Base uint64
	Size uint16
	Head uint16
	Tail uint16
	CQID uint16
}

// CompletionQueue carries the phase tag so completions written after
// restore keep alternating correctly.
type CompletionQueue struct {
	QID        uint16
	Base       uint64
	Size       uint16
	Head       uint16
	Tail       uint16
	Phase      bool
	IRQEnabled bool
}

// InFlightCommand is a command fetched from an SQ whose completion has not
// been posted yet. Restore re-executes it against the backing disk.
type InFlightCommand struct {
	CID    uint16
	Opcode uint8
	LBA    uint64
	Length uint32
}

// NVMe is the controller register model plus queue bookkeeping.
type NVMe struct {
	fn *pci.Function

	Cap   uint64
	VS    uint32
	INTMS uint32
	INTMC uint32
	CC    uint32
	CSTS  uint32
	AQA   uint32
	ASQ   uint64
	ACQ   uint64

	AdminSQ *SubmissionQueue
	AdminCQ *CompletionQueue
	IOSQs   []SubmissionQueue
	IOCQs   []CompletionQueue

	InFlight []InFlightCommand

	intxLevel bool

	// regsBase caches BAR0, re-mirrored from config space after restore.
	regsBase uint64
}

func NewNVMe() *NVMe {
	return &NVMe{
		fn:  pci.NewFunction(0x8086, 0x0953, 0x010802, 1),
		Cap: 0xff<<0 | 1<<37,
		VS:  0x00010400,
	}
}

func (c *NVMe) Function() *pci.Function {
	return c.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (c *NVMe) SyncFromConfig() {
	lo := uint64(c.fn.BAR(0) &^ 0xf)
	hi := uint64(c.fn.BAR(1))
	c.regsBase = hi<<32 | lo
}

func (c *NVMe) Reset() {
	fn := c.fn
	*c = NVMe{fn: fn, Cap: 0xff<<0 | 1<<37, VS: 0x00010400}
}

func (c *NVMe) SetINTx(level bool) {
	c.intxLevel = level
}

func (c *NVMe) IRQLevel() bool {
	return c.intxLevel
}

func (c *NVMe) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevNVMe, snapshot.Version{Major: nvmeStateVersion})

	regs := make([]byte, 0, nvmeRegsLen)
	regs = binary.LittleEndian.AppendUint64(regs, c.Cap)
	for _, v := range []uint32{c.VS, c.INTMS, c.INTMC, c.CC, c.CSTS, c.AQA} {
		regs = binary.LittleEndian.AppendUint32(regs, v)
	}
	regs = binary.LittleEndian.AppendUint64(regs, c.ASQ)
	regs = binary.LittleEndian.AppendUint64(regs, c.ACQ)
	w.FieldBytes(nvmeTagRegs, regs)

	if c.AdminSQ != nil {
		w.FieldBytes(nvmeTagAdminSQ, encodeSQ(*c.AdminSQ))
	}

	if c.AdminCQ != nil {
		w.FieldBytes(nvmeTagAdminCQ, encodeCQ(*c.AdminCQ))
	}

	// Queue blobs are qid-sorted so identical state serializes identically.
	sqs := append([]SubmissionQueue(nil), c.IOSQs...)
	sort.Slice(sqs, func(i, j int) bool { return sqs[i].QID < sqs[j].QID })
	sqBlob := make([]byte, 0, len(sqs)*nvmeSQRecordLen)
	for _, q := range sqs {
		sqBlob = append(sqBlob, encodeSQ(q)...)
	}
	w.FieldBytes(nvmeTagIOSQs, sqBlob)

	cqs := append([]CompletionQueue(nil), c.IOCQs...)
	sort.Slice(cqs, func(i, j int) bool { return cqs[i].QID < cqs[j].QID })
	cqBlob := make([]byte, 0, len(cqs)*nvmeCQRecordLen)
	for _, q := range cqs {
		cqBlob = append(cqBlob, encodeCQ(q)...)
	}
	w.FieldBytes(nvmeTagIOCQs, cqBlob)

	w.FieldBool(nvmeTagINTxLevel, c.intxLevel)

	cmds := make([]byte, 0, len(c.InFlight)*nvmeCmdLen)
	for _, cmd := range c.InFlight {
		cmds = binary.LittleEndian.AppendUint16(cmds, cmd.CID)
		cmds = append(cmds, cmd.Opcode, 0)
		cmds = binary.LittleEndian.AppendUint64(cmds, cmd.LBA)
		cmds = binary.LittleEndian.AppendUint32(cmds, cmd.Length)
	}
	w.FieldBytes(nvmeTagInFlight, cmds)

	return w.Finish()
}

func (c *NVMe) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevNVMe)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(nvmeStateVersion); err != nil {
		return err
	}

	c.Reset()

	if regs, ok := r.Field(nvmeTagRegs); ok {
		if len(regs) != nvmeRegsLen {
			return fmt.Errorf("%w: NVMe register block is %d bytes", snapshot.ErrCorrupt, len(regs))
		}

		c.Cap = binary.LittleEndian.Uint64(regs[0:])
		c.VS = binary.LittleEndian.Uint32(regs[8:])
		c.INTMS = binary.LittleEndian.Uint32(regs[12:])
		c.INTMC = binary.LittleEndian.Uint32(regs[16:])
		c.CC = binary.LittleEndian.Uint32(regs[20:])
		c.CSTS = binary.LittleEndian.Uint32(regs[24:])
		c.AQA = binary.LittleEndian.Uint32(regs[28:])
		c.ASQ = binary.LittleEndian.Uint64(regs[32:])
		c.ACQ = binary.LittleEndian.Uint64(regs[40:])
	}

	if blob, ok := r.Field(nvmeTagAdminSQ); ok {
		q, err := decodeSQ(blob)
		if err != nil {
			return err
		}

		c.AdminSQ = &q
	}

	if blob, ok := r.Field(nvmeTagAdminCQ); ok {
		q, err := decodeCQ(blob)
		if err != nil {
			return err
		}

		c.AdminCQ = &q
	}

	if blob, ok := r.Field(nvmeTagIOSQs); ok {
		if len(blob)%nvmeSQRecordLen != 0 {
			return fmt.Errorf("%w: NVMe SQ blob is %d bytes", snapshot.ErrCorrupt, len(blob))
		}

		for off := 0; off < len(blob); off += nvmeSQRecordLen {
			q, err := decodeSQ(blob[off : off+nvmeSQRecordLen])
			if err != nil {
				return err
			}

			c.IOSQs = append(c.IOSQs, q)
		}
	}

	if blob, ok := r.Field(nvmeTagIOCQs); ok {
		if len(blob)%nvmeCQRecordLen != 0 {
			return fmt.Errorf("%w: NVMe CQ blob is %d bytes", snapshot.ErrCorrupt, len(blob))
		}

		for off := 0; off < len(blob); off += nvmeCQRecordLen {
			q, err := decodeCQ(blob[off : off+nvmeCQRecordLen])
			if err != nil {
				return err
			}

			c.IOCQs = append(c.IOCQs, q)
		}
	}

	if err := r.Bool(nvmeTagINTxLevel, &c.intxLevel); err != nil {
		return err
	}

	blob, ok := r.Field(nvmeTagInFlight)
	if !ok {
		return nil
	}

	if len(blob)%nvmeCmdLen != 0 {
		return fmt.Errorf("%w: NVMe in-flight blob is %d bytes", snapshot.ErrCorrupt, len(blob))
	}

	for off := 0; off < len(blob); off += nvmeCmdLen {
		rec := blob[off:]
		c.InFlight = append(c.InFlight, InFlightCommand{
			CID:    binary.LittleEndian.Uint16(rec[0:]),
			Opcode: rec[2],
			LBA:    binary.LittleEndian.Uint64(rec[4:]),
			Length: binary.LittleEndian.Uint32(rec[12:]),
		})
	}

	return nil
}

func encodeSQ(q SubmissionQueue) []byte {
	buf := make([]byte, 0, nvmeSQRecordLen)
	buf = binary.LittleEndian.AppendUint16(buf, q.QID)
	buf = binary.LittleEndian.AppendUint64(buf, q.Base)
	buf = binary.LittleEndian.AppendUint16(buf, q.Size)
	buf = binary.LittleEndian.AppendUint16(buf, q.Head)
	buf = binary.LittleEndian.AppendUint16(buf, q.Tail)

	return binary.LittleEndian.AppendUint16(buf, q.CQID)
}

func decodeSQ(rec []byte) (SubmissionQueue, error) {
	if len(rec) != nvmeSQRecordLen {
		return SubmissionQueue{}, fmt.Errorf("%w: NVMe SQ record is %d bytes", snapshot.ErrCorrupt, len(rec))
	}

	return SubmissionQueue{
		QID:  binary.LittleEndian.Uint16(rec[0:]),
		Base: binary.LittleEndian.Uint64(rec[2:]),
		Size: binary.LittleEndian.Uint16(rec[10:]),
		Head: binary.LittleEndian.Uint16(rec[12:]),
		Tail: binary.LittleEndian.Uint16(rec[14:]),
		CQID: binary.LittleEndian.Uint16(rec[16:]),
	}, nil
}

func encodeCQ(q CompletionQueue) []byte {
	buf := make([]byte, 0, nvmeCQRecordLen)
	buf = binary.LittleEndian.AppendUint16(buf, q.QID)
	buf = binary.LittleEndian.AppendUint64(buf, q.Base)
	buf = binary.LittleEndian.AppendUint16(buf, q.Size)
	buf = binary.LittleEndian.AppendUint16(buf, q.Head)
	buf = binary.LittleEndian.AppendUint16(buf, q.Tail)

	return append(buf, b2u8(q.Phase), b2u8(q.IRQEnabled))
}

func decodeCQ(rec []byte) (CompletionQueue, error) {
	if len(rec) != nvmeCQRecordLen {
		return CompletionQueue{}, fmt.Errorf("%w: NVMe CQ record is %d bytes", snapshot.ErrCorrupt, len(rec))
	}

	return CompletionQueue{
		QID:        binary.LittleEndian.Uint16(rec[0:]),
		Base:       binary.LittleEndian.Uint64(rec[2:]),
		Size:       binary.LittleEndian.Uint16(rec[10:]),
		Head:       binary.LittleEndian.Uint16(rec[12:]),
		Tail:       binary.LittleEndian.Uint16(rec[14:]),
		Phase:      rec[16] != 0,
		IRQEnabled: rec[17] != 0,
	}, nil
}
