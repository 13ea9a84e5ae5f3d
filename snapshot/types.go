package snapshot

import (
	"encoding/binary"
	"fmt"
)

// Tagged-envelope ids for the engine's own records. Device models have their
// own ids (see format.go); these cover META, per-vCPU register blocks, and
// disk overlay references.
var (
	metaID    = deviceID("META")
	cpuRegsID = deviceID("CPUR")
	mmuRegsID = deviceID("MMUR")
	overlayID = deviceID("DOVL")
)

var (
	metaVersion    = Version{Major: 1}
	cpuRegsVersion = Version{Major: 1}
	mmuRegsVersion = Version{Major: 1}
	overlayVersion = Version{Major: 1}
)

// Meta identifies a snapshot and, for dirty snapshots, the full snapshot it
// diffs against.
type Meta struct {
	SnapshotID       uint64
	ParentSnapshotID *uint64
	CreatedUnixMs    int64
	Label            string
}

// IsDirty reports whether the snapshot is an incremental diff.
func (m *Meta) IsDirty() bool {
	return m.ParentSnapshotID != nil
}

const (
	metaTagSnapshotID = 1
	metaTagParentID   = 2
	metaTagCreated    = 3
	metaTagLabel      = 4
)

func encodeMeta(m *Meta) []byte {
	w := NewWriter(metaID, metaVersion)
	w.FieldU64(metaTagSnapshotID, m.SnapshotID)

	if m.ParentSnapshotID != nil {
		w.FieldU64(metaTagParentID, *m.ParentSnapshotID)
	}

	w.FieldU64(metaTagCreated, uint64(m.CreatedUnixMs))
	w.FieldString(metaTagLabel, m.Label)

	return w.Finish()
}

func decodeMeta(data []byte) (*Meta, error) {
	r, err := ParseReader(data, metaID)
	if err != nil {
		return nil, err
	}

	if err := r.EnsureMajor(metaVersion.Major); err != nil {
		return nil, err
	}

	m := &Meta{}
	if err := r.U64(metaTagSnapshotID, &m.SnapshotID); err != nil {
		return nil, err
	}

	if _, ok := r.Field(metaTagParentID); ok {
		var parent uint64
		if err := r.U64(metaTagParentID, &parent); err != nil {
			return nil, err
		}

		m.ParentSnapshotID = &parent
	}

	var created uint64
	if err := r.U64(metaTagCreated, &created); err != nil {
		return nil, err
	}

	m.CreatedUnixMs = int64(created)

	if err := r.String(metaTagLabel, &m.Label); err != nil {
		return nil, err
	}

	return m, nil
}

// SegmentRegister is one architectural segment (selector plus cached
// descriptor).
type SegmentRegister struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Flags    uint16
}

// DescriptorTable is GDTR/IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// CPUState is the architectural register file of one virtual CPU. Order of
// GPRs follows the hardware encoding: RAX, RCX, RDX, RBX, RSP, RBP, RSI,
// RDI, R8..R15. Segments are ES, CS, SS, DS, FS, GS.
type CPUState struct {
	APICID uint32
	GPR    [16]uint64
	RIP    uint64
	RFLAGS uint64
	Seg    [6]SegmentRegister
	GDTR   DescriptorTable
	IDTR   DescriptorTable
	// FXSave is the raw FXSAVE image (x87/SSE state), 512 bytes when set.
	FXSave []byte
}

const (
	cpuTagAPICID = 1
	cpuTagGPR    = 2
	cpuTagRIP    = 3
	cpuTagRFLAGS = 4
	cpuTagSeg    = 5
	cpuTagGDTR   = 6
	cpuTagIDTR   = 7
	cpuTagFXSave = 8
)

const segmentRecordLen = 2 + 8 + 4 + 2

func encodeSegments(seg [6]SegmentRegister) []byte {
	buf := make([]byte, 0, 6*segmentRecordLen)
	for _, s := range seg {
		buf = binary.LittleEndian.AppendUint16(buf, s.Selector)
		buf = binary.LittleEndian.AppendUint64(buf, s.Base)
		buf = binary.LittleEndian.AppendUint32(buf, s.Limit)
		buf = binary.LittleEndian.AppendUint16(buf, s.Flags)
	}

	return buf
}

func decodeSegments(data []byte, seg *[6]SegmentRegister) error {
	if len(data) != 6*segmentRecordLen {
		return fmt.Errorf("%w: segment block is %d bytes", ErrCorrupt, len(data))
	}

	for i := range seg {
		rec := data[i*segmentRecordLen:]
		seg[i] = SegmentRegister{
			Selector: binary.LittleEndian.Uint16(rec[0:2]),
			Base:     binary.LittleEndian.Uint64(rec[2:10]),
			Limit:    binary.LittleEndian.Uint32(rec[10:14]),
			Flags:    binary.LittleEndian.Uint16(rec[14:16]),
		}
	}

	return nil
}

func encodeDescriptorTable(t DescriptorTable) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint64(buf[0:8], t.Base)
	binary.LittleEndian.PutUint16(buf[8:10], t.Limit)

	return buf
}

func decodeDescriptorTable(data []byte, t *DescriptorTable) error {
	if len(data) != 10 {
		return fmt.Errorf("%w: descriptor table is %d bytes", ErrCorrupt, len(data))
	}

	t.Base = binary.LittleEndian.Uint64(data[0:8])
	t.Limit = binary.LittleEndian.Uint16(data[8:10])

	return nil
}

func encodeCPUState(s *CPUState) []byte {
	w := NewWriter(cpuRegsID, cpuRegsVersion)
	w.FieldU32(cpuTagAPICID, s.APICID)

	gpr := make([]byte, 0, 16*8)
	for _, v := range s.GPR {
		gpr = binary.LittleEndian.AppendUint64(gpr, v)
	}

	w.FieldBytes(cpuTagGPR, gpr)
	w.FieldU64(cpuTagRIP, s.RIP)
	w.FieldU64(cpuTagRFLAGS, s.RFLAGS)
	w.FieldBytes(cpuTagSeg, encodeSegments(s.Seg))
	w.FieldBytes(cpuTagGDTR, encodeDescriptorTable(s.GDTR))
	w.FieldBytes(cpuTagIDTR, encodeDescriptorTable(s.IDTR))

	if len(s.FXSave) > 0 {
		w.FieldBytes(cpuTagFXSave, s.FXSave)
	}

	return w.Finish()
}

func decodeCPUState(data []byte) (*CPUState, error) {
	r, err := ParseReader(data, cpuRegsID)
	if err != nil {
		return nil, err
	}

	if err := r.EnsureMajor(cpuRegsVersion.Major); err != nil {
		return nil, err
	}

	s := &CPUState{RFLAGS: 0x2}
	if err := r.U32(cpuTagAPICID, &s.APICID); err != nil {
		return nil, err
	}

	if gpr, ok := r.Field(cpuTagGPR); ok {
		if len(gpr) != 16*8 {
			return nil, fmt.Errorf("%w: GPR block is %d bytes", ErrCorrupt, len(gpr))
		}

		for i := range s.GPR {
			s.GPR[i] = binary.LittleEndian.Uint64(gpr[i*8:])
		}
	}

	if err := r.U64(cpuTagRIP, &s.RIP); err != nil {
		return nil, err
	}

	if err := r.U64(cpuTagRFLAGS, &s.RFLAGS); err != nil {
		return nil, err
	}

	if seg, ok := r.Field(cpuTagSeg); ok {
		if err := decodeSegments(seg, &s.Seg); err != nil {
			return nil, err
		}
	}

	if gdtr, ok := r.Field(cpuTagGDTR); ok {
		if err := decodeDescriptorTable(gdtr, &s.GDTR); err != nil {
			return nil, err
		}
	}

	if idtr, ok := r.Field(cpuTagIDTR); ok {
		if err := decodeDescriptorTable(idtr, &s.IDTR); err != nil {
			return nil, err
		}
	}

	if err := r.Bytes(cpuTagFXSave, &s.FXSave); err != nil {
		return nil, err
	}

	return s, nil
}

// MMUState is the paging/control register state of one virtual CPU.
type MMUState struct {
	APICID uint32
	CR0    uint64
	CR2    uint64
	CR3    uint64
	CR4    uint64
	EFER   uint64
	PAT    uint64
	// TSC is the guest timestamp counter at capture time; restore resyncs
	// the deterministic time source from it.
	TSC uint64
}

const (
	mmuTagAPICID = 1
	mmuTagCR0    = 2
	mmuTagCR2    = 3
	mmuTagCR3    = 4
	mmuTagCR4    = 5
	mmuTagEFER   = 6
	mmuTagPAT    = 7
	mmuTagTSC    = 8
)

func encodeMMUState(s *MMUState) []byte {
	w := NewWriter(mmuRegsID, mmuRegsVersion)
	w.FieldU32(mmuTagAPICID, s.APICID)
	w.FieldU64(mmuTagCR0, s.CR0)
	w.FieldU64(mmuTagCR2, s.CR2)
	w.FieldU64(mmuTagCR3, s.CR3)
	w.FieldU64(mmuTagCR4, s.CR4)
	w.FieldU64(mmuTagEFER, s.EFER)
	w.FieldU64(mmuTagPAT, s.PAT)
	w.FieldU64(mmuTagTSC, s.TSC)

	return w.Finish()
}

func decodeMMUState(data []byte) (*MMUState, error) {
	r, err := ParseReader(data, mmuRegsID)
	if err != nil {
		return nil, err
	}

	if err := r.EnsureMajor(mmuRegsVersion.Major); err != nil {
		return nil, err
	}

	// PAT reset value per SDM.
	s := &MMUState{CR0: 0x60000010, PAT: 0x0007040600070406}
	if err := r.U32(mmuTagAPICID, &s.APICID); err != nil {
		return nil, err
	}

	for _, f := range []struct {
		tag uint16
		dst *uint64
	}{
		{mmuTagCR0, &s.CR0},
		{mmuTagCR2, &s.CR2},
		{mmuTagCR3, &s.CR3},
		{mmuTagCR4, &s.CR4},
		{mmuTagEFER, &s.EFER},
		{mmuTagPAT, &s.PAT},
		{mmuTagTSC, &s.TSC},
	} {
		if err := r.U64(f.tag, f.dst); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// DeviceState is one device's serialized state as stored in the DEVICES
// section. Data is a complete tagged envelope, header included, so ID and
// Version mirror its first eight bytes.
type DeviceState struct {
	ID      DeviceID
	Version Version
	Flags   uint16
	Data    []byte
}

// NewDeviceState wraps envelope bytes produced by a Writer, reading back the
// id and version from the header.
func NewDeviceState(data []byte, flags uint16) (DeviceState, error) {
	if len(data) < envelopeHeaderLen {
		return DeviceState{}, fmt.Errorf("%w: envelope truncated (%d bytes)", ErrCorrupt, len(data))
	}

	var id DeviceID

	copy(id[:], data[:4])

	return DeviceState{
		ID: id,
		Version: Version{
			Major: binary.LittleEndian.Uint16(data[4:6]),
			Minor: binary.LittleEndian.Uint16(data[6:8]),
		},
		Flags: flags,
		Data:  data,
	}, nil
}

// DiskOverlayRef names one storage slot's externally-managed backing files.
// The engine carries these verbatim; it never opens the named images.
type DiskOverlayRef struct {
	DiskID       uint32
	BaseImage    string
	OverlayImage string
}

const (
	overlayTagDiskID  = 1
	overlayTagBase    = 2
	overlayTagOverlay = 3
)

func encodeDiskOverlay(d *DiskOverlayRef) []byte {
	w := NewWriter(overlayID, overlayVersion)
	w.FieldU32(overlayTagDiskID, d.DiskID)
	w.FieldString(overlayTagBase, d.BaseImage)
	w.FieldString(overlayTagOverlay, d.OverlayImage)

	return w.Finish()
}

func decodeDiskOverlay(data []byte) (DiskOverlayRef, error) {
	r, err := ParseReader(data, overlayID)
	if err != nil {
		return DiskOverlayRef{}, err
	}

	if err := r.EnsureMajor(overlayVersion.Major); err != nil {
		return DiskOverlayRef{}, err
	}

	var d DiskOverlayRef
	if err := r.U32(overlayTagDiskID, &d.DiskID); err != nil {
		return DiskOverlayRef{}, err
	}

	if err := r.String(overlayTagBase, &d.BaseImage); err != nil {
		return DiskOverlayRef{}, err
	}

	if err := r.String(overlayTagOverlay, &d.OverlayImage); err != nil {
		return DiskOverlayRef{}, err
	}

	return d, nil
}
