package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SectionInfo describes one section for inspection tools.
type SectionInfo struct {
	Header SectionHeader
	Offset int64
}

// Index is a non-mutating view of a snapshot file: the metadata, every
// section header, and the device envelope directory. Used by the CLI to
// inspect and validate files without constructing a machine.
type Index struct {
	Meta     *Meta
	Sections []SectionInfo
	Devices  []DeviceState
	Disks    []DiskOverlayRef
	CPUs     int
	RAMBytes uint64
	RAMDirty bool
}

// ReadIndex scans a snapshot file and decodes everything except the RAM
// payload, which it skips by length.
func ReadIndex(r io.ReadSeeker) (*Index, error) {
	if err := ReadFileHeader(r); err != nil {
		return nil, err
	}

	idx := &Index{}

	for {
		off, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}

		hdr, err := readSectionHeader(r)
		if err != nil {
			return nil, err
		}

		if hdr == nil {
			break
		}

		idx.Sections = append(idx.Sections, SectionInfo{Header: *hdr, Offset: off})
		payload := io.LimitReader(r, int64(hdr.Length))

		switch hdr.ID {
		case SectionMeta:
			idx.Meta, err = readMetaSection(payload, hdr)

		case SectionCPU, SectionCPUs:
			var cpus []CPUState

			cpus, err = readCPUSection(payload, hdr)
			idx.CPUs = len(cpus)

		case SectionDevices:
			idx.Devices, err = readDevicesSection(payload, hdr)

		case SectionDisks:
			idx.Disks, err = readDisksSection(payload, hdr)

		case SectionRAM:
			var ramHdr [ramHeaderLen]byte

			if _, err = io.ReadFull(payload, ramHdr[:]); err != nil {
				err = fmt.Errorf("%w: RAM header: %v", ErrCorrupt, err)
				break
			}

			idx.RAMBytes = binary.LittleEndian.Uint64(ramHdr[0:8])
			idx.RAMDirty = ramHdr[12] == ramModeDirty
		}

		if err != nil {
			return nil, err
		}

		if _, err := r.Seek(off+sectionHeaderLen+int64(hdr.Length), io.SeekStart); err != nil {
			return nil, fmt.Errorf("%w: seek past section %s: %v", ErrCorrupt, hdr.ID, err)
		}
	}

	if idx.Meta == nil {
		return nil, fmt.Errorf("%w: no META section", ErrCorrupt)
	}

	return idx, nil
}
