package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
)

// Target is the write side of the engine: a machine consumes one restore as
// an ordered sequence of calls. The orchestrator is topology-agnostic; all
// cross-device ordering (interrupt controller before PCI, line replay,
// per-device config re-mirroring, CPU-internal state last) lives inside
// RestoreDeviceStates and PostRestore.
type Target interface {
	// PreRestore discards host-only caches (pressed-key tracking, attached
	// network backend, install-media handles) and clears latched reset
	// signals before any snapshot state is applied.
	PreRestore()

	// RestoreMeta adopts the snapshot id as the machine's last id and bumps
	// the next-id counter past it.
	RestoreMeta(meta Meta)

	// RestoreCPUStates applies architectural register state, matched by
	// stable CPU id. An id set that does not exactly cover the machine's
	// configured CPUs is ErrCorrupt.
	RestoreCPUStates(states []CPUState) error
	RestoreMMUStates(states []MMUState) error

	// RestoreDeviceStates applies all device envelopes in one batched call
	// and returns an aggregated error for config mismatches. Unknown future
	// envelope versions are skipped per envelope, not fatal.
	RestoreDeviceStates(states []DeviceState) error

	// RestoreDiskOverlays hands the overlay references back unmodified; the
	// host re-opens and re-attaches the backing files itself.
	RestoreDiskOverlays(refs []DiskOverlayRef)

	RAMLen() uint64
	WriteRAM(offset uint64, data []byte) error

	// PostRestore flushes translation caches, resynchronizes the time
	// source from the restored TSC, and surfaces any deferred mismatch.
	PostRestore() error
}

// RestoreOptions controls validation of an incremental snapshot against the
// snapshot currently loaded in the target machine.
type RestoreOptions struct {
	// ExpectedParentSnapshotID is the id of the snapshot the machine
	// currently holds. A dirty snapshot whose ParentSnapshotID differs is
	// rejected before the target is touched.
	ExpectedParentSnapshotID *uint64
}

// Restore applies a full snapshot from r to tgt.
func Restore(r io.Reader, tgt Target) error {
	return RestoreWithOptions(r, tgt, RestoreOptions{})
}

// RestoreWithOptions applies a snapshot, validating dirty-snapshot lineage
// against opts. A failed restore leaves the target in an unspecified state;
// callers discard the machine rather than resuming it.
func RestoreWithOptions(r io.Reader, tgt Target, opts RestoreOptions) error {
	if err := ReadFileHeader(r); err != nil {
		return err
	}

	// With a seekable reader the dirty-lineage check happens before the
	// target is mutated at all.
	if rs, ok := r.(io.ReadSeeker); ok {
		meta, err := prescanMeta(rs)
		if err != nil {
			return err
		}

		if meta != nil {
			if err := validateLineage(meta, &opts); err != nil {
				return err
			}
		}
	}

	tgt.PreRestore()

	seen := make(map[SectionID]bool)

	var (
		haveMeta, haveCPU, haveMMU, haveDevices, haveRAM bool
		deferred                                         error
	)

	for {
		hdr, err := readSectionHeader(r)
		if err != nil {
			return err
		}

		if hdr == nil {
			break
		}

		// The legacy CPU form and the counted CPUS form are one logical
		// section; a file carrying both is malformed.
		key := hdr.ID
		if key == SectionCPU {
			key = SectionCPUs
		}

		if seen[key] {
			return fmt.Errorf("%w: duplicate section %s", ErrCorrupt, hdr.ID)
		}

		seen[key] = true
		payload := io.LimitReader(r, int64(hdr.Length))

		switch hdr.ID {
		case SectionMeta:
			meta, err := readMetaSection(payload, hdr)
			if err != nil {
				return err
			}

			if err := validateLineage(meta, &opts); err != nil {
				return err
			}

			tgt.RestoreMeta(*meta)

			haveMeta = true

		case SectionCPU, SectionCPUs:
			cpus, err := readCPUSection(payload, hdr)
			if err != nil {
				return err
			}

			if err := tgt.RestoreCPUStates(cpus); err != nil {
				return err
			}

			haveCPU = true

		case SectionMMU:
			mmus, err := readMMUSection(payload, hdr)
			if err != nil {
				return err
			}

			if err := tgt.RestoreMMUStates(mmus); err != nil {
				return err
			}

			haveMMU = true

		case SectionDevices:
			devices, err := readDevicesSection(payload, hdr)
			if err != nil {
				return err
			}

			if err := tgt.RestoreDeviceStates(devices); err != nil {
				if errors.Is(err, ErrCorrupt) || errors.Is(err, ErrVersionMismatch) {
					return err
				}

				// Config mismatches finish the restore first so every
				// healthy device still reaches a consistent state.
				deferred = err
			}

			haveDevices = true

		case SectionDisks:
			refs, err := readDisksSection(payload, hdr)
			if err != nil {
				return err
			}

			tgt.RestoreDiskOverlays(refs)

		case SectionRAM:
			if err := readRAMSection(payload, hdr, tgt); err != nil {
				return err
			}

			haveRAM = true

		default:
			log.Printf("snapshot: skipping unknown section %s (%d bytes)", hdr.ID, hdr.Length)
		}

		// Drain whatever the handler left of the payload so the next
		// section header lines up.
		if _, err := io.Copy(io.Discard, payload); err != nil {
			return fmt.Errorf("%w: section %s: %v", ErrCorrupt, hdr.ID, err)
		}
	}

	if !haveMeta || !haveCPU || !haveMMU || !haveDevices || !haveRAM {
		return fmt.Errorf("%w: incomplete snapshot (meta=%t cpu=%t mmu=%t devices=%t ram=%t)",
			ErrCorrupt, haveMeta, haveCPU, haveMMU, haveDevices, haveRAM)
	}

	postErr := tgt.PostRestore()

	switch {
	case deferred != nil && postErr != nil:
		return errors.Join(deferred, postErr)
	case deferred != nil:
		return deferred
	default:
		return postErr
	}
}

// prescanMeta walks the section headers of a seekable reader to decode META
// without applying anything, then rewinds to just past the file header.
func prescanMeta(rs io.ReadSeeker) (*Meta, error) {
	start, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}

	var meta *Meta

	for {
		hdr, err := readSectionHeader(rs)
		if err != nil {
			return nil, err
		}

		if hdr == nil {
			break
		}

		if hdr.ID != SectionMeta {
			if _, err := rs.Seek(int64(hdr.Length), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("%w: seek past section %s: %v", ErrCorrupt, hdr.ID, err)
			}

			continue
		}

		meta, err = readMetaSection(io.LimitReader(rs, int64(hdr.Length)), hdr)
		if err != nil {
			return nil, err
		}

		break
	}

	if _, err := rs.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	return meta, nil
}

func validateLineage(meta *Meta, opts *RestoreOptions) error {
	if !meta.IsDirty() {
		return nil
	}

	if opts.ExpectedParentSnapshotID == nil {
		return fmt.Errorf("%w: dirty snapshot (parent %d) restored without a loaded base",
			ErrConfigMismatch, *meta.ParentSnapshotID)
	}

	if *meta.ParentSnapshotID != *opts.ExpectedParentSnapshotID {
		return fmt.Errorf("%w: dirty snapshot parent %d, loaded snapshot %d",
			ErrConfigMismatch, *meta.ParentSnapshotID, *opts.ExpectedParentSnapshotID)
	}

	return nil
}

func readMetaSection(r io.Reader, hdr *SectionHeader) (*Meta, error) {
	if hdr.Length > maxEnvelopeLen {
		return nil, fmt.Errorf("%w: META section is %d bytes", ErrCorrupt, hdr.Length)
	}

	data := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: META section: %v", ErrCorrupt, err)
	}

	return decodeMeta(data)
}

// readCountedBlobs reads {count u32} then {len u32, bytes} per blob.
func readCountedBlobs(r io.Reader, maxCount, maxLen int) ([][]byte, error) {
	var n [4]byte

	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, fmt.Errorf("%w: blob count: %v", ErrCorrupt, err)
	}

	count := int(binary.LittleEndian.Uint32(n[:]))
	if count > maxCount {
		return nil, fmt.Errorf("%w: %d entries (limit %d)", ErrCorrupt, count, maxCount)
	}

	blobs := make([][]byte, count)

	for i := range blobs {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return nil, fmt.Errorf("%w: blob %d length: %v", ErrCorrupt, i, err)
		}

		length := int(binary.LittleEndian.Uint32(n[:]))
		if length > maxLen {
			return nil, fmt.Errorf("%w: blob %d is %d bytes", ErrCorrupt, i, length)
		}

		blobs[i] = make([]byte, length)
		if _, err := io.ReadFull(r, blobs[i]); err != nil {
			return nil, fmt.Errorf("%w: blob %d: %v", ErrCorrupt, i, err)
		}
	}

	return blobs, nil
}

func readCPUSection(r io.Reader, hdr *SectionHeader) ([]CPUState, error) {
	// The single-CPU CPU section predates the counted CPUS form.
	if hdr.ID == SectionCPU {
		if hdr.Length > maxEnvelopeLen {
			return nil, fmt.Errorf("%w: CPU section is %d bytes", ErrCorrupt, hdr.Length)
		}

		data := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: CPU section: %v", ErrCorrupt, err)
		}

		s, err := decodeCPUState(data)
		if err != nil {
			return nil, err
		}

		return []CPUState{*s}, nil
	}

	blobs, err := readCountedBlobs(r, maxCPUs, maxEnvelopeLen)
	if err != nil {
		return nil, fmt.Errorf("CPUS section: %w", err)
	}

	states := make([]CPUState, len(blobs))

	for i, b := range blobs {
		s, err := decodeCPUState(b)
		if err != nil {
			return nil, err
		}

		states[i] = *s
	}

	return states, nil
}

func readMMUSection(r io.Reader, hdr *SectionHeader) ([]MMUState, error) {
	if hdr.Version == 0 {
		if hdr.Length > maxEnvelopeLen {
			return nil, fmt.Errorf("%w: MMU section is %d bytes", ErrCorrupt, hdr.Length)
		}

		data := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: MMU section: %v", ErrCorrupt, err)
		}

		s, err := decodeMMUState(data)
		if err != nil {
			return nil, err
		}

		return []MMUState{*s}, nil
	}

	blobs, err := readCountedBlobs(r, maxCPUs, maxEnvelopeLen)
	if err != nil {
		return nil, fmt.Errorf("MMU section: %w", err)
	}

	states := make([]MMUState, len(blobs))

	for i, b := range blobs {
		s, err := decodeMMUState(b)
		if err != nil {
			return nil, err
		}

		states[i] = *s
	}

	return states, nil
}

func readDevicesSection(r io.Reader, hdr *SectionHeader) ([]DeviceState, error) {
	if hdr.Length > maxDevicesSection {
		return nil, fmt.Errorf("%w: DEVICES section is %d bytes", ErrCorrupt, hdr.Length)
	}

	var buf [6]byte

	if _, err := io.ReadFull(r, buf[:4]); err != nil {
		return nil, fmt.Errorf("%w: device count: %v", ErrCorrupt, err)
	}

	count := int(binary.LittleEndian.Uint32(buf[:4]))
	if count > maxDevices {
		return nil, fmt.Errorf("%w: %d device envelopes (limit %d)", ErrCorrupt, count, maxDevices)
	}

	devices := make([]DeviceState, 0, count)

	type key struct {
		id      DeviceID
		version Version
		flags   uint16
	}

	unique := make(map[key]struct{}, count)

	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("%w: device %d header: %v", ErrCorrupt, i, err)
		}

		flags := binary.LittleEndian.Uint16(buf[0:2])
		length := int(binary.LittleEndian.Uint32(buf[2:6]))

		if length > maxEnvelopeLen {
			return nil, fmt.Errorf("%w: device %d envelope is %d bytes", ErrCorrupt, i, length)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: device %d envelope: %v", ErrCorrupt, i, err)
		}

		d, err := NewDeviceState(data, flags)
		if err != nil {
			return nil, err
		}

		k := key{id: d.ID, version: d.Version, flags: d.Flags}
		if _, dup := unique[k]; dup {
			return nil, fmt.Errorf("%w: duplicate device envelope %s v%d.%d flags %#x",
				ErrCorrupt, d.ID, d.Version.Major, d.Version.Minor, d.Flags)
		}

		unique[k] = struct{}{}
		devices = append(devices, d)
	}

	return devices, nil
}

func readDisksSection(r io.Reader, _ *SectionHeader) ([]DiskOverlayRef, error) {
	blobs, err := readCountedBlobs(r, maxDiskOverlays, maxEnvelopeLen)
	if err != nil {
		return nil, fmt.Errorf("DISK section: %w", err)
	}

	refs := make([]DiskOverlayRef, len(blobs))

	for i, b := range blobs {
		ref, err := decodeDiskOverlay(b)
		if err != nil {
			return nil, err
		}

		refs[i] = ref
	}

	return refs, nil
}

func readRAMSection(r io.Reader, _ *SectionHeader, tgt Target) error {
	var hdr [ramHeaderLen]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: RAM header: %v", ErrCorrupt, err)
	}

	total := binary.LittleEndian.Uint64(hdr[0:8])
	pageSize := binary.LittleEndian.Uint32(hdr[8:12])
	mode := hdr[12]

	if total != tgt.RAMLen() {
		return fmt.Errorf("%w: snapshot RAM is %d bytes, machine has %d", ErrConfigMismatch, total, tgt.RAMLen())
	}

	switch mode {
	case ramModeFull:
		buf := make([]byte, ramCopyChunk)

		for off := uint64(0); off < total; {
			n := uint64(len(buf))
			if total-off < n {
				n = total - off
			}

			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return fmt.Errorf("%w: RAM image at %#x: %v", ErrCorrupt, off, err)
			}

			if err := tgt.WriteRAM(off, buf[:n]); err != nil {
				return fmt.Errorf("write RAM at %#x: %w", off, err)
			}

			off += n
		}

		return nil

	case ramModeDirty:
		if pageSize == 0 {
			return fmt.Errorf("%w: dirty RAM page size 0", ErrCorrupt)
		}

		var n [4]byte

		if _, err := io.ReadFull(r, n[:]); err != nil {
			return fmt.Errorf("%w: dirty page count: %v", ErrCorrupt, err)
		}

		count := binary.LittleEndian.Uint32(n[:])
		buf := make([]byte, pageSize)

		for i := uint32(0); i < count; i++ {
			var idx [8]byte

			if _, err := io.ReadFull(r, idx[:]); err != nil {
				return fmt.Errorf("%w: dirty page %d index: %v", ErrCorrupt, i, err)
			}

			page := binary.LittleEndian.Uint64(idx[:])

			// Compare in page units: multiplying first can wrap a huge
			// index back into range.
			if page >= (total+uint64(pageSize)-1)/uint64(pageSize) {
				return fmt.Errorf("%w: dirty page %d beyond RAM length %d", ErrCorrupt, page, total)
			}

			off := page * uint64(pageSize)

			size := uint64(pageSize)
			if total-off < size {
				size = total - off
			}

			if _, err := io.ReadFull(r, buf[:size]); err != nil {
				return fmt.Errorf("%w: dirty page %d: %v", ErrCorrupt, page, err)
			}

			if err := tgt.WriteRAM(off, buf[:size]); err != nil {
				return fmt.Errorf("write RAM page %d: %w", page, err)
			}
		}

		return nil

	default:
		return fmt.Errorf("%w: RAM mode %d", ErrCorrupt, mode)
	}
}
