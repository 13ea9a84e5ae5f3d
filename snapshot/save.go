package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sort"
)

// Source is the read side of the engine: a live machine exposes itself as a
// Source for the duration of one capture. All methods are extraction only;
// the machine is not mutated except for TakeDirtyPages/ClearDirty draining
// the dirty tracker.
type Source interface {
	SnapshotMeta() Meta
	CPUStates() []CPUState
	MMUStates() []MMUState
	DeviceStates() []DeviceState
	DiskOverlays() []DiskOverlayRef

	// RAMLen is the dense RAM image length; offsets run 0..RAMLen-1
	// regardless of any physical-address hole in the live machine.
	RAMLen() uint64
	ReadRAM(offset uint64, buf []byte) error

	DirtyPageSize() int
	// TakeDirtyPages drains the dirty tracker, returning the written page
	// indices in ascending order. ok=false means tracking was not armed and
	// only a full capture is possible.
	TakeDirtyPages() ([]uint64, bool)
	// ClearDirty discards dirty marks without returning them; a full capture
	// already holds the current image, so marks predating it are stale.
	ClearDirty()
}

// ramMode values in the RAM section header.
const (
	ramModeFull  uint8 = 0
	ramModeDirty uint8 = 1
)

const ramHeaderLen = 8 + 4 + 1 + 3

const ramCopyChunk = 1 << 20

// Save writes a full snapshot of src to w. The machine's dirty tracker is
// cleared afterwards so a following SaveDirty diffs against this capture.
func Save(w io.WriteSeeker, src Source) error {
	meta := src.SnapshotMeta()
	if meta.ParentSnapshotID != nil {
		return fmt.Errorf("full snapshot carries parent id %d", *meta.ParentSnapshotID)
	}

	if err := saveCommon(w, src, &meta); err != nil {
		return err
	}

	if err := writeSection(w, SectionRAM, 1, 0, func(out io.Writer) error {
		return writeFullRAM(out, src)
	}); err != nil {
		return err
	}

	src.ClearDirty()

	return nil
}

// SaveDirty writes an incremental snapshot containing only RAM pages written
// since the previous capture. The meta's ParentSnapshotID must name that
// capture.
func SaveDirty(w io.WriteSeeker, src Source) error {
	meta := src.SnapshotMeta()
	if meta.ParentSnapshotID == nil {
		return fmt.Errorf("dirty snapshot without parent id")
	}

	pages, ok := src.TakeDirtyPages()
	if !ok {
		return fmt.Errorf("dirty tracking not armed")
	}

	if err := saveCommon(w, src, &meta); err != nil {
		return err
	}

	return writeSection(w, SectionRAM, 1, 0, func(out io.Writer) error {
		return writeDirtyRAM(out, src, pages)
	})
}

func saveCommon(w io.WriteSeeker, src Source, meta *Meta) error {
	if err := WriteFileHeader(w); err != nil {
		return err
	}

	if err := writeSection(w, SectionMeta, 1, 0, func(out io.Writer) error {
		_, err := out.Write(encodeMeta(meta))

		return err
	}); err != nil {
		return err
	}

	cpus := src.CPUStates()
	mmus := src.MMUStates()

	if len(cpus) == 0 || len(cpus) > maxCPUs {
		return fmt.Errorf("%d CPU states", len(cpus))
	}

	if len(mmus) != len(cpus) {
		return fmt.Errorf("%d MMU states for %d CPUs", len(mmus), len(cpus))
	}

	if err := writeSection(w, SectionCPUs, 1, 0, func(out io.Writer) error {
		return writeCountedBlobs(out, encodeAll(cpus, func(s *CPUState) []byte {
			return encodeCPUState(s)
		}))
	}); err != nil {
		return err
	}

	if err := writeSection(w, SectionMMU, 1, 0, func(out io.Writer) error {
		return writeCountedBlobs(out, encodeAll(mmus, func(s *MMUState) []byte {
			return encodeMMUState(s)
		}))
	}); err != nil {
		return err
	}

	devices := src.DeviceStates()
	if err := checkDeviceStates(devices); err != nil {
		return err
	}

	if err := writeSection(w, SectionDevices, 1, 0, func(out io.Writer) error {
		return writeDevicesPayload(out, devices)
	}); err != nil {
		return err
	}

	overlays := src.DiskOverlays()
	if len(overlays) > maxDiskOverlays {
		return fmt.Errorf("%d disk overlays", len(overlays))
	}

	if err := writeSection(w, SectionDisks, 1, 0, func(out io.Writer) error {
		blobs := make([][]byte, len(overlays))
		for i := range overlays {
			blobs[i] = encodeDiskOverlay(&overlays[i])
		}

		return writeCountedBlobs(out, blobs)
	}); err != nil {
		return err
	}

	log.Printf("snapshot: id=%d cpus=%d devices=%d disks=%d",
		meta.SnapshotID, len(cpus), len(devices), len(overlays))

	return nil
}

func encodeAll[T any](items []T, enc func(*T) []byte) [][]byte {
	blobs := make([][]byte, len(items))
	for i := range items {
		blobs[i] = enc(&items[i])
	}

	return blobs
}

// writeCountedBlobs writes {count u32} then {len u32, bytes} per blob.
func writeCountedBlobs(w io.Writer, blobs [][]byte) error {
	var n [4]byte

	binary.LittleEndian.PutUint32(n[:], uint32(len(blobs)))

	if _, err := w.Write(n[:]); err != nil {
		return err
	}

	for _, b := range blobs {
		binary.LittleEndian.PutUint32(n[:], uint32(len(b)))

		if _, err := w.Write(n[:]); err != nil {
			return err
		}

		if _, err := w.Write(b); err != nil {
			return err
		}
	}

	return nil
}

func checkDeviceStates(devices []DeviceState) error {
	if len(devices) > maxDevices {
		return fmt.Errorf("%d device envelopes", len(devices))
	}

	type key struct {
		id      DeviceID
		version Version
		flags   uint16
	}

	seen := make(map[key]struct{}, len(devices))

	for i := range devices {
		d := &devices[i]
		if len(d.Data) > maxEnvelopeLen {
			return fmt.Errorf("device %s envelope is %d bytes", d.ID, len(d.Data))
		}

		k := key{id: d.ID, version: d.Version, flags: d.Flags}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("duplicate device envelope %s v%d.%d flags %#x",
				d.ID, d.Version.Major, d.Version.Minor, d.Flags)
		}

		seen[k] = struct{}{}
	}

	return nil
}

func writeDevicesPayload(w io.Writer, devices []DeviceState) error {
	var buf [6]byte

	binary.LittleEndian.PutUint32(buf[:4], uint32(len(devices)))

	if _, err := w.Write(buf[:4]); err != nil {
		return err
	}

	for i := range devices {
		d := &devices[i]
		binary.LittleEndian.PutUint16(buf[0:2], d.Flags)
		binary.LittleEndian.PutUint32(buf[2:6], uint32(len(d.Data)))

		if _, err := w.Write(buf[:6]); err != nil {
			return err
		}

		if _, err := w.Write(d.Data); err != nil {
			return err
		}
	}

	return nil
}

func writeRAMHeader(w io.Writer, total uint64, pageSize uint32, mode uint8) error {
	var hdr [ramHeaderLen]byte

	binary.LittleEndian.PutUint64(hdr[0:8], total)
	binary.LittleEndian.PutUint32(hdr[8:12], pageSize)
	hdr[12] = mode

	_, err := w.Write(hdr[:])

	return err
}

func writeFullRAM(w io.Writer, src Source) error {
	total := src.RAMLen()
	if err := writeRAMHeader(w, total, uint32(src.DirtyPageSize()), ramModeFull); err != nil {
		return err
	}

	buf := make([]byte, ramCopyChunk)

	for off := uint64(0); off < total; {
		n := uint64(len(buf))
		if total-off < n {
			n = total - off
		}

		if err := src.ReadRAM(off, buf[:n]); err != nil {
			return fmt.Errorf("read RAM at %#x: %w", off, err)
		}

		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}

		off += n
	}

	return nil
}

func writeDirtyRAM(w io.Writer, src Source, pages []uint64) error {
	total := src.RAMLen()
	pageSize := uint64(src.DirtyPageSize())

	if err := writeRAMHeader(w, total, uint32(pageSize), ramModeDirty); err != nil {
		return err
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	var n [4]byte

	binary.LittleEndian.PutUint32(n[:], uint32(len(pages)))

	if _, err := w.Write(n[:]); err != nil {
		return err
	}

	buf := make([]byte, pageSize)

	for _, page := range pages {
		off := page * pageSize
		if off >= total {
			return fmt.Errorf("dirty page %d beyond RAM length %d", page, total)
		}

		size := pageSize
		if total-off < size {
			size = total - off
		}

		if err := src.ReadRAM(off, buf[:size]); err != nil {
			return fmt.Errorf("read RAM page %d: %w", page, err)
		}

		var idx [8]byte

		binary.LittleEndian.PutUint64(idx[:], page)

		if _, err := w.Write(idx[:]); err != nil {
			return err
		}

		if _, err := w.Write(buf[:size]); err != nil {
			return err
		}
	}

	return nil
}
