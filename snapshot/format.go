package snapshot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// File layout: [file header][section]*. Each section is length-prefixed so
// unknown/future sections can be skipped without decoding their payloads.
//
// File header (16 bytes):
//
//	[8-byte magic]["GOPCSNAP"][u16 format version][u8 endianness][u8 reserved][u32 reserved]
var Magic = [8]byte{'G', 'O', 'P', 'C', 'S', 'N', 'A', 'P'}

const (
	// FormatVersion is the file-level format version. Envelope and section
	// versions evolve independently of it.
	FormatVersion uint16 = 1

	// EndianLittle is the only supported byte-order tag.
	EndianLittle uint8 = 1
)

// SectionID identifies a top-level region of the snapshot file.
type SectionID uint32

func sectionID(tag string) SectionID {
	return SectionID(binary.LittleEndian.Uint32([]byte(tag)))
}

var (
	SectionMeta    = sectionID("META")
	SectionCPU     = sectionID("CPU ")
	SectionCPUs    = sectionID("CPUS")
	SectionMMU     = sectionID("MMU ")
	SectionDevices = sectionID("DEVS")
	SectionDisks   = sectionID("DISK")
	SectionRAM     = sectionID("RAM ")
)

func (id SectionID) String() string {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], uint32(id))

	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%#08x", uint32(id))
		}
	}

	return string(b[:])
}

func deviceID(tag string) DeviceID {
	var id DeviceID

	copy(id[:], tag)

	return id
}

// Device identifiers used by the standard gopc machine composition. Wrapper
// ids (DevDiskCtrl, DevUSB, DevVirtioInput) carry several inner envelopes
// keyed by a packed inner tag; the rest are single-instance.
var (
	DevBIOS       = deviceID("BIOS")
	DevMemory     = deviceID("MEMC")
	DevSerial     = deviceID("UART")
	DevInterrupts = deviceID("PLTI")
	// DevAPIC is the historical id for the interrupt controller complex,
	// accepted on restore for old snapshots.
	DevAPIC        = deviceID("APIC")
	DevPIT         = deviceID("PIT0")
	DevRTC         = deviceID("RTC0")
	DevHPET        = deviceID("HPET")
	DevACPIPM      = deviceID("ACPI")
	DevI8042       = deviceID("8042")
	DevPCIConfig   = deviceID("PCFG")
	DevPCIIntx     = deviceID("INTX")
	// DevPCILegacy is the historical combined PCI core id whose payload is a
	// PCIC wrapper holding both config-port and INTx-router records.
	DevPCILegacy   = deviceID("PCI0")
	DevVGA         = deviceID("VGA0")
	DevE1000       = deviceID("E1K0")
	DevDiskCtrl    = deviceID("DSKC")
	DevIDE         = deviceID("IDE0")
	DevAHCI        = deviceID("AHCI")
	DevNVMe        = deviceID("NVME")
	DevVirtioBlk   = deviceID("VBLK")
	DevUSB         = deviceID("USBC")
	DevUHCI        = deviceID("UHCI")
	DevEHCI        = deviceID("EHCI")
	DevXHCI        = deviceID("XHCI")
	// DevUSBClock is host-only frame-timer bookkeeping riding inside the
	// USB wrapper under its own inner key.
	DevUSBClock    = deviceID("USBT")
	DevVirtioInput = deviceID("VINP")
	DevCPUInternal = deviceID("CPUI")
)

// SectionHeader precedes every section payload.
type SectionHeader struct {
	ID      SectionID
	Version uint16
	Flags   uint16
	Length  uint64
}

const sectionHeaderLen = 16

// WriteFileHeader writes the snapshot file header to w.
func WriteFileHeader(w io.Writer) error {
	var hdr [16]byte

	copy(hdr[:8], Magic[:])
	binary.LittleEndian.PutUint16(hdr[8:10], FormatVersion)
	hdr[10] = EndianLittle

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write file header: %w", err)
	}

	return nil
}

// ReadFileHeader validates the snapshot file header.
func ReadFileHeader(r io.Reader) error {
	var hdr [16]byte

	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: file header: %v", ErrCorrupt, err)
	}

	var magic [8]byte

	copy(magic[:], hdr[:8])

	if magic != Magic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic[:])
	}

	if v := binary.LittleEndian.Uint16(hdr[8:10]); v != FormatVersion {
		return fmt.Errorf("%w: file format version %d", ErrVersionMismatch, v)
	}

	if hdr[10] != EndianLittle {
		return fmt.Errorf("%w: endianness tag %d", ErrCorrupt, hdr[10])
	}

	return nil
}

// writeSection writes a placeholder header, runs fn to produce the payload,
// then seeks back to patch the true payload length.
func writeSection(w io.WriteSeeker, id SectionID, version, flags uint16, fn func(io.Writer) error) error {
	headerPos, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var hdr [sectionHeaderLen]byte

	binary.LittleEndian.PutUint32(hdr[0:4], uint32(id))
	binary.LittleEndian.PutUint16(hdr[4:6], version)
	binary.LittleEndian.PutUint16(hdr[6:8], flags)
	// length patched below

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("section %s header: %w", id, err)
	}

	payloadStart, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if err := fn(w); err != nil {
		return fmt.Errorf("section %s: %w", id, err)
	}

	payloadEnd, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if _, err := w.Seek(headerPos+8, io.SeekStart); err != nil {
		return err
	}

	var lenBuf [8]byte

	binary.LittleEndian.PutUint64(lenBuf[:], uint64(payloadEnd-payloadStart))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("section %s length: %w", id, err)
	}

	if _, err := w.Seek(payloadEnd, io.SeekStart); err != nil {
		return err
	}

	return nil
}

// readSectionHeader reads the next section header, or returns (nil, nil) at
// a clean end of stream.
func readSectionHeader(r io.Reader) (*SectionHeader, error) {
	var hdr [sectionHeaderLen]byte

	n, err := io.ReadFull(r, hdr[:])
	if n == 0 && err == io.EOF {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("%w: section header: %v", ErrCorrupt, err)
	}

	return &SectionHeader{
		ID:      SectionID(binary.LittleEndian.Uint32(hdr[0:4])),
		Version: binary.LittleEndian.Uint16(hdr[4:6]),
		Flags:   binary.LittleEndian.Uint16(hdr[6:8]),
		Length:  binary.LittleEndian.Uint64(hdr[8:16]),
	}, nil
}
