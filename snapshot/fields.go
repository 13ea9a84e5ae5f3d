package snapshot

import (
	"encoding/binary"
	"fmt"
)

// DeviceID is the 4-byte identifier at the head of every envelope and in
// every DEVICES-section entry.
type DeviceID [4]byte

func (id DeviceID) String() string {
	for _, b := range id {
		if b < 0x20 || b > 0x7e {
			return fmt.Sprintf("%#08x", binary.LittleEndian.Uint32(id[:]))
		}
	}

	return string(id[:])
}

// Version is the major.minor version stored in an envelope header. Readers
// require an exact major match and accept any minor.
type Version struct {
	Major uint16
	Minor uint16
}

// envelope header: 4-byte id + u16 major + u16 minor, little-endian.
const envelopeHeaderLen = 8

// fieldHeaderLen is u16 tag + u32 payload length.
const fieldHeaderLen = 6

// Writer builds a tagged-field envelope: a self-describing record of
// {tag, length, bytes} triples behind an identifier/version header. Fields
// absent from an envelope written by older code are simply not present;
// readers keep their documented defaults for them.
type Writer struct {
	buf []byte
}

// NewWriter starts an envelope for the given identifier and version.
func NewWriter(id DeviceID, ver Version) *Writer {
	w := &Writer{buf: make([]byte, 0, 128)}
	w.buf = append(w.buf, id[:]...)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, ver.Major)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, ver.Minor)

	return w
}

func (w *Writer) field(tag uint16, payload []byte) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, tag)
	w.buf = binary.LittleEndian.AppendUint32(w.buf, uint32(len(payload)))
	w.buf = append(w.buf, payload...)
}

func (w *Writer) FieldU8(tag uint16, v uint8) {
	w.field(tag, []byte{v})
}

func (w *Writer) FieldBool(tag uint16, v bool) {
	b := byte(0)
	if v {
		b = 1
	}

	w.field(tag, []byte{b})
}

func (w *Writer) FieldU16(tag uint16, v uint16) {
	var p [2]byte

	binary.LittleEndian.PutUint16(p[:], v)
	w.field(tag, p[:])
}

func (w *Writer) FieldU32(tag uint16, v uint32) {
	var p [4]byte

	binary.LittleEndian.PutUint32(p[:], v)
	w.field(tag, p[:])
}

func (w *Writer) FieldU64(tag uint16, v uint64) {
	var p [8]byte

	binary.LittleEndian.PutUint64(p[:], v)
	w.field(tag, p[:])
}

func (w *Writer) FieldBytes(tag uint16, v []byte) {
	w.field(tag, v)
}

func (w *Writer) FieldString(tag uint16, v string) {
	w.field(tag, []byte(v))
}

// Finish returns the complete envelope bytes. The Writer must not be used
// afterwards.
func (w *Writer) Finish() []byte {
	out := w.buf
	w.buf = nil

	return out
}

// Reader parses a tagged-field envelope. Typed accessors write through their
// destination pointer only when the tag is present, so callers initialize the
// destination to the documented default first. A present tag with the wrong
// payload length is a format error, never silently coerced.
type Reader struct {
	major  uint16
	minor  uint16
	fields map[uint16][]byte
}

// ParseReader validates the envelope header against expected id and indexes
// its fields.
func ParseReader(data []byte, id DeviceID) (*Reader, error) {
	if len(data) < envelopeHeaderLen {
		return nil, fmt.Errorf("%w: envelope truncated (%d bytes)", ErrCorrupt, len(data))
	}

	var got DeviceID

	copy(got[:], data[:4])

	if got != id {
		return nil, fmt.Errorf("%w: envelope id %s, want %s", ErrCorrupt, got, id)
	}

	r := &Reader{
		major:  binary.LittleEndian.Uint16(data[4:6]),
		minor:  binary.LittleEndian.Uint16(data[6:8]),
		fields: make(map[uint16][]byte),
	}

	rest := data[envelopeHeaderLen:]
	for len(rest) > 0 {
		if len(rest) < fieldHeaderLen {
			return nil, fmt.Errorf("%w: field header truncated", ErrCorrupt)
		}

		tag := binary.LittleEndian.Uint16(rest[0:2])
		length := int(binary.LittleEndian.Uint32(rest[2:6]))
		rest = rest[fieldHeaderLen:]

		if length > len(rest) {
			return nil, fmt.Errorf("%w: field %d length %d exceeds envelope", ErrCorrupt, tag, length)
		}

		if _, dup := r.fields[tag]; dup {
			return nil, fmt.Errorf("%w: duplicate field %d", ErrCorrupt, tag)
		}

		r.fields[tag] = rest[:length:length]
		rest = rest[length:]
	}

	return r, nil
}

// Version returns the stored envelope version.
func (r *Reader) Version() Version {
	return Version{Major: r.major, Minor: r.minor}
}

// EnsureMajor fails unless the stored major version equals major. Minor
// differences are accepted: new optional tags are simply absent in older
// snapshots and unknown tags from newer minors are ignored.
func (r *Reader) EnsureMajor(major uint16) error {
	if r.major != major {
		return fmt.Errorf("%w: stored major %d, reader supports %d", ErrVersionMismatch, r.major, major)
	}

	return nil
}

// Field returns the raw payload for tag, or (nil, false) if absent.
func (r *Reader) Field(tag uint16) ([]byte, bool) {
	p, ok := r.fields[tag]

	return p, ok
}

func (r *Reader) fixed(tag uint16, size int) ([]byte, error) {
	p, ok := r.fields[tag]
	if !ok {
		return nil, nil
	}

	if len(p) != size {
		return nil, fmt.Errorf("%w: field %d is %d bytes, want %d", ErrCorrupt, tag, len(p), size)
	}

	return p, nil
}

func (r *Reader) U8(tag uint16, dst *uint8) error {
	p, err := r.fixed(tag, 1)
	if err != nil || p == nil {
		return err
	}

	*dst = p[0]

	return nil
}

func (r *Reader) Bool(tag uint16, dst *bool) error {
	p, err := r.fixed(tag, 1)
	if err != nil || p == nil {
		return err
	}

	*dst = p[0] != 0

	return nil
}

func (r *Reader) U16(tag uint16, dst *uint16) error {
	p, err := r.fixed(tag, 2)
	if err != nil || p == nil {
		return err
	}

	*dst = binary.LittleEndian.Uint16(p)

	return nil
}

func (r *Reader) U32(tag uint16, dst *uint32) error {
	p, err := r.fixed(tag, 4)
	if err != nil || p == nil {
		return err
	}

	*dst = binary.LittleEndian.Uint32(p)

	return nil
}

func (r *Reader) U64(tag uint16, dst *uint64) error {
	p, err := r.fixed(tag, 8)
	if err != nil || p == nil {
		return err
	}

	*dst = binary.LittleEndian.Uint64(p)

	return nil
}

func (r *Reader) Bytes(tag uint16, dst *[]byte) error {
	p, ok := r.fields[tag]
	if !ok {
		return nil
	}

	c := make([]byte, len(p))
	copy(c, p)
	*dst = c

	return nil
}

func (r *Reader) String(tag uint16, dst *string) error {
	p, ok := r.fields[tag]
	if !ok {
		return nil
	}

	*dst = string(p)

	return nil
}
