package snapshot_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gopc-dev/gopc/snapshot"
)

var testID = snapshot.DeviceID{'T', 'E', 'S', 'T'}

// ---- writer/reader round trip -----------------------------------------------

func TestFieldRoundTrip(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(testID, snapshot.Version{Major: 2, Minor: 5})
	w.FieldU8(1, 0xab)
	w.FieldBool(2, true)
	w.FieldU16(3, 0xbeef)
	w.FieldU32(4, 0xdeadbeef)
	w.FieldU64(5, 0x0102030405060708)
	w.FieldBytes(6, []byte{9, 8, 7})
	w.FieldString(7, "hda.img")

	r, err := snapshot.ParseReader(w.Finish(), testID)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	if v := r.Version(); v.Major != 2 || v.Minor != 5 {
		t.Fatalf("version %d.%d, want 2.5", v.Major, v.Minor)
	}

	if err := r.EnsureMajor(2); err != nil {
		t.Fatalf("EnsureMajor(2): %v", err)
	}

	var (
		u8  uint8
		b   bool
		u16 uint16
		u32 uint32
		u64 uint64
		raw []byte
		s   string
	)

	for _, err := range []error{
		r.U8(1, &u8), r.Bool(2, &b), r.U16(3, &u16),
		r.U32(4, &u32), r.U64(5, &u64), r.Bytes(6, &raw), r.String(7, &s),
	} {
		if err != nil {
			t.Fatalf("accessor: %v", err)
		}
	}

	if u8 != 0xab || !b || u16 != 0xbeef || u32 != 0xdeadbeef || u64 != 0x0102030405060708 {
		t.Fatalf("scalar mismatch: %#x %t %#x %#x %#x", u8, b, u16, u32, u64)
	}

	if !bytes.Equal(raw, []byte{9, 8, 7}) || s != "hda.img" {
		t.Fatalf("blob mismatch: %v %q", raw, s)
	}
}

// ---- forward compatibility --------------------------------------------------

func TestAbsentFieldKeepsDefault(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(testID, snapshot.Version{Major: 1})
	w.FieldU32(1, 7)

	r, err := snapshot.ParseReader(w.Finish(), testID)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	// Tag 99 was never written; the destination keeps its default.
	v := uint32(42)
	if err := r.U32(99, &v); err != nil {
		t.Fatalf("U32(99): %v", err)
	}

	if v != 42 {
		t.Fatalf("absent tag overwrote default: %d", v)
	}

	if _, ok := r.Field(99); ok {
		t.Fatal("Field(99) reported present")
	}
}

func TestMinorVersionAccepted(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(testID, snapshot.Version{Major: 1, Minor: 9})

	r, err := snapshot.ParseReader(w.Finish(), testID)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	if err := r.EnsureMajor(1); err != nil {
		t.Fatalf("newer minor rejected: %v", err)
	}
}

// ---- failure modes ----------------------------------------------------------

func TestParseFailures(t *testing.T) {
	t.Parallel()

	good := func() []byte {
		w := snapshot.NewWriter(testID, snapshot.Version{Major: 1})
		w.FieldU32(1, 7)

		return w.Finish()
	}()

	for _, tc := range []struct {
		name string
		data []byte
		id   snapshot.DeviceID
		want error
	}{
		{"wrong id", good, snapshot.DeviceID{'N', 'O', 'P', 'E'}, snapshot.ErrCorrupt},
		{"truncated header", good[:5], testID, snapshot.ErrCorrupt},
		{"truncated field", good[:len(good)-2], testID, snapshot.ErrCorrupt},
	} {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if _, err := snapshot.ParseReader(tc.data, tc.id); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDuplicateTagRejected(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(testID, snapshot.Version{Major: 1})
	w.FieldU32(1, 7)
	w.FieldU32(1, 8)

	if _, err := snapshot.ParseReader(w.Finish(), testID); !errors.Is(err, snapshot.ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestEnsureMajorMismatch(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(testID, snapshot.Version{Major: 3})

	r, err := snapshot.ParseReader(w.Finish(), testID)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	if err := r.EnsureMajor(2); !errors.Is(err, snapshot.ErrVersionMismatch) {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
}

func TestWrongFixedLength(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(testID, snapshot.Version{Major: 1})
	w.FieldU32(1, 7)

	r, err := snapshot.ParseReader(w.Finish(), testID)
	if err != nil {
		t.Fatalf("ParseReader: %v", err)
	}

	var v uint64
	if err := r.U64(1, &v); !errors.Is(err, snapshot.ErrCorrupt) {
		t.Fatalf("4-byte payload read as u64: %v", err)
	}
}
