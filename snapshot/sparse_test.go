package snapshot_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gopc-dev/gopc/snapshot"
)

func TestSparseRoundTrip(t *testing.T) {
	t.Parallel()

	mixed := make([]byte, 5*snapshot.PageSize+100)
	mixed[0] = 1
	mixed[2*snapshot.PageSize+17] = 0xcc
	mixed[len(mixed)-1] = 0xee

	dense := make([]byte, 3*snapshot.PageSize)
	for i := range dense {
		dense[i] = byte(i)
	}

	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"all zero", make([]byte, 4*snapshot.PageSize)},
		{"all nonzero", dense},
		{"mixed with tail", mixed},
		{"sub-page", []byte{0, 0, 5}},
	} {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			enc := snapshot.EncodeSparse(tc.buf, snapshot.PageSize)

			dec, err := snapshot.DecodeSparse(enc)
			if err != nil {
				t.Fatalf("DecodeSparse: %v", err)
			}

			if !bytes.Equal(dec, tc.buf) {
				t.Fatalf("round trip mismatch: %d bytes in, %d out", len(tc.buf), len(dec))
			}
		})
	}
}

func TestSparseZeroPagesOmitted(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 64*snapshot.PageSize)
	buf[10*snapshot.PageSize] = 1

	enc := snapshot.EncodeSparse(buf, snapshot.PageSize)

	// Header + one page record; far smaller than the dense buffer.
	if len(enc) > 2*snapshot.PageSize {
		t.Fatalf("sparse encoding of one dirty page is %d bytes", len(enc))
	}
}

func TestSparseOutOfRangePageRejected(t *testing.T) {
	t.Parallel()

	payload := []byte{1, 2, 3, 4}

	enc := make([]byte, 0, 64)
	enc = binary.LittleEndian.AppendUint64(enc, snapshot.PageSize) // total_length: one page
	enc = binary.LittleEndian.AppendUint32(enc, snapshot.PageSize)
	enc = binary.LittleEndian.AppendUint32(enc, 1)
	enc = binary.LittleEndian.AppendUint32(enc, 1) // page 1 starts at total_length
	enc = binary.LittleEndian.AppendUint32(enc, uint32(len(payload)))
	enc = append(enc, payload...)

	if _, err := snapshot.DecodeSparse(enc); !errors.Is(err, snapshot.ErrCorrupt) {
		t.Fatalf("got %v, want ErrCorrupt", err)
	}
}

func TestSparseTruncatedRejected(t *testing.T) {
	t.Parallel()

	buf := make([]byte, snapshot.PageSize)
	buf[0] = 1
	enc := snapshot.EncodeSparse(buf, snapshot.PageSize)

	for _, cut := range []int{4, 18, len(enc) - 1} {
		if _, err := snapshot.DecodeSparse(enc[:cut]); !errors.Is(err, snapshot.ErrCorrupt) {
			t.Fatalf("cut at %d: got %v, want ErrCorrupt", cut, err)
		}
	}
}

func TestDecodeSparseInto(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 2*snapshot.PageSize)
	buf[snapshot.PageSize] = 0x7f
	enc := snapshot.EncodeSparse(buf, snapshot.PageSize)

	dst := make([]byte, len(buf))
	for i := range dst {
		dst[i] = 0xff // stale contents must be cleared
	}

	if err := snapshot.DecodeSparseInto(dst, enc); err != nil {
		t.Fatalf("DecodeSparseInto: %v", err)
	}

	if !bytes.Equal(dst, buf) {
		t.Fatal("destination not restored exactly")
	}

	short := make([]byte, snapshot.PageSize)
	if err := snapshot.DecodeSparseInto(short, enc); !errors.Is(err, snapshot.ErrCorrupt) {
		t.Fatalf("length mismatch: got %v, want ErrCorrupt", err)
	}
}
