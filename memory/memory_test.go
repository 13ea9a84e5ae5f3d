package memory_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gopc-dev/gopc/memory"
	"github.com/gopc-dev/gopc/snapshot"
)

func newRAM(t *testing.T, pages int) *memory.RAM {
	t.Helper()

	r, err := memory.NewRAM(uint64(pages) * snapshot.PageSize)
	if err != nil {
		t.Fatalf("NewRAM: %v", err)
	}

	return r
}

// ---- translation ------------------------------------------------------------

func TestPhysTranslation(t *testing.T) {
	t.Parallel()

	// 4 GiB of RAM: one GiB of it sits above the hole. Pure translation, no
	// backing allocation needed.
	const ramLen = 4 << 30

	for _, tc := range []struct {
		name string
		addr uint64
		off  uint64
		err  error
	}{
		{"low", 0x1000, 0x1000, nil},
		{"last below hole", memory.HoleStart - 1, memory.HoleStart - 1, nil},
		{"hole base", memory.HoleStart, 0, memory.ErrHoleAddress},
		{"hole top", 1<<32 - 1, 0, memory.ErrHoleAddress},
		{"first above 4G", 1 << 32, memory.HoleStart, nil},
		{"high", 1<<32 + 0x123, memory.HoleStart + 0x123, nil},
		{"beyond RAM", 2 << 32, 0, memory.ErrOutOfRange},
	} {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			off, err := memory.PhysToOffset(tc.addr, ramLen)
			if !errors.Is(err, tc.err) {
				t.Fatalf("err %v, want %v", err, tc.err)
			}

			if err != nil {
				return
			}

			if off != tc.off {
				t.Fatalf("offset %#x, want %#x", off, tc.off)
			}

			if back := memory.OffsetToPhys(off); back != tc.addr {
				t.Fatalf("inverse gave %#x, want %#x", back, tc.addr)
			}
		})
	}
}

// ---- read/write and dirty tracking ------------------------------------------

func TestWriteMarksDirty(t *testing.T) {
	t.Parallel()

	r := newRAM(t, 16)
	r.Dirty().Arm()

	if err := r.WriteAt(3*snapshot.PageSize+10, []byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// Straddles pages 5 and 6.
	straddle := make([]byte, 2)
	if err := r.WriteAt(6*snapshot.PageSize-1, straddle); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	pages, ok := r.Dirty().Take()
	if !ok {
		t.Fatal("tracker not armed")
	}

	want := []uint64{3, 5, 6}
	if len(pages) != len(want) {
		t.Fatalf("pages %v, want %v", pages, want)
	}

	for i := range want {
		if pages[i] != want[i] {
			t.Fatalf("pages %v, want %v", pages, want)
		}
	}

	if again, _ := r.Dirty().Take(); len(again) != 0 {
		t.Fatalf("second take returned %v", again)
	}
}

func TestDMAWritesTracked(t *testing.T) {
	t.Parallel()

	r := newRAM(t, 16)
	r.Dirty().Arm()

	if err := r.WritePhys(7*snapshot.PageSize, []byte{0xaa}); err != nil {
		t.Fatalf("WritePhys: %v", err)
	}

	pages, _ := r.Dirty().Take()
	if len(pages) != 1 || pages[0] != 7 {
		t.Fatalf("pages %v, want [7]", pages)
	}
}

func TestUnarmedTrackerForcesFull(t *testing.T) {
	t.Parallel()

	r := newRAM(t, 4)

	if err := r.WriteAt(0, []byte{1}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	if _, ok := r.Dirty().Take(); ok {
		t.Fatal("unarmed tracker reported a diff")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()

	r := newRAM(t, 4)
	want := []byte{0xde, 0xad, 0xbe, 0xef}

	if err := r.WriteAt(snapshot.PageSize, want); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 4)
	if err := r.ReadAt(snapshot.PageSize, got); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}

	if err := r.ReadAt(4*snapshot.PageSize-1, got); !errors.Is(err, memory.ErrOutOfRange) {
		t.Fatalf("out-of-range read: %v", err)
	}
}

// ---- envelope ---------------------------------------------------------------

func TestMemoryEnvelope(t *testing.T) {
	t.Parallel()

	r := newRAM(t, 1)
	r.SetA20(false)

	saved := r.SaveState()

	r2 := newRAM(t, 1)
	if err := r2.LoadState(saved); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if r2.A20() {
		t.Fatal("A20 latch not restored")
	}

	// An old envelope without the latch tag restores the default (enabled).
	empty := snapshot.NewWriter(snapshot.DevMemory, snapshot.Version{Major: 1}).Finish()
	if err := r2.LoadState(empty); err != nil {
		t.Fatalf("LoadState(empty): %v", err)
	}

	if !r2.A20() {
		t.Fatal("A20 default not applied")
	}
}
