package vga_test

import (
	"bytes"
	"testing"

	"github.com/gopc-dev/gopc/snapshot"
	"github.com/gopc-dev/gopc/vga"
)

func TestIndexedRegisterAccess(t *testing.T) {
	t.Parallel()

	v := vga.New(1 << 20)

	v.Out(0x3c2, 0x67)
	if got := v.In(0x3cc); got != 0x67 {
		t.Fatalf("misc = %#x, want 0x67", got)
	}

	v.Out(0x3d4, 0x0c)
	v.Out(0x3d5, 0x3f)
	if got := v.In(0x3d5); got != 0x3f {
		t.Fatalf("crtc[0x0c] = %#x, want 0x3f", got)
	}

	// Out-of-range index writes are dropped, not stored.
	v.Out(0x3c4, 0x7f)
	v.Out(0x3c5, 0xaa)
	if got := v.In(0x3c5); got != 0 {
		t.Fatalf("out-of-range sequencer read = %#x, want 0", got)
	}
}

func TestSparseRoundTrip(t *testing.T) {
	t.Parallel()

	src := vga.New(1 << 20)
	src.Out(0x3c2, 0x67)
	src.Out(0x3ce, 0x05)
	src.Out(0x3cf, 0x40)
	src.SetDAC(3, 0x2a)
	src.WriteVRAM(0xa0000, []byte{0xde, 0xad, 0xbe, 0xef})

	dst := vga.New(1 << 20)
	if err := dst.LoadState(src.SaveState()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if got := dst.In(0x3cc); got != 0x67 {
		t.Fatalf("restored misc = %#x, want 0x67", got)
	}

	dst.Out(0x3ce, 0x05)
	if got := dst.In(0x3cf); got != 0x40 {
		t.Fatalf("restored graphics[5] = %#x, want 0x40", got)
	}

	if got := dst.DAC(3); got != 0x2a {
		t.Fatalf("restored DAC[3] = %#x, want 0x2a", got)
	}

	if got := dst.VRAM()[0xa0000 : 0xa0000+4]; !bytes.Equal(got, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("restored VRAM = % x", got)
	}
}

func TestDenseVersionDecodes(t *testing.T) {
	t.Parallel()

	// Build a version-1 envelope with a dense VRAM image by hand.
	const size = 64 << 10

	dense := make([]byte, size)
	dense[0x1234] = 0x55

	w := snapshot.NewWriter(snapshot.DevVGA, snapshot.Version{Major: 1})
	w.FieldU8(1, 0x67)
	w.FieldBytes(7, dense)

	v := vga.New(size)
	if err := v.LoadState(w.Finish()); err != nil {
		t.Fatalf("LoadState: %v", err)
	}

	if got := v.In(0x3cc); got != 0x67 {
		t.Fatalf("misc = %#x, want 0x67", got)
	}

	if got := v.VRAM()[0x1234]; got != 0x55 {
		t.Fatalf("VRAM[0x1234] = %#x, want 0x55", got)
	}
}

func TestDenseSizeMismatchRejected(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(snapshot.DevVGA, snapshot.Version{Major: 1})
	w.FieldBytes(7, make([]byte, 4096))

	v := vga.New(8192)
	if err := v.LoadState(w.Finish()); err == nil {
		t.Fatal("LoadState accepted a dense image smaller than the aperture")
	}
}

func TestFutureMajorRejected(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(snapshot.DevVGA, snapshot.Version{Major: 9})

	v := vga.New(4096)
	if err := v.LoadState(w.Finish()); err == nil {
		t.Fatal("LoadState accepted an unknown major version")
	}
}
