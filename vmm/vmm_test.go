package vmm_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gopc-dev/gopc/machine"
	"github.com/gopc-dev/gopc/snapshot"
	"github.com/gopc-dev/gopc/vmm"
)

func newVMM(t *testing.T) *vmm.VMM {
	t.Helper()

	m, err := machine.New(machine.Config{
		NCPUs:     1,
		RAMSize:   1 << 20,
		MachineID: uuid.MustParse("4f6c2da8-91b3-4c70-8f25-7e90d11a6b42"),
		EnableIDE: true,
		EnableNIC: true,
	})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}

	return vmm.New(m, vmm.Options{Metrics: vmm.NewMetrics(prometheus.NewRegistry())})
}

func TestSaveRestoreFile(t *testing.T) {
	t.Parallel()

	src := newVMM(t)
	src.Machine().CPU(0).GPR[2] = 0xfeed

	if err := src.Machine().RAM().WriteAt(0x1000, []byte{0x5a}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "vm.snap")

	id, err := src.SaveSnapshot(path)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	if id == 0 {
		t.Fatal("snapshot id not allocated")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}

	dst := newVMM(t)
	if err := dst.Restore(path); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if dst.Machine().CPU(0).GPR[2] != 0xfeed {
		t.Fatal("CPU state lost across file round trip")
	}

	b := make([]byte, 1)
	if err := dst.Machine().RAM().ReadAt(0x1000, b); err != nil {
		t.Fatal(err)
	}

	if b[0] != 0x5a {
		t.Fatalf("RAM byte = %#x", b[0])
	}
}

func TestIncrementalLineage(t *testing.T) {
	t.Parallel()

	src := newVMM(t)
	dir := t.TempDir()

	base := filepath.Join(dir, "base.snap")

	baseID, err := src.SaveSnapshot(base)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	if err := src.Machine().RAM().WriteAt(0x2000, []byte{0x77}); err != nil {
		t.Fatal(err)
	}

	diff := filepath.Join(dir, "diff.snap")
	if _, err := src.SaveIncremental(diff); err != nil {
		t.Fatalf("SaveIncremental: %v", err)
	}

	dst := newVMM(t)
	if err := dst.Restore(base); err != nil {
		t.Fatalf("Restore base: %v", err)
	}

	// Wrong parent must be rejected before the machine is touched.
	if err := dst.RestoreIncremental(diff, baseID+100); !errors.Is(err, snapshot.ErrConfigMismatch) {
		t.Fatalf("err = %v, want config mismatch", err)
	}

	if err := dst.RestoreIncremental(diff, baseID); err != nil {
		t.Fatalf("RestoreIncremental: %v", err)
	}

	b := make([]byte, 1)
	if err := dst.Machine().RAM().ReadAt(0x2000, b); err != nil {
		t.Fatal(err)
	}

	if b[0] != 0x77 {
		t.Fatalf("diffed byte = %#x", b[0])
	}
}

func TestCheckpointChain(t *testing.T) {
	t.Parallel()

	src := newVMM(t)
	dir := t.TempDir()

	// Quiet machine: the chain is just the base.
	chain, err := src.Checkpoint(dir)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	if len(chain.Diffs) != 0 {
		t.Fatalf("quiet machine produced %d diffs", len(chain.Diffs))
	}

	// Dirty a sizable region and extend the chain by hand.
	buf := make([]byte, 256<<10)
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := src.Machine().RAM().WriteAt(0, buf); err != nil {
		t.Fatal(err)
	}

	diff := filepath.Join(dir, "diff-1.snap")
	if _, err := src.SaveIncremental(diff); err != nil {
		t.Fatalf("SaveIncremental: %v", err)
	}

	chain.Diffs = append(chain.Diffs, diff)

	dst := newVMM(t)
	if err := dst.RestoreChain(chain); err != nil {
		t.Fatalf("RestoreChain: %v", err)
	}

	got := make([]byte, len(buf))
	if err := dst.Machine().RAM().ReadAt(0, got); err != nil {
		t.Fatal(err)
	}

	for i := range got {
		if got[i] != buf[i] {
			t.Fatalf("chain restore differs at offset %#x", i)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	src := newVMM(t)
	path := filepath.Join(t.TempDir(), "vm.snap")

	if _, err := src.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	idx, err := vmm.Validate(path, true)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if idx.CPUs != 1 || idx.RAMBytes != 1<<20 {
		t.Fatalf("index = %d CPUs, %d RAM bytes", idx.CPUs, idx.RAMBytes)
	}

	// Truncation is structural corruption.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	short := filepath.Join(t.TempDir(), "short.snap")
	if err := os.WriteFile(short, raw[:len(raw)-7], 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := vmm.Validate(short, false); !errors.Is(err, snapshot.ErrCorrupt) {
		t.Fatalf("err = %v, want corrupt", err)
	}
}

func TestDigest(t *testing.T) {
	t.Parallel()

	src := newVMM(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.snap")

	if _, err := src.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	a, err := vmm.Digest(path)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	b, err := vmm.Digest(path)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	if a.File != b.File {
		t.Fatal("digest of an unchanged file differs")
	}

	if len(a.Sections) == 0 {
		t.Fatal("no section digests")
	}

	for i := range a.Sections {
		if a.Sections[i].Sum != b.Sections[i].Sum {
			t.Fatalf("section %s digest differs", a.Sections[i].ID)
		}
	}

	// Flip one RAM byte and re-save; the file digest must move.
	if err := src.Machine().RAM().WriteAt(0x3000, []byte{0xff}); err != nil {
		t.Fatal(err)
	}

	other := filepath.Join(dir, "vm2.snap")
	if _, err := src.SaveSnapshot(other); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	c, err := vmm.Digest(other)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}

	if c.File == a.File {
		t.Fatal("digest did not change with contents")
	}
}
