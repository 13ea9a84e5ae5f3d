package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopc-dev/gopc/snapshot"
	"github.com/gopc-dev/gopc/storage"
)

func TestIDEMidDMARoundTrip(t *testing.T) {
	t.Parallel()

	src := storage.NewIDE()
	src.Primary.TF = storage.TaskFile{SectorCount: 8, LBA0: 0x10, Device: 0xe0}
	src.Primary.Status = 0x58
	src.Primary.IRQPending = true
	src.Primary.BusMaster = storage.BusMaster{Cmd: 0x09, Status: 0x04, PRDAddr: 0x8000}
	src.Primary.PendingDMA = &storage.DMARequest{
		ToMemory:      false,
		Buffer:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
		HasCommit:     true,
		CommitLBA:     0x10,
		CommitSectors: 8,
	}

	dst := storage.NewIDE()
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, src.Primary.TF, dst.Primary.TF)
	require.Equal(t, src.Primary.BusMaster, dst.Primary.BusMaster)
	require.NotNil(t, dst.Primary.PendingDMA)
	require.Equal(t, *src.Primary.PendingDMA, *dst.Primary.PendingDMA)

	// The asserted line survives so INTx replay re-raises it.
	require.True(t, dst.IRQLevel())
	require.Nil(t, dst.Secondary.PendingDMA)
}

func TestIDEPIOBufferRoundTrip(t *testing.T) {
	t.Parallel()

	src := storage.NewIDE()
	src.Secondary.Data = make([]byte, 512)
	src.Secondary.Data[511] = 0xaa
	src.Secondary.DataIndex = 256

	dst := storage.NewIDE()
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, uint32(256), dst.Secondary.DataIndex)
	require.Equal(t, src.Secondary.Data, dst.Secondary.Data)
	require.False(t, dst.IRQLevel())
}

func TestIDETruncatedChannelRejected(t *testing.T) {
	t.Parallel()

	w := snapshot.NewWriter(snapshot.DevIDE, snapshot.Version{Major: 1})
	w.FieldBytes(1, make([]byte, 10))

	dst := storage.NewIDE()
	require.ErrorIs(t, dst.LoadState(w.Finish()), snapshot.ErrCorrupt)
}

func TestAHCIRoundTrip(t *testing.T) {
	t.Parallel()

	src := storage.NewAHCI(2)
	src.GHC = 0x80000002
	src.IS = 0x1
	src.Ports[0] = storage.AHCIPort{
		CLB: 0x40000, FB: 0x41000,
		IS: 0x1, IE: 0x1, Cmd: 0x8017, TFD: 0x50, Sig: 0x101,
		SSts: 0x123, CI: 0x3, SAct: 0x1,
	}

	dst := storage.NewAHCI(2)
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, src.Ports, dst.Ports)
	require.True(t, dst.IRQLevel())
}

func TestAHCIPortCountMismatchRejected(t *testing.T) {
	t.Parallel()

	src := storage.NewAHCI(4)
	dst := storage.NewAHCI(2)
	require.ErrorIs(t, dst.LoadState(src.SaveState()), snapshot.ErrConfigMismatch)
}

func TestNVMeRoundTrip(t *testing.T) {
	t.Parallel()

	src := storage.NewNVMe()
	src.CC = 0x460001
	src.CSTS = 0x1
	src.ASQ = 0x100000
	src.ACQ = 0x101000
	src.AdminSQ = &storage.SubmissionQueue{QID: 0, Base: 0x100000, Size: 31, Head: 2, Tail: 5}
	src.AdminCQ = &storage.CompletionQueue{QID: 0, Base: 0x101000, Size: 31, Head: 2, Tail: 2, Phase: true, IRQEnabled: true}
	src.IOSQs = []storage.SubmissionQueue{
		{QID: 2, Base: 0x104000, Size: 63, Head: 1, Tail: 4, CQID: 1},
		{QID: 1, Base: 0x102000, Size: 63, CQID: 1},
	}
	src.IOCQs = []storage.CompletionQueue{{QID: 1, Base: 0x103000, Size: 63, Phase: true, IRQEnabled: true}}
	src.InFlight = []storage.InFlightCommand{{CID: 9, Opcode: 0x02, LBA: 0x40, Length: 8}}
	src.SetINTx(true)

	dst := storage.NewNVMe()
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, src.CC, dst.CC)
	require.Equal(t, *src.AdminSQ, *dst.AdminSQ)
	require.Equal(t, *src.AdminCQ, *dst.AdminCQ)

	// IO queues come back qid-sorted.
	require.Len(t, dst.IOSQs, 2)
	require.Equal(t, uint16(1), dst.IOSQs[0].QID)
	require.Equal(t, uint16(2), dst.IOSQs[1].QID)
	require.Equal(t, src.IOCQs, dst.IOCQs)
	require.Equal(t, src.InFlight, dst.InFlight)
	require.True(t, dst.IRQLevel())
}

func TestNVMeSaveIsDeterministic(t *testing.T) {
	t.Parallel()

	a := storage.NewNVMe()
	a.IOSQs = []storage.SubmissionQueue{{QID: 2}, {QID: 1}}

	b := storage.NewNVMe()
	b.IOSQs = []storage.SubmissionQueue{{QID: 1}, {QID: 2}}

	require.Equal(t, a.SaveState(), b.SaveState())
}

func TestControllerSetSkipsUnmatchedKeys(t *testing.T) {
	t.Parallel()

	ide := storage.NewIDE()
	ide.Primary.Status = 0x50
	nvme := storage.NewNVMe()
	nvme.CC = 0x1

	src := storage.NewControllerSet().
		Add(0, 1, 1, ide).
		Add(0, 4, 0, nvme)
	env := src.SaveState()

	// The restoring machine has only the IDE controller enabled.
	ide2 := storage.NewIDE()
	dst := storage.NewControllerSet().Add(0, 1, 1, ide2)
	require.NoError(t, dst.LoadState(env))
	require.Equal(t, uint8(0x50), ide2.Primary.Status)
}
