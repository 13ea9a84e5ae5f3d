package virtio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopc-dev/gopc/snapshot"
	"github.com/gopc-dev/gopc/virtio"
)

func TestBlkRoundTrip(t *testing.T) {
	t.Parallel()

	src := virtio.NewBlk(1 << 21)
	src.DeviceStatus = 0x0f
	src.NegotiatedFeatures = 1 << 32
	src.Queues[0] = virtio.QueueState{
		DescAddr:  0x10000,
		AvailAddr: 0x11000,
		UsedAddr:  0x12000,
		Size:      virtio.QueueSize,
		Enable:    true,
		NextAvail: 7,
		NextUsed:  5,
	}
	src.RaiseINTx()

	dst := virtio.NewBlk(0)
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, uint64(1<<21), dst.CapacitySectors)
	require.Equal(t, uint8(0x0f), dst.DeviceStatus)
	require.Equal(t, src.Queues[0], dst.Queues[0])

	// The line latch survives so the replayed INTx level matches.
	require.True(t, dst.IRQLevel())
	require.Equal(t, uint8(0x1), dst.AckINTx())
	require.False(t, dst.IRQLevel())
}

func TestBlkQueueCountMismatchRejected(t *testing.T) {
	t.Parallel()

	// Hand-build a blk envelope carrying two queue records instead of one.
	w := snapshot.NewWriter(snapshot.DevVirtioBlk, snapshot.Version{Major: 1})
	w.FieldBytes(6, make([]byte, 64))

	dst := virtio.NewBlk(16)
	err := dst.LoadState(w.Finish())
	require.ErrorIs(t, err, snapshot.ErrConfigMismatch)
}

func TestInputRoundTripDropsNothingGuestVisible(t *testing.T) {
	t.Parallel()

	src := virtio.NewInput(virtio.InputTablet)
	src.DeviceStatus = 0x07
	src.Queues[0].Enable = true
	src.Queues[0].NextAvail = 3
	src.Queues[1].Enable = true

	dst := virtio.NewInput(virtio.InputKeyboard)
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, uint8(virtio.InputTablet), dst.Kind)
	require.Equal(t, src.Queues, dst.Queues)
	require.False(t, dst.IRQLevel())
}

func TestFunctionIdentity(t *testing.T) {
	t.Parallel()

	b := virtio.NewBlk(16)
	require.Equal(t, uint16(virtio.VendorID), b.Function().VendorID())
	require.Equal(t, uint8(1), b.Function().InterruptPin())
}
