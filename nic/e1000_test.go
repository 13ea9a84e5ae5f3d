package nic_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gopc-dev/gopc/nic"
)

type countingBackend struct {
	frames int
}

func (b *countingBackend) Transmit(frame []byte) error {
	b.frames++

	return nil
}

func TestInterruptCauseAndMask(t *testing.T) {
	t.Parallel()

	n := nic.New([6]byte{0x52, 0x54, 0, 0, 0, 1})
	n.RaiseInterrupt(0x80)
	require.False(t, n.IRQLevel())

	n.IMS = 0x80
	require.True(t, n.IRQLevel())

	require.Equal(t, uint32(0x80), n.AckInterrupt())
	require.False(t, n.IRQLevel())
}

func TestRoundTripKeepsAssertedLine(t *testing.T) {
	t.Parallel()

	src := nic.New([6]byte{0x52, 0x54, 0, 0, 0, 1})
	src.IMS = 0x97
	src.RaiseInterrupt(0x4)
	src.RCTL = 0x8002
	src.RDBAL = 0x60000
	src.RDT = 31
	src.Receive([]byte{0xff, 0xff, 0xff})

	dst := nic.New([6]byte{0x52, 0x54, 0, 0, 0, 2})
	require.NoError(t, dst.LoadState(src.SaveState()))

	require.Equal(t, src.MAC, dst.MAC)
	require.Equal(t, uint32(0x60000), dst.RDBAL)
	require.Equal(t, 1, dst.PendingRX())
	require.True(t, dst.IRQLevel())
}

func TestBackendSurvivesRestoreByReattachOnly(t *testing.T) {
	t.Parallel()

	src := nic.New([6]byte{0x52, 0x54, 0, 0, 0, 1})
	env := src.SaveState()

	dst := nic.New([6]byte{0x52, 0x54, 0, 0, 0, 1})
	b := &countingBackend{}
	dst.AttachBackend(b)
	dst.DetachBackend()
	require.NoError(t, dst.LoadState(env))

	// Nothing in the envelope resurrects a backend; the host re-attaches.
	dst.AttachBackend(b)
}

func TestRXQueueBound(t *testing.T) {
	t.Parallel()

	n := nic.New([6]byte{0x52, 0x54, 0, 0, 0, 1})
	for i := 0; i < 300; i++ {
		n.Receive([]byte{byte(i)})
	}

	require.Equal(t, 256, n.PendingRX())
}
