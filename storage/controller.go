package storage

import (
	"github.com/gopc-dev/gopc/snapshot"
)

const controllerSetVersion = 1

// ControllerSet groups every disk controller on the machine under one
// envelope, keyed by the controller's PCI bus/device/function. Snapshots
// restore across machines that enable a different controller subset:
// unmatched keys on either side are skipped.
type ControllerSet struct {
	wrapper *snapshot.Wrapper
}

func NewControllerSet() *ControllerSet {
	return &ControllerSet{
		wrapper: snapshot.NewWrapper(snapshot.DevDiskCtrl,
			snapshot.Version{Major: controllerSetVersion}),
	}
}

// Add registers a controller at the given BDF.
func (s *ControllerSet) Add(bus, device, function uint8, dev snapshot.Device) *ControllerSet {
	s.wrapper.Add(snapshot.PackBDF(bus, device, function), dev)

	return s
}

func (s *ControllerSet) Empty() bool {
	return s.wrapper.Empty()
}

func (s *ControllerSet) SaveState() []byte {
	return s.wrapper.SaveState()
}

func (s *ControllerSet) LoadState(data []byte) error {
	return s.wrapper.LoadState(data)
}
