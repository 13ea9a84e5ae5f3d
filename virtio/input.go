package virtio

import (
	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/snapshot"
)

// Input PCI identity (virtio-input, modern id 0x1040+18).
const (
	inputDeviceID  = 0x1052
	inputClassCode = 0x090000
)

const inputStateVersion = 1

const (
	inputTagDeviceKind = 16
)

// Input device kinds.
const (
	InputKeyboard = 1
	InputMouse    = 2
	InputTablet   = 3
)

// Input is the virtio-input function model: an event queue the device fills
// and a status queue the guest fills. Host-side event sources are never part
// of the snapshot; events not yet placed in the ring are simply lost, which
// matches unplugging and replugging the device.
type Input struct {
	Transport

	fn *pci.Function

	// Kind selects the advertised device config (keyboard, mouse, tablet).
	Kind uint8
}

func NewInput(kind uint8) *Input {
	return &Input{
		Transport: newTransport(2),
		fn:        pci.NewFunction(VendorID, inputDeviceID, inputClassCode, 1),
		Kind:      kind,
	}
}

func (in *Input) Function() *pci.Function {
	return in.fn
}

// SyncFromConfig refreshes decode state derived from PCI config space.
func (in *Input) SyncFromConfig() {
	in.ioBase = in.fn.BAR(0) &^ 0x3
}

func (in *Input) Reset() {
	kind := in.Kind
	fn := in.fn
	*in = Input{Transport: newTransport(2), fn: fn, Kind: kind}
}

func (in *Input) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevVirtioInput, snapshot.Version{Major: inputStateVersion})
	in.saveFields(w)
	w.FieldU8(inputTagDeviceKind, in.Kind)

	return w.Finish()
}

func (in *Input) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevVirtioInput)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(inputStateVersion); err != nil {
		return err
	}

	in.Reset()

	if err := in.loadFields(r); err != nil {
		return err
	}

	return r.U8(inputTagDeviceKind, &in.Kind)
}
