// i8042.go – keyboard controller.
package platform

import (
	"github.com/gopc-dev/gopc/snapshot"
)

const (
	KeyboardIRQ = 1
	MouseIRQ    = 12
)

const i8042StateVersion = 1

const (
	kbdTagCommand = 1
	kbdTagStatus  = 2
	kbdTagOutput  = 3
	kbdTagA20     = 4
)

// I8042 is the keyboard controller. The guest-visible registers are
// snapshot state; the host-side pressed-key set is not — it tracks which
// keys the host backend currently holds down so press/release events can be
// paired across backends, and is discarded before restore.
type I8042 struct {
	command uint8
	status  uint8
	output  []byte
	a20     bool

	// host-only, never serialized
	pressed map[uint8]bool
	buttons uint8
}

func NewI8042() *I8042 {
	k := &I8042{}
	k.Reset()

	return k
}

func (k *I8042) Reset() {
	*k = I8042{
		status:  0x10, // self-test passed
		a20:     true,
		pressed: make(map[uint8]bool),
		buttons: 0xff, // unknown until the backend reports
	}
}

// DropHostState clears pressed-key and button tracking before a restore.
func (k *I8042) DropHostState() {
	k.pressed = make(map[uint8]bool)
	k.buttons = 0xff
}

// HostKey records a host key transition and queues the scancode.
func (k *I8042) HostKey(scancode uint8, down bool) {
	if down == k.pressed[scancode] {
		return
	}

	k.pressed[scancode] = down

	code := scancode
	if !down {
		code |= 0x80
	}

	k.output = append(k.output, code)
	k.status |= 0x1
}

// IRQLevel reports the keyboard line level for restore replay.
func (k *I8042) IRQLevel() bool {
	return len(k.output) > 0
}

// ReadData handles port 0x60.
func (k *I8042) ReadData() uint8 {
	if len(k.output) == 0 {
		return 0
	}

	v := k.output[0]
	k.output = k.output[1:]

	if len(k.output) == 0 {
		k.status &^= 0x1
	}

	return v
}

// ReadStatus handles port 0x64.
func (k *I8042) ReadStatus() uint8 {
	return k.status
}

// WriteCommand handles port 0x64.
func (k *I8042) WriteCommand(v uint8) {
	k.command = v

	switch v {
	case 0xdd:
		k.a20 = false
	case 0xdf:
		k.a20 = true
	}
}

func (k *I8042) A20() bool {
	return k.a20
}

func (k *I8042) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevI8042, snapshot.Version{Major: i8042StateVersion})
	w.FieldU8(kbdTagCommand, k.command)
	w.FieldU8(kbdTagStatus, k.status)
	w.FieldBytes(kbdTagOutput, k.output)
	w.FieldBool(kbdTagA20, k.a20)

	return w.Finish()
}

func (k *I8042) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevI8042)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(i8042StateVersion); err != nil {
		return err
	}

	k.Reset()

	if err := r.U8(kbdTagCommand, &k.command); err != nil {
		return err
	}

	if err := r.U8(kbdTagStatus, &k.status); err != nil {
		return err
	}

	if err := r.Bytes(kbdTagOutput, &k.output); err != nil {
		return err
	}

	return r.Bool(kbdTagA20, &k.a20)
}
