package snapshot

import (
	"fmt"
	"log"
)

// Device is the two-operation contract every snapshottable device model
// exposes. SaveState must be pure and callable at any time. LoadState
// replaces the device's entire internal state; fields absent from an older
// snapshot revert to their documented defaults, never to garbage.
type Device interface {
	SaveState() []byte
	LoadState(data []byte) error
}

// PackBDF packs a PCI bus/device/function address into a wrapper inner key.
func PackBDF(bus, device, function uint8) uint16 {
	return uint16(bus)<<8 | uint16(device&0x1f)<<3 | uint16(function&0x7)
}

// UnpackBDF is the inverse of PackBDF.
func UnpackBDF(key uint16) (bus, device, function uint8) {
	return uint8(key >> 8), uint8(key>>3) & 0x1f, uint8(key) & 0x7
}

// Wrapper groups several related devices under one outer envelope, keyed by
// an inner tag (a packed BDF, a controller index, or a fixed well-known
// key). This sidesteps the one-envelope-per-(id,version,flags) uniqueness
// rule when a machine carries several instances of a device kind, and lets
// host-only bookkeeping ride alongside guest-visible state under its own
// key.
//
// Loading ignores inner tags with no registered member and members with no
// stored record, so snapshots move between machine configurations that
// enable different subsets of a family.
type Wrapper struct {
	id      DeviceID
	version Version
	members []wrapperMember
}

type wrapperMember struct {
	key uint16
	dev Device
}

// NewWrapper creates an empty wrapper container for the given outer id.
func NewWrapper(id DeviceID, version Version) *Wrapper {
	return &Wrapper{id: id, version: version}
}

// Add registers dev under key. Keys must be unique within the wrapper.
func (w *Wrapper) Add(key uint16, dev Device) *Wrapper {
	for _, m := range w.members {
		if m.key == key {
			panic(fmt.Sprintf("snapshot: duplicate wrapper key %#04x in %s", key, w.id))
		}
	}

	w.members = append(w.members, wrapperMember{key: key, dev: dev})

	return w
}

// Empty reports whether no members are registered.
func (w *Wrapper) Empty() bool {
	return len(w.members) == 0
}

// SaveState concatenates every member's envelope under its inner key.
func (w *Wrapper) SaveState() []byte {
	out := NewWriter(w.id, w.version)

	for _, m := range w.members {
		out.FieldBytes(m.key, m.dev.SaveState())
	}

	return out.Finish()
}

// LoadState dispatches each stored inner record to the member registered
// under its key. A member decode failure keeps that member's current state
// and continues with the rest.
func (w *Wrapper) LoadState(data []byte) error {
	r, err := ParseReader(data, w.id)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(w.version.Major); err != nil {
		return err
	}

	for _, m := range w.members {
		inner, ok := r.Field(m.key)
		if !ok {
			continue
		}

		if err := m.dev.LoadState(inner); err != nil {
			log.Printf("snapshot: %s member %#04x: %v (keeping current state)", w.id, m.key, err)
		}
	}

	return nil
}
