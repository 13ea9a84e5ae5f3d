// Package iodev routes guest port IO to device models. Devices claim a
// base port and a size; the bus dispatches by range. Reads from unclaimed
// ports float high and writes to them are dropped, matching what real
// hardware does on an empty bus.
package iodev

import (
	"errors"
	"fmt"
	"sort"
)

var errDataLenInvalid = errors.New("invalid data size on port")

// ErrPortOverlap indicates two devices claiming the same port.
var ErrPortOverlap = errors.New("port range overlap")

// IODevice describes the interface a IO-Port device must implement
// regardless of the bus it is attached to.
type IODevice interface {
	Read(port uint64, data []byte) error
	Write(port uint64, data []byte) error
	IOPort() uint64
	Size() uint64
}

// Bus dispatches port IO to registered devices.
type Bus struct {
	devs []IODevice
}

func NewBus() *Bus {
	return &Bus{}
}

// Register claims a device's port range on the bus.
func (b *Bus) Register(d IODevice) error {
	base, size := d.IOPort(), d.Size()

	for _, other := range b.devs {
		if base < other.IOPort()+other.Size() && other.IOPort() < base+size {
			return fmt.Errorf("%w: %#x+%#x", ErrPortOverlap, base, size)
		}
	}

	b.devs = append(b.devs, d)
	sort.Slice(b.devs, func(i, j int) bool {
		return b.devs[i].IOPort() < b.devs[j].IOPort()
	})

	return nil
}

func (b *Bus) find(port uint64) IODevice {
	i := sort.Search(len(b.devs), func(i int) bool {
		return b.devs[i].IOPort()+b.devs[i].Size() > port
	})

	if i < len(b.devs) && b.devs[i].IOPort() <= port {
		return b.devs[i]
	}

	return nil
}

// In reads from a port. Unclaimed ports float high.
func (b *Bus) In(port uint64, data []byte) error {
	d := b.find(port)
	if d == nil {
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	return d.Read(port, data)
}

// Out writes to a port. Writes to unclaimed ports are dropped.
func (b *Bus) Out(port uint64, data []byte) error {
	d := b.find(port)
	if d == nil {
		return nil
	}

	return d.Write(port, data)
}
