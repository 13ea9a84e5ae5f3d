package machine

import (
	"encoding/binary"

	"github.com/gopc-dev/gopc/iodev"
	"github.com/gopc-dev/gopc/pci"
	"github.com/gopc-dev/gopc/platform"
	"github.com/gopc-dev/gopc/serial"
	"github.com/gopc-dev/gopc/vga"
)

// acpiPMBase is the PM register block's IO base: status/enable words,
// control at +4, timer at +8.
const acpiPMBase = 0x600

// wireIO claims the standard port map on the machine's IO bus. Register
// only returns an error on overlap, which the fixed map cannot produce.
func (m *Machine) wireIO() {
	devs := []iodev.IODevice{
		&serialPorts{s: m.com1},
		&pitPorts{p: m.pit},
		&rtcPorts{r: m.rtc},
		&kbdDataPort{k: m.kbd},
		&kbdCmdPort{k: m.kbd},
		&acpiPorts{a: m.acpi},
		&pciConfigPorts{b: m.bus},
		m.debugPort,
	}

	if m.display != nil {
		devs = append(devs, &vgaPorts{v: m.display})
	}

	for _, d := range devs {
		if err := m.io.Register(d); err != nil {
			panic(err)
		}
	}
}

// IOIn services a guest port read.
func (m *Machine) IOIn(port uint64, data []byte) error {
	return m.io.In(port, data)
}

// IOOut services a guest port write.
func (m *Machine) IOOut(port uint64, data []byte) error {
	return m.io.Out(port, data)
}

// IO exposes the port bus for additional host-side registrations.
func (m *Machine) IO() *iodev.Bus {
	return m.io
}

// DebugCodes reports the POST codes the guest wrote to port 0x80.
func (m *Machine) DebugCodes() []byte {
	return m.debugPort.Codes()
}

type serialPorts struct {
	s *serial.Serial
}

func (d *serialPorts) Read(port uint64, data []byte) error  { return d.s.In(port, data) }
func (d *serialPorts) Write(port uint64, data []byte) error { return d.s.Out(port, data) }
func (d *serialPorts) IOPort() uint64                       { return serial.COM1Addr }
func (d *serialPorts) Size() uint64                         { return 8 }

type pitPorts struct {
	p *platform.PIT
}

func (d *pitPorts) Read(port uint64, data []byte) error {
	if len(data) == 0 || port == 0x43 {
		return nil
	}

	data[0] = d.p.ReadData(int(port - 0x40))

	return nil
}

func (d *pitPorts) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if port == 0x43 {
		d.p.WriteControl(data[0])

		return nil
	}

	d.p.WriteData(int(port-0x40), data[0])

	return nil
}

func (d *pitPorts) IOPort() uint64 { return 0x40 }
func (d *pitPorts) Size() uint64   { return 4 }

type rtcPorts struct {
	r *platform.RTC
}

func (d *rtcPorts) Read(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if port == 0x71 {
		data[0] = d.r.ReadData()
	} else {
		// The index register reads back as open bus.
		data[0] = 0xff
	}

	return nil
}

func (d *rtcPorts) Write(port uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	if port == 0x70 {
		d.r.WriteIndex(data[0])
	} else {
		d.r.WriteData(data[0])
	}

	return nil
}

func (d *rtcPorts) IOPort() uint64 { return 0x70 }
func (d *rtcPorts) Size() uint64   { return 2 }

type kbdDataPort struct {
	k *platform.I8042
}

func (d *kbdDataPort) Read(port uint64, data []byte) error {
	if len(data) > 0 {
		data[0] = d.k.ReadData()
	}

	return nil
}

func (d *kbdDataPort) Write(port uint64, data []byte) error { return nil }
func (d *kbdDataPort) IOPort() uint64                       { return 0x60 }
func (d *kbdDataPort) Size() uint64                         { return 1 }

type kbdCmdPort struct {
	k *platform.I8042
}

func (d *kbdCmdPort) Read(port uint64, data []byte) error {
	if len(data) > 0 {
		data[0] = d.k.ReadStatus()
	}

	return nil
}

func (d *kbdCmdPort) Write(port uint64, data []byte) error {
	if len(data) > 0 {
		d.k.WriteCommand(data[0])
	}

	return nil
}

func (d *kbdCmdPort) IOPort() uint64 { return 0x64 }
func (d *kbdCmdPort) Size() uint64   { return 1 }

type acpiPorts struct {
	a *platform.ACPIPM
}

func (d *acpiPorts) Read(port uint64, data []byte) error {
	switch {
	case port == acpiPMBase && len(data) >= 2:
		binary.LittleEndian.PutUint16(data, d.a.PM1Status())
	case port == acpiPMBase+2 && len(data) >= 2:
		binary.LittleEndian.PutUint16(data, d.a.PM1Enable())
	case port == acpiPMBase+4 && len(data) >= 2:
		binary.LittleEndian.PutUint16(data, d.a.PM1Control())
	case port == acpiPMBase+8 && len(data) >= 4:
		binary.LittleEndian.PutUint32(data, d.a.Timer())
	}

	return nil
}

func (d *acpiPorts) Write(port uint64, data []byte) error {
	if len(data) < 2 {
		return nil
	}

	v := binary.LittleEndian.Uint16(data)

	switch port {
	case acpiPMBase:
		d.a.WritePM1Status(v)
	case acpiPMBase + 2:
		d.a.WritePM1Enable(v)
	case acpiPMBase + 4:
		d.a.WritePM1Control(v)
	}

	return nil
}

func (d *acpiPorts) IOPort() uint64 { return acpiPMBase }
func (d *acpiPorts) Size() uint64   { return 12 }

type vgaPorts struct {
	v *vga.VGA
}

func (d *vgaPorts) Read(port uint64, data []byte) error {
	if len(data) > 0 {
		data[0] = d.v.In(port)
	}

	return nil
}

func (d *vgaPorts) Write(port uint64, data []byte) error {
	if len(data) > 0 {
		d.v.Out(port, data[0])
	}

	return nil
}

func (d *vgaPorts) IOPort() uint64 { return 0x3c0 }
func (d *vgaPorts) Size() uint64   { return 0x20 }

type pciConfigPorts struct {
	b *pci.Bus
}

func (d *pciConfigPorts) Read(port uint64, data []byte) error {
	if port < pci.PortConfigData {
		d.b.ConfAddrIn(data)
	} else {
		d.b.ConfDataIn(port, data)
	}

	return nil
}

func (d *pciConfigPorts) Write(port uint64, data []byte) error {
	if port < pci.PortConfigData {
		d.b.ConfAddrOut(data)
	} else {
		d.b.ConfDataOut(port, data)
	}

	return nil
}

func (d *pciConfigPorts) IOPort() uint64 { return pci.PortConfigAddress }
func (d *pciConfigPorts) Size() uint64   { return 8 }
