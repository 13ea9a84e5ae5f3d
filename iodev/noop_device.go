package iodev

// NoopDevice claims a port range and ignores all traffic. Used to quiet
// guest probes of ports the machine does not model.
type NoopDevice struct {
	Port  uint64
	Psize uint64
}

func (n *NoopDevice) Read(port uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) Write(port uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) IOPort() uint64 {
	return n.Port
}

func (n *NoopDevice) Size() uint64 {
	return n.Psize
}
