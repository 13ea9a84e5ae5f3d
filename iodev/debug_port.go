package iodev

// DebugPort captures guest writes to the POST-code port. The captured
// bytes are host-side diagnostics, never snapshot state.
type DebugPort struct {
	codes []byte
}

// maxDebugCodes bounds the capture so a chatty guest cannot grow it
// without limit.
const maxDebugCodes = 4096

func (p *DebugPort) Read(port uint64, data []byte) error {
	return nil
}

func (p *DebugPort) Write(port uint64, data []byte) error {
	if len(data) != 1 {
		return errDataLenInvalid
	}

	if len(p.codes) < maxDebugCodes {
		p.codes = append(p.codes, data[0])
	}

	return nil
}

// Codes returns the POST codes written so far.
func (p *DebugPort) Codes() []byte {
	return p.codes
}

func (p *DebugPort) IOPort() uint64 {
	return 0x80
}

func (p *DebugPort) Size() uint64 {
	return 0x1
}
