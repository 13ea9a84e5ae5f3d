// Package serial implements a 16550 UART at COM1 with snapshot support.
package serial

import (
	"github.com/gopc-dev/gopc/snapshot"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
)

// maxOutputLog bounds the captured transmit log.
const maxOutputLog = 64 << 10

const serialStateVersion = 1

const (
	serialTagIER     = 1
	serialTagLCR     = 2
	serialTagMCR     = 3
	serialTagFCR     = 4
	serialTagScratch = 5
	serialTagDLL     = 6
	serialTagDLM     = 7
	serialTagInput   = 8
	serialTagOutput  = 9
)

type Serial struct {
	IER byte
	LCR byte
	MCR byte
	FCR byte
	SCR byte

	// divisor latch, reachable while LCR bit 7 is set
	DLL byte
	DLM byte

	input  []byte
	output []byte

	// called when the UART's interrupt level changes
	irqCallback func(level bool)
}

func New(irqCallback func(level bool)) (*Serial, error) {
	s := &Serial{
		DLL:         0xc, // 9600 baud
		irqCallback: irqCallback,
	}

	return s, nil
}

// Queue delivers host terminal input to the guest.
func (s *Serial) Queue(b byte) {
	s.input = append(s.input, b)
	s.updateIRQ()
}

// Output returns the accumulated transmit log.
func (s *Serial) Output() []byte {
	return s.output
}

func (s *Serial) dlab() bool {
	return s.LCR&0x80 != 0
}

// IRQLevel reports the UART's current interrupt line level, queried during
// restore line replay.
func (s *Serial) IRQLevel() bool {
	return s.IER&0x1 != 0 && len(s.input) > 0
}

func (s *Serial) updateIRQ() {
	if s.irqCallback != nil {
		s.irqCallback(s.IRQLevel())
	}
}

func (s *Serial) In(port uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}

	switch port - COM1Addr {
	case 0:
		if s.dlab() {
			values[0] = s.DLL

			break
		}

		// RBR
		if len(s.input) > 0 {
			values[0] = s.input[0]
			s.input = s.input[1:]
			s.updateIRQ()
		}
	case 1:
		if s.dlab() {
			values[0] = s.DLM

			break
		}

		values[0] = s.IER
	case 2:
		// IIR: pending receive interrupt or none
		if s.IRQLevel() {
			values[0] = 0x4
		} else {
			values[0] = 0x1
		}
	case 3:
		values[0] = s.LCR
	case 4:
		values[0] = s.MCR
	case 5:
		// LSR: THR always empty; data-ready when input queued
		values[0] = 0x60
		if len(s.input) > 0 {
			values[0] |= 0x1
		}
	case 6:
		// MSR
		values[0] = 0
	case 7:
		values[0] = s.SCR
	}

	return nil
}

func (s *Serial) Out(port uint64, values []byte) error {
	if len(values) == 0 {
		return nil
	}

	switch port - COM1Addr {
	case 0:
		if s.dlab() {
			s.DLL = values[0]

			break
		}

		// THR
		if len(s.output) < maxOutputLog {
			s.output = append(s.output, values[0])
		}
	case 1:
		if s.dlab() {
			s.DLM = values[0]

			break
		}

		s.IER = values[0]
		s.updateIRQ()
	case 2:
		s.FCR = values[0]
	case 3:
		s.LCR = values[0]
	case 4:
		s.MCR = values[0]
	case 7:
		s.SCR = values[0]
	}

	return nil
}

// SaveState serializes the UART envelope, including the pending input queue
// and the transmit log.
func (s *Serial) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevSerial, snapshot.Version{Major: serialStateVersion})
	w.FieldU8(serialTagIER, s.IER)
	w.FieldU8(serialTagLCR, s.LCR)
	w.FieldU8(serialTagMCR, s.MCR)
	w.FieldU8(serialTagFCR, s.FCR)
	w.FieldU8(serialTagScratch, s.SCR)
	w.FieldU8(serialTagDLL, s.DLL)
	w.FieldU8(serialTagDLM, s.DLM)
	w.FieldBytes(serialTagInput, s.input)
	w.FieldBytes(serialTagOutput, s.output)

	return w.Finish()
}

// LoadState replaces the UART state. The interrupt callback is not invoked;
// the machine replays line levels itself after all devices are restored.
func (s *Serial) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevSerial)
	if err != nil {
		return err
	}

	if err := r.EnsureMajor(serialStateVersion); err != nil {
		return err
	}

	*s = Serial{DLL: 0xc, irqCallback: s.irqCallback}

	for _, f := range []struct {
		tag uint16
		dst *byte
	}{
		{serialTagIER, &s.IER},
		{serialTagLCR, &s.LCR},
		{serialTagMCR, &s.MCR},
		{serialTagFCR, &s.FCR},
		{serialTagScratch, &s.SCR},
		{serialTagDLL, &s.DLL},
		{serialTagDLM, &s.DLM},
	} {
		if err := r.U8(f.tag, f.dst); err != nil {
			return err
		}
	}

	if err := r.Bytes(serialTagInput, &s.input); err != nil {
		return err
	}

	return r.Bytes(serialTagOutput, &s.output)
}
