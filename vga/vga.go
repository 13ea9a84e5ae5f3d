// Package vga models the display adapter's register file and video RAM.
// VRAM is large and usually mostly zero, so current snapshots store it with
// the sparse page codec; the original dense encoding stays decodable for
// old files, selected by the envelope's major version.
package vga

import (
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

// DefaultVRAMSize is the aperture size of the standard machine.
const DefaultVRAMSize = 16 << 20

const (
	// vgaStateVersion selects the sparse VRAM form.
	vgaStateVersion = 2
	// vgaDenseVersion is the historical dense form, decode only.
	vgaDenseVersion = 1
)

const (
	vgaTagMisc       = 1
	vgaTagSequencer  = 2
	vgaTagCRTC       = 3
	vgaTagGraphics   = 4
	vgaTagAttribute  = 5
	vgaTagDAC        = 6
	vgaTagVRAMDense  = 7
	vgaTagVRAMSparse = 8
)

const (
	numSequencerRegs = 5
	numCRTCRegs      = 25
	numGraphicsRegs  = 9
	numAttributeRegs = 21
	dacPaletteLen    = 768
)

type VGA struct {
	misc      uint8
	sequencer [numSequencerRegs]uint8
	crtc      [numCRTCRegs]uint8
	graphics  [numGraphicsRegs]uint8
	attribute [numAttributeRegs]uint8
	dac       [dacPaletteLen]uint8

	seqIndex  uint8
	crtcIndex uint8
	gcIndex   uint8
	attrIndex uint8

	vram []byte
}

func New(vramSize int) *VGA {
	if vramSize <= 0 {
		vramSize = DefaultVRAMSize
	}

	return &VGA{vram: make([]byte, vramSize)}
}

func (v *VGA) Reset() {
	vram := v.vram
	*v = VGA{vram: vram}
	clear(v.vram)
}

// VRAM exposes the aperture for MMIO dispatch.
func (v *VGA) VRAM() []byte {
	return v.vram
}

// WriteVRAM stores pixels at an aperture offset.
func (v *VGA) WriteVRAM(off uint64, data []byte) {
	if off < uint64(len(v.vram)) {
		copy(v.vram[off:], data)
	}
}

// Port I/O for the index/data register pairs.

func (v *VGA) Out(port uint64, value uint8) {
	switch port {
	case 0x3c2:
		v.misc = value
	case 0x3c4:
		v.seqIndex = value
	case 0x3c5:
		if int(v.seqIndex) < numSequencerRegs {
			v.sequencer[v.seqIndex] = value
		}
	case 0x3ce:
		v.gcIndex = value
	case 0x3cf:
		if int(v.gcIndex) < numGraphicsRegs {
			v.graphics[v.gcIndex] = value
		}
	case 0x3d4:
		v.crtcIndex = value
	case 0x3d5:
		if int(v.crtcIndex) < numCRTCRegs {
			v.crtc[v.crtcIndex] = value
		}
	case 0x3c0:
		v.attrIndex = value & 0x1f
		if int(v.attrIndex) < numAttributeRegs {
			v.attribute[v.attrIndex] = value
		}
	}
}

func (v *VGA) In(port uint64) uint8 {
	switch port {
	case 0x3cc:
		return v.misc
	case 0x3c5:
		if int(v.seqIndex) < numSequencerRegs {
			return v.sequencer[v.seqIndex]
		}
	case 0x3cf:
		if int(v.gcIndex) < numGraphicsRegs {
			return v.graphics[v.gcIndex]
		}
	case 0x3d5:
		if int(v.crtcIndex) < numCRTCRegs {
			return v.crtc[v.crtcIndex]
		}
	}

	return 0
}

// SetDAC programs one palette byte.
func (v *VGA) SetDAC(idx int, value uint8) {
	if idx >= 0 && idx < dacPaletteLen {
		v.dac[idx] = value
	}
}

func (v *VGA) DAC(idx int) uint8 {
	if idx >= 0 && idx < dacPaletteLen {
		return v.dac[idx]
	}

	return 0
}

// SaveState serializes the register file and the sparse VRAM image.
func (v *VGA) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevVGA, snapshot.Version{Major: vgaStateVersion})
	w.FieldU8(vgaTagMisc, v.misc)
	w.FieldBytes(vgaTagSequencer, v.sequencer[:])
	w.FieldBytes(vgaTagCRTC, v.crtc[:])
	w.FieldBytes(vgaTagGraphics, v.graphics[:])
	w.FieldBytes(vgaTagAttribute, v.attribute[:])
	w.FieldBytes(vgaTagDAC, v.dac[:])
	w.FieldBytes(vgaTagVRAMSparse, snapshot.EncodeSparse(v.vram, snapshot.PageSize))

	return w.Finish()
}

// LoadState restores the adapter. Major version 2 carries sparse VRAM,
// major version 1 the dense image; both land in the same aperture.
func (v *VGA) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevVGA)
	if err != nil {
		return err
	}

	major := r.Version().Major
	if major != vgaStateVersion && major != vgaDenseVersion {
		return fmt.Errorf("%w: VGA envelope major %d", snapshot.ErrVersionMismatch, major)
	}

	v.Reset()

	if err := r.U8(vgaTagMisc, &v.misc); err != nil {
		return err
	}

	for _, f := range []struct {
		tag uint16
		dst []uint8
	}{
		{vgaTagSequencer, v.sequencer[:]},
		{vgaTagCRTC, v.crtc[:]},
		{vgaTagGraphics, v.graphics[:]},
		{vgaTagAttribute, v.attribute[:]},
		{vgaTagDAC, v.dac[:]},
	} {
		blob, ok := r.Field(f.tag)
		if !ok {
			continue
		}

		if len(blob) != len(f.dst) {
			return fmt.Errorf("%w: VGA register block %d is %d bytes", snapshot.ErrCorrupt, f.tag, len(blob))
		}

		copy(f.dst, blob)
	}

	switch major {
	case vgaDenseVersion:
		dense, ok := r.Field(vgaTagVRAMDense)
		if !ok {
			return nil
		}

		if len(dense) != len(v.vram) {
			return fmt.Errorf("%w: dense VRAM is %d bytes, aperture %d",
				snapshot.ErrConfigMismatch, len(dense), len(v.vram))
		}

		copy(v.vram, dense)

	default:
		sparse, ok := r.Field(vgaTagVRAMSparse)
		if !ok {
			return nil
		}

		if err := snapshot.DecodeSparseInto(v.vram, sparse); err != nil {
			return err
		}
	}

	return nil
}
