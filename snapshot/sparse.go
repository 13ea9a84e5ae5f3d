package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Sparse large-buffer codec. Large, mostly-zero device buffers (VRAM, ROM
// shadow areas) are stored as the set of non-zero fixed-size pages:
//
//	{total_length u64, page_size u32, page_count u32}
//	page_count * {page_index u32, payload_length u32, payload}
//
// Pages never emitted decode as zeros.

const sparseHeaderLen = 8 + 4 + 4

// EncodeSparse encodes buf as a sparse page list with the given page size.
func EncodeSparse(buf []byte, pageSize int) []byte {
	if pageSize <= 0 {
		pageSize = PageSize
	}

	type page struct {
		index   uint32
		payload []byte
	}

	var pages []page

	for off := 0; off < len(buf); off += pageSize {
		end := off + pageSize
		if end > len(buf) {
			end = len(buf)
		}

		p := buf[off:end]
		if isZero(p) {
			continue
		}

		pages = append(pages, page{index: uint32(off / pageSize), payload: p})
	}

	out := make([]byte, 0, sparseHeaderLen+len(pages)*(8+pageSize))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(buf)))
	out = binary.LittleEndian.AppendUint32(out, uint32(pageSize))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(pages)))

	for _, p := range pages {
		out = binary.LittleEndian.AppendUint32(out, p.index)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(p.payload)))
		out = append(out, p.payload...)
	}

	return out
}

// DecodeSparse decodes a sparse page list into a freshly allocated buffer.
func DecodeSparse(data []byte) ([]byte, error) {
	if len(data) < sparseHeaderLen {
		return nil, fmt.Errorf("%w: sparse header truncated", ErrCorrupt)
	}

	total := binary.LittleEndian.Uint64(data[0:8])
	pageSize := binary.LittleEndian.Uint32(data[8:12])
	count := binary.LittleEndian.Uint32(data[12:16])

	if pageSize == 0 {
		return nil, fmt.Errorf("%w: sparse page size 0", ErrCorrupt)
	}

	if total > uint64(maxSparseBuffer) {
		return nil, fmt.Errorf("%w: sparse buffer length %d", ErrCorrupt, total)
	}

	out := make([]byte, total)
	rest := data[sparseHeaderLen:]

	for i := uint32(0); i < count; i++ {
		if len(rest) < 8 {
			return nil, fmt.Errorf("%w: sparse page header truncated", ErrCorrupt)
		}

		index := binary.LittleEndian.Uint32(rest[0:4])
		length := binary.LittleEndian.Uint32(rest[4:8])
		rest = rest[8:]

		if uint64(len(rest)) < uint64(length) {
			return nil, fmt.Errorf("%w: sparse page %d truncated", ErrCorrupt, index)
		}

		off := uint64(index) * uint64(pageSize)
		if off+uint64(length) > total {
			return nil, fmt.Errorf("%w: sparse page %d exceeds buffer (%d+%d > %d)",
				ErrCorrupt, index, off, length, total)
		}

		copy(out[off:], rest[:length])
		rest = rest[length:]
	}

	return out, nil
}

// DecodeSparseInto decodes into dst, which must already be len(total) per
// the stored header; dst is zeroed first.
func DecodeSparseInto(dst, data []byte) error {
	out, err := DecodeSparse(data)
	if err != nil {
		return err
	}

	if len(out) != len(dst) {
		return fmt.Errorf("%w: sparse buffer length %d, destination %d", ErrCorrupt, len(out), len(dst))
	}

	copy(dst, out)

	return nil
}

var zeroPage [PageSize]byte

func isZero(p []byte) bool {
	for len(p) >= PageSize {
		if !bytes.Equal(p[:PageSize], zeroPage[:]) {
			return false
		}

		p = p[PageSize:]
	}

	for _, b := range p {
		if b != 0 {
			return false
		}
	}

	return true
}
