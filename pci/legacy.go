// legacy.go – decode-only support for the historical combined PCI envelope.
package pci

import (
	"encoding/binary"
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

// Old snapshots carry a single PCI0 envelope holding both the config-space
// record and the router record. Current code writes them as split PCFG/INTX
// envelopes; this decoder exists only so old files keep restoring.

const (
	legacyTagConfig = 1
	legacyTagRouter = 2
)

// DecodeLegacyCombined splits a PCI0 envelope into its config-space and
// router envelopes. Either part may be absent.
//
// The oldest files predate the tagged form: their payload is the raw config
// envelope with the router envelope optionally appended, length-prefixed.
// Telling that trailing record apart from an opaque trailing label is
// positional inference, kept only for decoding genuinely old files; every
// field introduced since gets its own tag.
func DecodeLegacyCombined(data []byte) (configEnv, routerEnv []byte, err error) {
	r, err := snapshot.ParseReader(data, snapshot.DevPCILegacy)
	if err == nil {
		if e := r.EnsureMajor(1); e != nil {
			return nil, nil, e
		}

		configEnv, _ = r.Field(legacyTagConfig)
		routerEnv, _ = r.Field(legacyTagRouter)

		return configEnv, routerEnv, nil
	}

	return splitPositionalLegacy(data)
}

func splitPositionalLegacy(data []byte) (configEnv, routerEnv []byte, err error) {
	if len(data) < 8 {
		return nil, nil, fmt.Errorf("%w: legacy PCI payload is %d bytes", snapshot.ErrCorrupt, len(data))
	}

	var head snapshot.DeviceID

	copy(head[:], data[:4])

	if head != snapshot.DevPCIConfig {
		return nil, nil, fmt.Errorf("%w: legacy PCI payload starts with %s", snapshot.ErrCorrupt, head)
	}

	// Walk the config envelope's fields; at every field boundary check
	// whether the remainder is the length-prefixed router record. Anything
	// trailing that doesn't match is an opaque label from the era before
	// self-describing trailers and is dropped.
	end := 8

	for {
		if rest := data[end:]; len(rest) >= 8 {
			prefixed := int(binary.LittleEndian.Uint32(rest[:4]))

			var id snapshot.DeviceID

			copy(id[:], rest[4:8])

			if id == snapshot.DevPCIIntx && prefixed == len(rest)-4 {
				return data[:end], rest[4:], nil
			}
		}

		if len(data)-end < 6 {
			break
		}

		next := end + 6 + int(binary.LittleEndian.Uint32(data[end+2:end+6]))
		if next > len(data) || next < end {
			break
		}

		end = next
	}

	return data[:end], nil, nil
}
