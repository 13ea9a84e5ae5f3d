// intx.go – legacy level-triggered interrupt routing from PCI functions to
// GSIs.
package pci

import (
	"fmt"
	"sort"

	"github.com/gopc-dev/gopc/snapshot"
)

// LevelFunc reports a device's current INTx output level. The router never
// caches these: restore re-derives every line by querying live device state.
type LevelFunc func() bool

type routeKey struct {
	bdf uint16
	pin uint8
}

// Router maps (function, INTx pin) to a GSI and knows how to query each
// routed device's current level. Its serialized state is the route table
// alone; levels are always re-derived.
type Router struct {
	routes  map[routeKey]uint8
	sources map[routeKey]LevelFunc
}

func NewRouter() *Router {
	return &Router{
		routes:  make(map[routeKey]uint8),
		sources: make(map[routeKey]LevelFunc),
	}
}

// AddRoute maps bdf's pin to gsi.
func (r *Router) AddRoute(bdf uint16, pin uint8, gsi uint8) {
	r.routes[routeKey{bdf: bdf, pin: pin}] = gsi
}

// AttachSource registers the level query for bdf's pin.
func (r *Router) AttachSource(bdf uint16, pin uint8, fn LevelFunc) {
	r.sources[routeKey{bdf: bdf, pin: pin}] = fn
}

// Route resolves bdf's pin to its GSI.
func (r *Router) Route(bdf uint16, pin uint8) (uint8, bool) {
	gsi, ok := r.routes[routeKey{bdf: bdf, pin: pin}]

	return gsi, ok
}

// LevelSink receives re-derived line levels; satisfied by intc.Controller.
type LevelSink interface {
	SetLevel(gsi int, level bool)
}

// Replay queries every routed device's current level and drives the result
// into the controller. The swizzle shares lines between functions, so each
// GSI carries the wired-OR of every source routed to it. Run after both the
// controller and the PCI core are restored, since the controller's own
// state cannot reconstruct lines that depend on routing topology restored
// in the same pass.
func (r *Router) Replay(sink LevelSink) {
	levels := make(map[uint8]bool)

	for k, gsi := range r.routes {
		level := levels[gsi]

		if fn, ok := r.sources[k]; ok && fn() {
			level = true
		}

		levels[gsi] = level
	}

	gsis := make([]int, 0, len(levels))
	for gsi := range levels {
		gsis = append(gsis, int(gsi))
	}

	sort.Ints(gsis)

	for _, gsi := range gsis {
		sink.SetLevel(gsi, levels[uint8(gsi)])
	}
}

const routerStateVersion = 1

const routerTagRoutes = 1

const routeRecordLen = 4 // bdf u16 + pin u8 + gsi u8

// SaveState serializes the route table under the split INTX envelope.
func (r *Router) SaveState() []byte {
	keys := make([]routeKey, 0, len(r.routes))
	for k := range r.routes {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].bdf != keys[j].bdf {
			return keys[i].bdf < keys[j].bdf
		}

		return keys[i].pin < keys[j].pin
	})

	blob := make([]byte, 0, len(keys)*routeRecordLen)
	for _, k := range keys {
		blob = append(blob, byte(k.bdf), byte(k.bdf>>8), k.pin, r.routes[k])
	}

	w := snapshot.NewWriter(snapshot.DevPCIIntx, snapshot.Version{Major: routerStateVersion})
	w.FieldBytes(routerTagRoutes, blob)

	return w.Finish()
}

// LoadState replaces the route table. Attached sources stay: they belong to
// the live machine, not the snapshot.
func (r *Router) LoadState(data []byte) error {
	rd, err := snapshot.ParseReader(data, snapshot.DevPCIIntx)
	if err != nil {
		return err
	}

	if err := rd.EnsureMajor(routerStateVersion); err != nil {
		return err
	}

	blob, ok := rd.Field(routerTagRoutes)
	if !ok {
		return nil
	}

	if len(blob)%routeRecordLen != 0 {
		return fmt.Errorf("%w: route table is %d bytes", snapshot.ErrCorrupt, len(blob))
	}

	r.routes = make(map[routeKey]uint8, len(blob)/routeRecordLen)

	for i := 0; i < len(blob); i += routeRecordLen {
		bdf := uint16(blob[i]) | uint16(blob[i+1])<<8
		r.routes[routeKey{bdf: bdf, pin: blob[i+2]}] = blob[i+3]
	}

	return nil
}
