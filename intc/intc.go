// Package intc models the platform interrupt controller complex at GSI
// granularity: level inputs from devices, edge latching into a pending set,
// vector delivery to the CPU, and the restore-time baseline adoption the
// cross-device restore sequence depends on.
package intc

import (
	"fmt"

	"github.com/gopc-dev/gopc/snapshot"
)

// NumGSIs is the number of global system interrupt lines.
const NumGSIs = 24

const controllerStateVersion = 1

const (
	intcTagLevels    = 1
	intcTagPending   = 2
	intcTagInService = 3
	intcTagMasked    = 4
	intcTagVectors   = 5
)

// defaultVectorBase maps GSI n to vector 0x20+n until the guest reprograms
// the redirection entries.
const defaultVectorBase = 0x20

// Controller is the machine's single interrupt controller complex.
//
// During restore the controller is loaded before any device exists in a
// valid state; asserted level lines are then replayed from live device state
// and AdoptBaseline finalizes the result. Between LoadState and
// AdoptBaseline the controller is lenient: replayed levels that are already
// asserted do not latch a second pending edge.
type Controller struct {
	levels    uint32
	pending   uint32
	inService uint32
	masked    uint32
	vectors   [NumGSIs]uint8

	restoring bool
}

func New() *Controller {
	c := &Controller{}
	c.Reset()

	return c
}

// Reset returns the controller to power-on state in place; handles to it
// stay valid.
func (c *Controller) Reset() {
	c.levels = 0
	c.pending = 0
	c.inService = 0
	c.masked = 0
	c.restoring = false

	for i := range c.vectors {
		c.vectors[i] = defaultVectorBase + uint8(i)
	}
}

// SetLevel drives one GSI. A rising edge on an unmasked line latches a
// pending request; the level itself is remembered for baseline adoption.
func (c *Controller) SetLevel(gsi int, level bool) {
	if gsi < 0 || gsi >= NumGSIs {
		return
	}

	bit := uint32(1) << gsi
	wasHigh := c.levels&bit != 0

	if level {
		c.levels |= bit

		if !wasHigh || !c.restoring {
			c.pending |= bit
		}
	} else {
		c.levels &^= bit

		// A deasserted level line withdraws its not-yet-delivered request.
		if c.inService&bit == 0 {
			c.pending &^= bit
		}
	}
}

// Level reports the current input level of one GSI.
func (c *Controller) Level(gsi int) bool {
	return gsi >= 0 && gsi < NumGSIs && c.levels&(1<<gsi) != 0
}

// SetVector programs the delivery vector for one GSI.
func (c *Controller) SetVector(gsi int, vector uint8) {
	if gsi >= 0 && gsi < NumGSIs {
		c.vectors[gsi] = vector
	}
}

// SetMasked masks or unmasks one GSI.
func (c *Controller) SetMasked(gsi int, masked bool) {
	if gsi < 0 || gsi >= NumGSIs {
		return
	}

	if masked {
		c.masked |= 1 << gsi
	} else {
		c.masked &^= 1 << gsi
	}
}

// PendingVector returns the vector of the highest-priority deliverable
// request, without acknowledging it.
func (c *Controller) PendingVector() (uint8, bool) {
	gsi, ok := c.highestPending()
	if !ok {
		return 0, false
	}

	return c.vectors[gsi], true
}

// Acknowledge delivers the highest-priority pending request: it moves from
// pending to in-service and its vector is returned.
func (c *Controller) Acknowledge() (uint8, bool) {
	gsi, ok := c.highestPending()
	if !ok {
		return 0, false
	}

	bit := uint32(1) << gsi
	c.pending &^= bit
	c.inService |= bit

	return c.vectors[gsi], true
}

// EOI completes service of one GSI. A still-asserted level line re-latches
// immediately.
func (c *Controller) EOI(gsi int) {
	if gsi < 0 || gsi >= NumGSIs {
		return
	}

	bit := uint32(1) << gsi
	c.inService &^= bit

	if c.levels&bit != 0 {
		c.pending |= bit
	}
}

func (c *Controller) highestPending() (int, bool) {
	deliverable := c.pending &^ c.masked
	if deliverable == 0 {
		return 0, false
	}

	for gsi := 0; gsi < NumGSIs; gsi++ {
		if deliverable&(1<<gsi) != 0 {
			return gsi, true
		}
	}

	return 0, false
}

// BeginRestore switches the controller into the lenient replay state used
// between LoadState and AdoptBaseline.
func (c *Controller) BeginRestore() {
	c.restoring = true
}

// AdoptBaseline takes whatever level state currently exists as the new
// baseline and ends restore leniency. Called once every device has replayed
// its own output levels.
func (c *Controller) AdoptBaseline() {
	// Asserted level lines with no delivered request become pending, so a
	// line whose device state implies assertion is never lost across
	// restore.
	c.pending |= c.levels &^ c.inService
	c.restoring = false
}

// SaveState serializes the controller envelope.
func (c *Controller) SaveState() []byte {
	w := snapshot.NewWriter(snapshot.DevInterrupts, snapshot.Version{Major: controllerStateVersion})
	w.FieldU32(intcTagLevels, c.levels)
	w.FieldU32(intcTagPending, c.pending)
	w.FieldU32(intcTagInService, c.inService)
	w.FieldU32(intcTagMasked, c.masked)
	w.FieldBytes(intcTagVectors, c.vectors[:])

	return w.Finish()
}

// LoadState restores the controller envelope. Accepts the historical APIC
// envelope id alongside the current one.
func (c *Controller) LoadState(data []byte) error {
	r, err := snapshot.ParseReader(data, snapshot.DevInterrupts)
	if err != nil {
		r, err = snapshot.ParseReader(data, snapshot.DevAPIC)
		if err != nil {
			return err
		}
	}

	if err := r.EnsureMajor(controllerStateVersion); err != nil {
		return err
	}

	c.Reset()

	for _, f := range []struct {
		tag uint16
		dst *uint32
	}{
		{intcTagLevels, &c.levels},
		{intcTagPending, &c.pending},
		{intcTagInService, &c.inService},
		{intcTagMasked, &c.masked},
	} {
		if err := r.U32(f.tag, f.dst); err != nil {
			return err
		}
	}

	if vecs, ok := r.Field(intcTagVectors); ok {
		if len(vecs) != NumGSIs {
			return fmt.Errorf("%w: vector table is %d bytes", snapshot.ErrCorrupt, len(vecs))
		}

		copy(c.vectors[:], vecs)
	}

	// Serialized levels alone cannot reconstruct lines that depend on PCI
	// routing restored in the same pass; the machine replays them and
	// AdoptBaseline finalizes.
	c.restoring = true

	return nil
}
