// dirty.go – per-page dirty bitmap behind the RAM write path.
package memory

import "math/bits"

// DirtyTracker is a clean/dirty bit per RAM page, packed into uint64 words.
// It observes every write that goes through RAM (CPU stores, device DMA,
// host pokes) because RAM funnels them all through one write path.
type DirtyTracker struct {
	bitmap   []uint64
	pageSize uint64
	armed    bool
}

// NewDirtyTracker tracks numPages pages of pageSize bytes each.
func NewDirtyTracker(numPages int, pageSize uint64) *DirtyTracker {
	return &DirtyTracker{
		bitmap:   make([]uint64, (numPages+63)/64),
		pageSize: pageSize,
	}
}

// Arm clears all marks and starts reporting them from Take. A tracker is
// armed right after a full capture so the next capture can be incremental.
func (t *DirtyTracker) Arm() {
	clear(t.bitmap)
	t.armed = true
}

// Armed reports whether Take will return a usable diff.
func (t *DirtyTracker) Armed() bool {
	return t.armed
}

// MarkRange marks every page overlapping [off, off+n).
func (t *DirtyTracker) MarkRange(off, n uint64) {
	if n == 0 {
		return
	}

	for page := off / t.pageSize; page <= (off+n-1)/t.pageSize; page++ {
		word := page / 64
		if word < uint64(len(t.bitmap)) {
			t.bitmap[word] |= 1 << (page % 64)
		}
	}
}

// Take returns all dirty page indices in ascending order and atomically
// clears them. ok is false if the tracker was never armed, meaning only a
// full capture is possible.
func (t *DirtyTracker) Take() (pages []uint64, ok bool) {
	if !t.armed {
		return nil, false
	}

	for i, w := range t.bitmap {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			pages = append(pages, uint64(i*64+bit))
			w &^= 1 << bit
		}

		t.bitmap[i] = 0
	}

	return pages, true
}

// Count reports the number of dirty pages without draining them.
func (t *DirtyTracker) Count() int {
	n := 0
	for _, w := range t.bitmap {
		n += bits.OnesCount64(w)
	}

	return n
}

// Clear discards all marks without returning them.
func (t *DirtyTracker) Clear() {
	clear(t.bitmap)
}
