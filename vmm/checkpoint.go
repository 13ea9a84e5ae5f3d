package vmm

import (
	"fmt"
	"path/filepath"

	"github.com/gopc-dev/gopc/snapshot"
)

const (
	// maxDiffRounds bounds the incremental captures taken per checkpoint
	// before settling for whatever is still dirty.
	maxDiffRounds = 3

	// diffThreshold is the dirty fraction below which another round is not
	// worth a file.
	diffThreshold = 0.01
)

// Chain names a full snapshot and the incremental diffs layered on it, in
// application order.
type Chain struct {
	Base  string
	Diffs []string
}

// Checkpoint writes a full snapshot to dir, then up to maxDiffRounds
// incremental diffs while the guest keeps running and dirtying pages. Each
// round captures what changed since the previous one; the loop stops early
// once the machine quiets down below diffThreshold.
func (v *VMM) Checkpoint(dir string) (*Chain, error) {
	chain := &Chain{Base: filepath.Join(dir, "base.snap")}

	if _, err := v.SaveSnapshot(chain.Base); err != nil {
		return nil, err
	}

	totalPages := int(v.m.RAMLen()) / snapshot.PageSize

	for round := 1; round <= maxDiffRounds; round++ {
		dirty := v.m.RAM().Dirty().Count()

		v.log.Info("checkpoint round", "round", round, "dirtyPages", dirty)

		if dirty == 0 || float64(dirty)/float64(totalPages) < diffThreshold {
			break
		}

		v.metrics.DirtyPages.Add(float64(dirty))

		path := filepath.Join(dir, fmt.Sprintf("diff-%d.snap", round))

		if _, err := v.SaveIncremental(path); err != nil {
			return nil, err
		}

		chain.Diffs = append(chain.Diffs, path)
	}

	return chain, nil
}

// RestoreChain applies a chain in order, verifying each diff's parent
// lineage against the snapshot the machine then holds.
func (v *VMM) RestoreChain(chain *Chain) error {
	if err := v.Restore(chain.Base); err != nil {
		return err
	}

	for _, p := range chain.Diffs {
		if err := v.RestoreIncremental(p, v.m.LastSnapshotID()); err != nil {
			return err
		}
	}

	return nil
}
