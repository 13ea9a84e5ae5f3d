// Package vmm drives whole-machine snapshot capture and restore against
// files: it owns the open/sync/rename hygiene around the engine, structured
// logging, and metrics. The machine stays ignorant of where its bytes go.
package vmm

import (
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/gopc-dev/gopc/machine"
	"github.com/gopc-dev/gopc/snapshot"
)

// VMM wraps one machine with file-level snapshot operations.
type VMM struct {
	m       *machine.Machine
	log     logr.Logger
	metrics *Metrics
}

// Options configures a VMM. Zero values give a silent, unregistered
// instance suitable for tests.
type Options struct {
	Logger  logr.Logger
	Metrics *Metrics
}

func New(m *machine.Machine, opts Options) *VMM {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &VMM{m: m, log: log, metrics: metrics}
}

func (v *VMM) Machine() *machine.Machine {
	return v.m
}

// SaveSnapshot writes a full snapshot to path and returns its id. The file
// is written to a temporary name and renamed into place so a crash mid-save
// never leaves a half-written snapshot under the final name.
func (v *VMM) SaveSnapshot(path string) (uint64, error) {
	return v.save(path, false)
}

// SaveIncremental writes a dirty-page snapshot diffing against the previous
// capture and returns its id.
func (v *VMM) SaveIncremental(path string) (uint64, error) {
	v.m.MarkIncrementalCapture(true)
	defer v.m.MarkIncrementalCapture(false)

	return v.save(path, true)
}

func (v *VMM) save(path string, dirty bool) (uint64, error) {
	start := time.Now()

	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", tmp, err)
	}

	if dirty {
		err = snapshot.SaveDirty(f, v.m)
	} else {
		err = snapshot.Save(f, v.m)
	}

	if err == nil {
		err = f.Sync()
	}

	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(tmp)

		return 0, fmt.Errorf("save %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return 0, err
	}

	id := v.m.LastSnapshotID()
	elapsed := time.Since(start)

	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	}

	v.metrics.CapturesTotal.Inc()
	v.metrics.CaptureBytes.Add(float64(size))
	v.metrics.CaptureSeconds.Observe(elapsed.Seconds())

	v.log.Info("snapshot saved",
		"path", path, "id", id, "dirty", dirty, "bytes", size, "elapsed", elapsed)

	return id, nil
}

// Restore applies a full snapshot from path. A config-mismatch error means
// the restore completed but some envelopes had no matching device; the
// caller decides whether that is acceptable.
func (v *VMM) Restore(path string) error {
	return v.restore(path, snapshot.RestoreOptions{})
}

// RestoreIncremental applies a dirty snapshot on top of the machine's
// current state, rejecting it unless its parent is expectedParent.
func (v *VMM) RestoreIncremental(path string, expectedParent uint64) error {
	return v.restore(path, snapshot.RestoreOptions{
		ExpectedParentSnapshotID: &expectedParent,
	})
}

func (v *VMM) restore(path string, opts snapshot.RestoreOptions) error {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	err = snapshot.RestoreWithOptions(f, v.m, opts)
	elapsed := time.Since(start)

	v.metrics.RestoresTotal.Inc()
	v.metrics.RestoreSeconds.Observe(elapsed.Seconds())

	if err != nil {
		v.log.Error(err, "restore failed", "path", path, "elapsed", elapsed)

		return fmt.Errorf("restore %s: %w", path, err)
	}

	v.log.Info("snapshot restored",
		"path", path, "id", v.m.LastSnapshotID(), "elapsed", elapsed)

	return nil
}
