package vmm

import (
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"github.com/gopc-dev/gopc/snapshot"
)

// SectionDigest is the blake3 sum of one section, header included.
type SectionDigest struct {
	ID     snapshot.SectionID
	Offset int64
	Length uint64
	Sum    [32]byte
}

// FileDigest fingerprints a snapshot file as a whole and per section, so a
// corrupted file can be narrowed down to the damaged section.
type FileDigest struct {
	File     [32]byte
	Sections []SectionDigest
}

// Digest computes the file and section sums. Sections are hashed
// concurrently; their byte ranges come from the file index.
func Digest(path string) (*FileDigest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx, err := snapshot.ReadIndex(f)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", path, err)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	d := &FileDigest{Sections: make([]SectionDigest, len(idx.Sections))}

	var g errgroup.Group

	g.Go(func() error {
		sum, err := hashRange(f, 0, fi.Size())
		if err != nil {
			return err
		}

		d.File = sum

		return nil
	})

	for i, sec := range idx.Sections {
		i, sec := i, sec

		g.Go(func() error {
			length := int64(sectionHeaderLen) + int64(sec.Header.Length)

			sum, err := hashRange(f, sec.Offset, length)
			if err != nil {
				return err
			}

			d.Sections[i] = SectionDigest{
				ID:     sec.Header.ID,
				Offset: sec.Offset,
				Length: sec.Header.Length,
				Sum:    sum,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return d, nil
}

// sectionHeaderLen mirrors the on-disk section header size.
const sectionHeaderLen = 16

// hashRange sums one byte range through ReadAt, safe for concurrent use on
// a shared file handle.
func hashRange(f *os.File, off, n int64) ([32]byte, error) {
	h := blake3.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, off, n)); err != nil {
		return [32]byte{}, err
	}

	var sum [32]byte

	copy(sum[:], h.Sum(nil))

	return sum, nil
}

// sectionRank orders the known sections for structural validation.
var sectionRank = map[snapshot.SectionID]int{
	snapshot.SectionMeta:    0,
	snapshot.SectionCPU:     1,
	snapshot.SectionCPUs:    1,
	snapshot.SectionMMU:     2,
	snapshot.SectionDevices: 3,
	snapshot.SectionDisks:   4,
	snapshot.SectionRAM:     5,
}

// Validate checks a snapshot file's structure: header, section ordering,
// and the decodability of everything but RAM. With deep set, every device
// envelope is additionally parsed against its own id.
func Validate(path string, deep bool) (*snapshot.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	idx, err := snapshot.ReadIndex(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	last := -1
	for _, sec := range idx.Sections {
		rank, known := sectionRank[sec.Header.ID]
		if !known {
			continue
		}

		if rank < last {
			return nil, fmt.Errorf("%w: section %s out of order",
				snapshot.ErrCorrupt, sec.Header.ID)
		}

		last = rank
	}

	if !deep {
		return idx, nil
	}

	for _, dev := range idx.Devices {
		if _, err := snapshot.ParseReader(dev.Data, dev.ID); err != nil {
			return nil, fmt.Errorf("envelope %s: %w", dev.ID, err)
		}
	}

	return idx, nil
}
