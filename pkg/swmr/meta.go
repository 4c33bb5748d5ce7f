package swmr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Metadata directory access.
//
// The directory is an array of fixed-size entries inside the mmap'd
// metadata prefix. The writer mutates it only inside a seqlock window
// (odd generation -> mutate -> even generation), so a reader takes a
// snapshot by reading between two equal even generation loads. The
// snapshot may be stale by the time it is used against the heap; that
// skew is what the out-of-bounds trap catches.

// Seqlock micro-retry configuration. These retries bridge the brief
// odd-generation window of a single commit; they are separate from
// (and much shorter than) the tick-bounded retry budget of
// [File.ReadRecord].
const (
	snapshotMaxRetries     = 10
	snapshotInitialBackoff = 50 * time.Microsecond
	snapshotMaxBackoff     = 1 * time.Millisecond
)

// snapshotBackoff waits for an exponentially increasing duration
// based on the attempt number (0-indexed).
func snapshotBackoff(attempt int) {
	if attempt == 0 {
		return // first attempt is immediate
	}

	backoff := min(snapshotInitialBackoff<<(attempt-1), snapshotMaxBackoff)

	time.Sleep(backoff)
}

// readUint64 reads a little-endian uint64 from the mapping.
func readUint64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// resolvedView is a reader-local, short-lived snapshot of one
// directory entry. It is created fresh on every read attempt and
// discarded after validation; it is never cached across attempts
// because it may describe a torn state.
type resolvedView struct {
	heapOffset uint64
	length     uint64
	recordGen  uint64
	nameHash   uint64
}

// resolve takes a stable snapshot of the directory entry for name.
//
// Returns:
//   - (view, nil): a snapshot taken under a stable even generation
//   - ErrNotFound: no live entry for name under a stable generation
//   - errContended: the generation kept moving; caller waits a tick
//   - ErrCorrupt: impossible entry state under a stable generation
//
// resolve also detects generation movement since the last call and
// drops cached heap pages, because a newer generation means the
// writer committed and any cached pre-commit page image may be stale.
func (f *File) resolve(name []byte) (resolvedView, error) {
	hash := fnv1a64(name)

	for attempt := 0; attempt < snapshotMaxRetries; attempt++ {
		snapshotBackoff(attempt)

		g1 := atomicLoadUint64(f.md[offGeneration:])
		if g1%2 == 1 {
			continue
		}

		if prev := f.lastGen.Load(); g1 != prev && f.lastGen.CompareAndSwap(prev, g1) {
			f.pages.invalidateAll()
		}

		view, found, err := f.lookupEntry(name, hash, g1)

		g2 := atomicLoadUint64(f.md[offGeneration:])
		if g1 != g2 || errors.Is(err, errContended) {
			continue
		}

		if err != nil {
			return resolvedView{}, err
		}

		if !found {
			return resolvedView{}, fmt.Errorf("record %q: %w", name, ErrNotFound)
		}

		return view, nil
	}

	return resolvedView{}, errContended
}

// lookupEntry scans the directory for a live entry matching name.
//
// The generation g1 read at the start of the snapshot is needed to
// classify impossible entry states: if the generation moved, the scan
// overlapped a commit (errContended, retry); if it is still the same
// even value, the state is real corruption.
func (f *File) lookupEntry(name []byte, hash, g1 uint64) (resolvedView, bool, error) {
	for i := uint64(0); i < f.recordCapacity; i++ {
		ent := f.md[f.dirOffset+i*uint64(f.entrySize):]

		meta := atomicLoadUint64(ent[entOffMeta:])

		if meta&entMetaReservedMask != 0 {
			return resolvedView{}, false, f.classifyInvariant(g1)
		}

		if meta&entMetaUsed == 0 {
			continue
		}

		if readUint64(ent[entOffNameHash:]) != hash {
			continue
		}

		nameLen := binary.LittleEndian.Uint16(ent[entOffNameLen:])
		if int(nameLen) > maxRecordNameLen {
			return resolvedView{}, false, f.classifyInvariant(g1)
		}

		if !bytes.Equal(ent[entOffName:entOffName+uint64(nameLen)], name) {
			continue
		}

		view := resolvedView{
			heapOffset: readUint64(ent[entOffHeapOffset:]),
			length:     readUint64(ent[entOffLength:]),
			recordGen:  readUint64(ent[entOffRecordGen:]),
			nameHash:   hash,
		}

		// An entry must point past the metadata region and describe a
		// payload within the implementation limit. Anything else is
		// either commit overlap or corruption.
		if view.heapOffset < f.mdBytes || view.length > maxRecordLen {
			return resolvedView{}, false, f.classifyInvariant(g1)
		}

		return view, true, nil
	}

	return resolvedView{}, false, nil
}

// classifyInvariant is called when an impossible directory state is
// observed. The generation is re-read to distinguish overlap with a
// concurrent commit (errContended, retryable) from real corruption
// under a stable even generation (ErrCorrupt, fatal).
func (f *File) classifyInvariant(g1 uint64) error {
	gx := atomicLoadUint64(f.md[offGeneration:])
	if gx != g1 || gx%2 == 1 {
		return errContended
	}

	return fmt.Errorf("directory entry invariant violated: %w", ErrCorrupt)
}

// Names returns the names of all live records under a stable
// metadata snapshot, in directory order.
//
// Possible errors: [ErrClosed], [ErrExhausted], [ErrCorrupt].
func (f *File) Names() ([]string, error) {
	// Held across the snapshot so a concurrent Close cannot unmap the
	// directory mid-scan.
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.isClosed {
		return nil, ErrClosed
	}

	for attempt := 0; attempt < snapshotMaxRetries; attempt++ {
		snapshotBackoff(attempt)

		g1 := atomicLoadUint64(f.md[offGeneration:])
		if g1%2 == 1 {
			continue
		}

		names, err := f.collectNames(g1)

		g2 := atomicLoadUint64(f.md[offGeneration:])
		if g1 != g2 || errors.Is(err, errContended) {
			continue
		}

		if err != nil {
			return nil, err
		}

		return names, nil
	}

	return nil, fmt.Errorf("directory snapshot: %w", ErrExhausted)
}

func (f *File) collectNames(g1 uint64) ([]string, error) {
	var names []string

	for i := uint64(0); i < f.recordCapacity; i++ {
		ent := f.md[f.dirOffset+i*uint64(f.entrySize):]

		meta := atomicLoadUint64(ent[entOffMeta:])
		if meta&entMetaReservedMask != 0 {
			return nil, f.classifyInvariant(g1)
		}

		if meta&entMetaUsed == 0 {
			continue
		}

		nameLen := binary.LittleEndian.Uint16(ent[entOffNameLen:])
		if int(nameLen) > maxRecordNameLen {
			return nil, f.classifyInvariant(g1)
		}

		names = append(names, string(ent[entOffName:entOffName+uint64(nameLen)]))
	}

	return names, nil
}
