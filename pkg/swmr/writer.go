package swmr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"github.com/calvinalkan/swmr/internal/fs"
)

// locker is the package-level file locker for cross-process writer
// exclusion.
var locker = fs.NewLocker(fs.NewReal())

// Writer is the single mutating handle to a container file.
//
// Exactly one Writer may exist at a time across all processes; the
// second [OpenWriter] returns [ErrBusy]. Methods on Writer are NOT
// safe for concurrent use — the protocol assumes a single-threaded
// writer.
//
// Every mutation is one commit: a new heap frame is appended (live
// frames are never rewritten in place, so readers holding a stale
// resolved view still find intact old bytes), then the directory
// entry is republished inside a seqlock window and the tick counter
// advances by one.
type Writer struct {
	_ [0]func() // prevent external construction

	isClosed bool

	fd   int
	md   []byte // mmap'd metadata prefix (read-write)
	path string
	lock *fs.Lock

	// Cached immutable config from the superblock.
	pageSize       uint32
	metadataPages  uint32
	entrySize      uint32
	recordCapacity uint64
	dirOffset      uint64
	mdBytes        uint64

	// heapEnd mirrors the superblock field; the mmap copy is the
	// published truth, this one avoids rereads between commits.
	heapEnd uint64
}

// OpenWriter opens the container file for writing, creating and
// initializing it if it does not exist or is empty.
//
// Possible errors:
//   - [ErrBusy]: another writer holds the lock
//   - [ErrInvalidInput]: invalid options
//   - [ErrIncompatible]: existing file has a different layout
//   - [ErrCorrupt]: damaged superblock
//   - syscall errors: open/mmap/write failures
func OpenWriter(opts Options) (*Writer, error) {
	if !is64Bit {
		return nil, errors.New("swmr requires a 64-bit architecture")
	}

	if !isLittleEndian {
		return nil, errors.New("swmr requires a little-endian CPU (x86_64, arm64)")
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	lock, err := locker.TryLock(opts.Path + ".lock")
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("another writer is active: %w", ErrBusy)
		}

		return nil, fmt.Errorf("acquire writer lock: %w", err)
	}

	w, err := openWriterLocked(opts)
	if err != nil {
		_ = lock.Close()

		return nil, err
	}

	w.lock = lock

	return w, nil
}

// openWriterLocked does the open/create work; the caller holds the
// writer lock, so creation cannot race another writer.
func openWriterLocked(opts Options) (*Writer, error) {
	fd, err := syscall.Open(opts.Path, syscall.O_RDWR|syscall.O_CREAT, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	var stat syscall.Stat_t

	if err := syscall.Fstat(fd, &stat); err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("stat: %w", err)
	}

	var header swr1Header

	if stat.Size == 0 {
		opts = opts.withDefaults(false)

		header, err = initializeContainer(fd, opts)
	} else {
		opts = opts.withDefaults(true)

		header, err = readAndValidateHeader(fd)
		if err == nil {
			err = checkLayoutMatch(opts, header)
		}
	}

	if err != nil {
		_ = syscall.Close(fd)

		return nil, err
	}

	mdBytes := uint64(header.MetadataPages) * uint64(header.PageSize)

	md, err := mmapMetadata(fd, int(mdBytes), true)
	if err != nil {
		_ = syscall.Close(fd)

		return nil, err
	}

	return &Writer{
		fd:             fd,
		md:             md,
		path:           opts.Path,
		pageSize:       header.PageSize,
		metadataPages:  header.MetadataPages,
		entrySize:      header.EntrySize,
		recordCapacity: header.RecordCapacity,
		dirOffset:      header.DirOffset,
		mdBytes:        mdBytes,
		heapEnd:        header.HeapEnd,
	}, nil
}

// checkLayoutMatch rejects non-zero layout options that differ from
// an existing file's configuration.
func checkLayoutMatch(opts Options, header swr1Header) error {
	if opts.PageSize != 0 && uint32(opts.PageSize) != header.PageSize {
		return fmt.Errorf("page_size %d != file page_size %d: %w", opts.PageSize, header.PageSize, ErrIncompatible)
	}

	if opts.MetadataPages != 0 && uint32(opts.MetadataPages) != header.MetadataPages {
		return fmt.Errorf("md_pages %d != file md_pages %d: %w", opts.MetadataPages, header.MetadataPages, ErrIncompatible)
	}

	return nil
}

// initializeContainer writes a fresh metadata region into an empty
// file: superblock followed by a zeroed directory, synced before any
// reader can see a partial layout.
func initializeContainer(fd int, opts Options) (swr1Header, error) {
	if opts.MetadataPages < 1 {
		return swr1Header{}, fmt.Errorf("md_pages must be >= 1, got %d: %w", opts.MetadataPages, ErrInvalidInput)
	}

	header := newHeader(uint32(opts.PageSize), uint32(opts.MetadataPages))

	if header.RecordCapacity < 1 {
		return swr1Header{}, fmt.Errorf("metadata reservation too small for any record: %w", ErrInvalidInput)
	}

	mdBytes := int64(header.MetadataPages) * int64(header.PageSize)

	if err := syscall.Ftruncate(fd, mdBytes); err != nil {
		return swr1Header{}, fmt.Errorf("ftruncate metadata region: %w", err)
	}

	if err := pwriteFull(fd, encodeHeader(&header), 0); err != nil {
		return swr1Header{}, err
	}

	if err := syscall.Fsync(fd); err != nil {
		return swr1Header{}, fmt.Errorf("fsync: %w", err)
	}

	return header, nil
}

// Close publishes any outstanding metadata, releases the mapping and
// the writer lock. Idempotent.
func (w *Writer) Close() error {
	if w.isClosed {
		return nil
	}

	w.isClosed = true

	var errs []error

	if w.md != nil {
		if err := msyncRange(w.md, 0, len(w.md)); err != nil {
			errs = append(errs, err)
		}

		if err := munmapMetadata(w.md); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}

		w.md = nil
	}

	if w.fd >= 0 {
		if err := syscall.Close(w.fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}

		w.fd = -1
	}

	if w.lock != nil {
		if err := w.lock.Close(); err != nil {
			errs = append(errs, err)
		}

		w.lock = nil
	}

	return errors.Join(errs...)
}

// Tick returns the writer's current tick counter.
//
// Possible errors: [ErrClosed].
func (w *Writer) Tick() (uint64, error) {
	if w.isClosed {
		return 0, ErrClosed
	}

	return atomicLoadUint64(w.md[offTick:]), nil
}

// CreateRecord creates a new record with the given payload.
//
// Possible errors: [ErrExists], [ErrFull], [ErrInvalidInput],
// [ErrClosed], syscall errors.
func (w *Writer) CreateRecord(name string, payload []byte) error {
	return w.put(name, payload, false)
}

// UpdateRecord replaces the payload of an existing record. Covers
// both lengthening and shortening; the old heap frame stays intact
// for readers holding a stale resolved view.
//
// Possible errors: [ErrNotFound], [ErrInvalidInput], [ErrClosed],
// syscall errors.
func (w *Writer) UpdateRecord(name string, payload []byte) error {
	return w.put(name, payload, true)
}

func (w *Writer) put(name string, payload []byte, mustExist bool) error {
	if w.isClosed {
		return ErrClosed
	}

	if err := validateRecordName(name); err != nil {
		return err
	}

	if uint64(len(payload)) > maxRecordLen {
		return fmt.Errorf("payload %d bytes exceeds max %d: %w", len(payload), maxRecordLen, ErrInvalidInput)
	}

	nameBytes := []byte(name)
	hash := fnv1a64(nameBytes)

	slot, live := w.findEntry(nameBytes, hash)

	if live && !mustExist {
		return fmt.Errorf("record %q: %w", name, ErrExists)
	}

	if !live && mustExist {
		return fmt.Errorf("record %q: %w", name, ErrNotFound)
	}

	if !live {
		free, ok := w.findFreeSlot()
		if !ok {
			return fmt.Errorf("all %d directory entries used: %w", w.recordCapacity, ErrFull)
		}

		slot = free
	}

	ent := w.entry(slot)
	recordGen := readUint64(ent[entOffRecordGen:]) + 1

	// Append the new frame before publishing: readers can only reach
	// it through the directory entry committed below.
	frameOff := align8(w.heapEnd)

	frame := make([]byte, frameHeaderSize+len(payload))
	copy(frame, encodeFrameHeader(uint32(len(payload)), recordGen, hash))
	copy(frame[frmOffPayload:], payload)

	if err := pwriteFull(w.fd, frame, int64(frameOff)); err != nil {
		return err
	}

	newHeapEnd := frameOff + uint64(len(frame))
	wasLive := live

	return w.commit(func() {
		binary.LittleEndian.PutUint64(ent[entOffHeapOffset:], frameOff)
		binary.LittleEndian.PutUint64(ent[entOffLength:], uint64(len(payload)))
		binary.LittleEndian.PutUint64(ent[entOffRecordGen:], recordGen)
		binary.LittleEndian.PutUint64(ent[entOffNameHash:], hash)
		binary.LittleEndian.PutUint16(ent[entOffNameLen:], uint16(len(nameBytes)))

		nameField := ent[entOffName : entOffName+maxRecordNameLen]
		for i := range nameField {
			nameField[i] = 0
		}
		copy(nameField, nameBytes)

		atomicStoreUint64(ent[entOffMeta:], entMetaUsed)

		binary.LittleEndian.PutUint64(w.md[offHeapEnd:], newHeapEnd)

		if !wasLive {
			live := readUint64(w.md[offLiveCount:])
			binary.LittleEndian.PutUint64(w.md[offLiveCount:], live+1)
		}
	}, func() {
		w.heapEnd = newHeapEnd
	})
}

// DeleteRecord removes the named record. The heap frame is not
// reclaimed (append-only heap); only the directory entry dies.
//
// Possible errors: [ErrNotFound], [ErrInvalidInput], [ErrClosed],
// syscall errors.
func (w *Writer) DeleteRecord(name string) error {
	if w.isClosed {
		return ErrClosed
	}

	if err := validateRecordName(name); err != nil {
		return err
	}

	nameBytes := []byte(name)

	slot, live := w.findEntry(nameBytes, fnv1a64(nameBytes))
	if !live {
		return fmt.Errorf("record %q: %w", name, ErrNotFound)
	}

	ent := w.entry(slot)

	return w.commit(func() {
		atomicStoreUint64(ent[entOffMeta:], 0)

		live := readUint64(w.md[offLiveCount:])
		binary.LittleEndian.PutUint64(w.md[offLiveCount:], live-1)
	}, nil)
}

// AdvanceTick publishes an idle tick: the clock moves, nothing else
// changes. Harness writers call this while pacing a test scenario so
// reader lag budgets keep draining even without mutations.
//
// Possible errors: [ErrClosed], syscall errors.
func (w *Writer) AdvanceTick() error {
	if w.isClosed {
		return ErrClosed
	}

	return w.commit(nil, nil)
}

// commit runs mutate inside a seqlock window and advances the tick.
//
// Publication order matters and each step is msync'd so a crash
// leaves either the old committed state or a detectable in-progress
// (odd) generation:
//
//  1. generation -> odd (readers start retrying)
//  2. directory/superblock mutations
//  3. tick+1
//  4. generation -> even (readers see the new state)
//
// after is run once the commit is fully published (for writer-local
// bookkeeping).
func (w *Writer) commit(mutate func(), after func()) error {
	gen := atomicLoadUint64(w.md[offGeneration:])

	atomicStoreUint64(w.md[offGeneration:], gen+1)

	if err := msyncRange(w.md, 0, swr1HeaderSize); err != nil {
		return err
	}

	if mutate != nil {
		mutate()
	}

	tick := atomicLoadUint64(w.md[offTick:])
	atomicStoreUint64(w.md[offTick:], tick+1)

	if err := msyncRange(w.md, 0, len(w.md)); err != nil {
		return err
	}

	atomicStoreUint64(w.md[offGeneration:], gen+2)

	if err := msyncRange(w.md, 0, swr1HeaderSize); err != nil {
		return err
	}

	if after != nil {
		after()
	}

	return nil
}

// entry returns the byte slice of directory entry slot.
func (w *Writer) entry(slot uint64) []byte {
	off := w.dirOffset + slot*uint64(w.entrySize)

	return w.md[off : off+uint64(w.entrySize)]
}

// findEntry returns the slot holding a live entry for name, if any.
func (w *Writer) findEntry(name []byte, hash uint64) (uint64, bool) {
	for i := uint64(0); i < w.recordCapacity; i++ {
		ent := w.entry(i)

		if atomicLoadUint64(ent[entOffMeta:])&entMetaUsed == 0 {
			continue
		}

		if readUint64(ent[entOffNameHash:]) != hash {
			continue
		}

		nameLen := binary.LittleEndian.Uint16(ent[entOffNameLen:])
		if int(nameLen) == len(name) && string(ent[entOffName:entOffName+uint64(nameLen)]) == string(name) {
			return i, true
		}
	}

	return 0, false
}

// findFreeSlot returns the first unused directory slot.
func (w *Writer) findFreeSlot() (uint64, bool) {
	for i := uint64(0); i < w.recordCapacity; i++ {
		if atomicLoadUint64(w.entry(i)[entOffMeta:])&entMetaUsed == 0 {
			return i, true
		}
	}

	return 0, false
}
