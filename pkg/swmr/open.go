package swmr

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Options configure opening a container file.
type Options struct {
	// Path is the filesystem path to the container file.
	//
	// Required. The writer also creates a lock file at Path+".lock".
	Path string

	// TickLen is the wall-clock length of one writer tick.
	//
	// The reader sleeps one TickLen between retry attempts; the writer
	// advances its tick counter once per commit. Default 100ms.
	TickLen time.Duration

	// MaxLag is the number of ticks a reader's view may trail the
	// writer before a read gives up. The retry budget is MaxLag+1
	// attempts, one per tick. Default 5.
	MaxLag uint64

	// PageSize is the cache page size in bytes. Must be a power of two
	// in [512, 16MiB]. Fixed at creation time; readers opening an
	// existing file may leave it zero to adopt the file's value.
	// Default 4096.
	PageSize int

	// MetadataPages is the number of pages reserved for the superblock
	// and record directory. Fixed at creation time; determines record
	// capacity. Readers may leave it zero to adopt the file's value.
	// Default 4.
	MetadataPages int
}

// Default configuration values.
const (
	defaultTickLen       = 100 * time.Millisecond
	defaultMaxLag        = 5
	defaultPageSize      = 4096
	defaultMetadataPages = 4
)

// withDefaults returns a copy of opts with zero fields defaulted.
//
// PageSize and MetadataPages stay zero when adoptLayout is true so an
// existing file's layout wins; the writer path always defaults them.
func (o Options) withDefaults(adoptLayout bool) Options {
	if o.TickLen == 0 {
		o.TickLen = defaultTickLen
	}

	if o.MaxLag == 0 {
		o.MaxLag = defaultMaxLag
	}

	if !adoptLayout {
		if o.PageSize == 0 {
			o.PageSize = defaultPageSize
		}

		if o.MetadataPages == 0 {
			o.MetadataPages = defaultMetadataPages
		}
	}

	return o
}

// validate checks option values that are independent of the file.
func (o Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if o.TickLen < 0 {
		return fmt.Errorf("tick_len must be >= 0, got %s: %w", o.TickLen, ErrInvalidInput)
	}

	if o.PageSize != 0 {
		if o.PageSize < minPageSize || o.PageSize > maxPageSize {
			return fmt.Errorf("page_size %d outside [%d, %d]: %w", o.PageSize, minPageSize, maxPageSize, ErrInvalidInput)
		}

		if o.PageSize&(o.PageSize-1) != 0 {
			return fmt.Errorf("page_size %d is not a power of two: %w", o.PageSize, ErrInvalidInput)
		}
	}

	if o.MetadataPages < 0 || o.MetadataPages > maxMetadataPages {
		return fmt.Errorf("md_pages %d outside [0, %d]: %w", o.MetadataPages, maxMetadataPages, ErrInvalidInput)
	}

	return nil
}

// File is a read-only handle to an open container file.
//
// All methods are safe for concurrent use by multiple goroutines.
// A File must be obtained via [Open]; the zero value is not usable.
//
// If the writer commits while a read is in progress, the read detects
// the torn state and retries on the next tick boundary. If retries
// are exhausted, [ErrExhausted] is returned.
type File struct {
	_ [0]func() // prevent external construction

	// mu protects isClosed. RWMutex because isClosed is read on every
	// operation but written only on Close.
	mu       sync.RWMutex
	isClosed bool

	fd   int
	md   []byte // mmap'd metadata prefix (read-only)
	path string

	// Cached immutable config from the superblock.
	pageSize       uint32
	metadataPages  uint32
	entrySize      uint32
	recordCapacity uint64
	dirOffset      uint64
	mdBytes        uint64 // metadataPages * pageSize

	// Retry policy.
	tickLen time.Duration
	maxLag  uint64

	pages *pageCache

	// lastGen is the last seqlock generation this handle observed.
	// A newer generation means the writer committed; cached heap
	// pages from before the commit are dropped.
	lastGen atomic.Uint64

	// oobCaught counts recoverable out-of-bounds conditions this
	// handle classified and retried.
	oobCaught atomic.Uint64
}

// Open opens an existing container file read-only.
//
// If opts leave PageSize/MetadataPages zero, the file's own layout is
// adopted; non-zero values must match the file or [ErrIncompatible]
// is returned.
//
// Possible errors:
//   - [ErrInvalidInput]: invalid options
//   - [ErrIncompatible]: format version or layout mismatch
//   - [ErrCorrupt]: damaged superblock
//   - syscall errors: open/stat/mmap failures
func Open(opts Options) (*File, error) {
	// 64-bit, little-endian required: the cross-process seqlock uses
	// atomic 64-bit ops on the mmap'd generation field in native byte
	// order, and the format stores all integers little-endian.
	if !is64Bit {
		return nil, errors.New("swmr requires a 64-bit architecture")
	}

	if !isLittleEndian {
		return nil, errors.New("swmr requires a little-endian CPU (x86_64, arm64)")
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	opts = opts.withDefaults(true)

	fd, err := syscall.Open(opts.Path, syscall.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}

	header, err := readAndValidateHeader(fd)
	if err != nil {
		_ = syscall.Close(fd)

		return nil, err
	}

	if opts.PageSize != 0 && uint32(opts.PageSize) != header.PageSize {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("page_size %d != file page_size %d: %w", opts.PageSize, header.PageSize, ErrIncompatible)
	}

	if opts.MetadataPages != 0 && uint32(opts.MetadataPages) != header.MetadataPages {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("md_pages %d != file md_pages %d: %w", opts.MetadataPages, header.MetadataPages, ErrIncompatible)
	}

	mdBytes := uint64(header.MetadataPages) * uint64(header.PageSize)

	md, err := mmapMetadata(fd, int(mdBytes), false)
	if err != nil {
		_ = syscall.Close(fd)

		return nil, err
	}

	f := &File{
		fd:             fd,
		md:             md,
		path:           opts.Path,
		pageSize:       header.PageSize,
		metadataPages:  header.MetadataPages,
		entrySize:      header.EntrySize,
		recordCapacity: header.RecordCapacity,
		dirOffset:      header.DirOffset,
		mdBytes:        mdBytes,
		tickLen:        opts.TickLen,
		maxLag:         opts.MaxLag,
		pages:          newPageCache(fd, int(header.PageSize)),
	}

	f.lastGen.Store(header.Generation)

	return f, nil
}

// readAndValidateHeader preads and structurally validates the
// superblock. Shared by [Open] and [OpenWriter].
func readAndValidateHeader(fd int) (swr1Header, error) {
	var stat syscall.Stat_t

	err := syscall.Fstat(fd, &stat)
	if err != nil {
		return swr1Header{}, fmt.Errorf("stat: %w", err)
	}

	if stat.Size < swr1HeaderSize {
		return swr1Header{}, fmt.Errorf("file size %d < superblock size %d: %w", stat.Size, swr1HeaderSize, ErrCorrupt)
	}

	buf := make([]byte, swr1HeaderSize)

	n, err := preadFull(fd, buf, 0)
	if err != nil {
		return swr1Header{}, err
	}

	if n != swr1HeaderSize {
		return swr1Header{}, fmt.Errorf("short superblock read (%d bytes): %w", n, ErrCorrupt)
	}

	header := decodeHeader(buf)

	if header.Magic != [4]byte{'S', 'W', 'R', '1'} {
		return swr1Header{}, fmt.Errorf("bad magic %q: %w", header.Magic[:], ErrCorrupt)
	}

	if header.Version != swr1Version {
		return swr1Header{}, fmt.Errorf("format version %d not supported: %w", header.Version, ErrIncompatible)
	}

	if header.HeaderSize != swr1HeaderSize || header.EntrySize != swr1EntrySize {
		return swr1Header{}, fmt.Errorf("header_size %d / entry_size %d not recognized: %w", header.HeaderSize, header.EntrySize, ErrIncompatible)
	}

	if !validateConfigCRC(buf) {
		return swr1Header{}, fmt.Errorf("config CRC mismatch: %w", ErrCorrupt)
	}

	if hasReservedBytesSet(buf) {
		return swr1Header{}, fmt.Errorf("reserved superblock bytes set: %w", ErrCorrupt)
	}

	ps := uint64(header.PageSize)
	if ps < minPageSize || ps > maxPageSize || ps&(ps-1) != 0 {
		return swr1Header{}, fmt.Errorf("page_size %d invalid: %w", header.PageSize, ErrCorrupt)
	}

	if header.MetadataPages < 1 || header.MetadataPages > maxMetadataPages {
		return swr1Header{}, fmt.Errorf("md_pages %d invalid: %w", header.MetadataPages, ErrCorrupt)
	}

	mdBytes := uint64(header.MetadataPages) * ps

	if header.DirOffset != swr1HeaderSize {
		return swr1Header{}, fmt.Errorf("dir_offset %d invalid: %w", header.DirOffset, ErrCorrupt)
	}

	wantCapacity := (mdBytes - swr1HeaderSize) / swr1EntrySize
	if header.RecordCapacity != wantCapacity {
		return swr1Header{}, fmt.Errorf("record_capacity %d != derived %d: %w", header.RecordCapacity, wantCapacity, ErrCorrupt)
	}

	if header.RecordCapacity < 1 {
		return swr1Header{}, fmt.Errorf("metadata reservation too small for any record: %w", ErrCorrupt)
	}

	// Mutable fields are only trustworthy under a stable even
	// generation; a commit may be in flight while we pread.
	if header.Generation%2 == 0 && header.HeapEnd < mdBytes {
		return swr1Header{}, fmt.Errorf("heap_end %d inside metadata region %d: %w", header.HeapEnd, mdBytes, ErrCorrupt)
	}

	if header.State != stateNormal {
		return swr1Header{}, fmt.Errorf("state %d not recognized: %w", header.State, ErrCorrupt)
	}

	return header, nil
}

// Close releases the mapping, the file descriptor and all cached
// pages. It waits for in-flight read attempts to finish before
// unmapping; a read that is sleeping between attempts observes the
// closed handle on its next attempt.
//
// After Close, all other methods return [ErrClosed].
// Close is idempotent; subsequent calls are no-ops.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.isClosed {
		return nil
	}

	f.isClosed = true

	_ = munmapMetadata(f.md)
	f.md = nil

	f.pages.drop()

	if f.fd >= 0 {
		_ = syscall.Close(f.fd)
		f.fd = -1
	}

	return nil
}

// closed reports whether the handle has been closed.
func (f *File) closed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.isClosed
}

// OutOfBoundsCaught returns how many recoverable out-of-bounds
// conditions this handle has classified and retried. Useful for
// harnesses that want to assert the trap actually fired.
func (f *File) OutOfBoundsCaught() uint64 {
	return f.oobCaught.Load()
}

// Info is a point-in-time snapshot of container state.
type Info struct {
	PageSize       int
	MetadataPages  int
	RecordCapacity uint64
	Tick           uint64
	Generation     uint64
	HeapEnd        uint64
	LiveCount      uint64
}

// Info returns a snapshot of the container's superblock taken under a
// stable seqlock generation.
//
// Possible errors: [ErrClosed], [ErrExhausted].
func (f *File) Info() (Info, error) {
	// Held across the snapshot so a concurrent Close cannot unmap the
	// superblock mid-read.
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.isClosed {
		return Info{}, ErrClosed
	}

	for attempt := 0; attempt < snapshotMaxRetries; attempt++ {
		snapshotBackoff(attempt)

		g1 := atomicLoadUint64(f.md[offGeneration:])
		if g1%2 == 1 {
			continue
		}

		info := Info{
			PageSize:       int(f.pageSize),
			MetadataPages:  int(f.metadataPages),
			RecordCapacity: f.recordCapacity,
			Tick:           atomicLoadUint64(f.md[offTick:]),
			Generation:     g1,
			HeapEnd:        readUint64(f.md[offHeapEnd:]),
			LiveCount:      readUint64(f.md[offLiveCount:]),
		}

		g2 := atomicLoadUint64(f.md[offGeneration:])
		if g1 == g2 {
			return info, nil
		}
	}

	return Info{}, fmt.Errorf("superblock snapshot: %w", ErrExhausted)
}
