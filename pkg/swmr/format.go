package swmr

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"unsafe"
)

// isLittleEndian is true if the CPU uses little-endian byte order.
// Computed once at package init time.
var isLittleEndian = func() bool {
	var x uint32 = 0x04030201

	return *(*byte)(unsafe.Pointer(&x)) == 0x01
}()

// is64Bit is true if the architecture has 64-bit pointers.
// Required for atomic 64-bit operations on the shared mapping.
var is64Bit = unsafe.Sizeof(uintptr(0)) >= 8

// SWR1 container format constants.
const (
	// File format version.
	swr1Version = 1

	// Fixed superblock size in bytes. The superblock occupies the
	// start of the first metadata page.
	swr1HeaderSize = 256

	// Fixed directory entry size in bytes.
	swr1EntrySize = 96

	// Heap frame header size: magic(4) + length(4) + record
	// generation(8) + name hash(8).
	frameHeaderSize = 24

	// Heap frame magic ("HRF1" little-endian).
	frameMagic uint32 = 0x31465248
)

// Implementation limits.
const (
	// maxRecordNameLen is bounded by the fixed directory entry layout:
	// entry size minus meta, offset, length, generation, hash and
	// name-length fields.
	maxRecordNameLen = swr1EntrySize - 0x2A

	// maxRecordLen bounds a single record payload (1 GiB).
	maxRecordLen = 1 << 30

	// minPageSize matches the smallest sector size worth caching.
	minPageSize = 512

	// maxPageSize keeps a single cached page allocation sane (16 MiB).
	maxPageSize = 1 << 24

	// maxMetadataPages bounds the mmap'd metadata prefix.
	maxMetadataPages = 1 << 16
)

// FNV-1a 64-bit hash constants.
const (
	fnv1aOffsetBasis uint64 = 14695981039346656037
	fnv1aPrime       uint64 = 1099511628211
)

// fnv1a64 computes the FNV-1a 64-bit hash over name bytes.
func fnv1a64(name []byte) uint64 {
	hash := fnv1aOffsetBasis
	for _, b := range name {
		hash ^= uint64(b)
		hash *= fnv1aPrime
	}

	return hash
}

// Superblock field offsets (bytes from file start).
//
// The layout splits into an immutable config region [0x000, 0x030)
// covered by the CRC, and a mutable region the writer republishes on
// every commit. Tick and generation sit at 8-aligned offsets because
// they are accessed with atomic 64-bit loads/stores.
const (
	offMagic          = 0x000 // [4]byte
	offVersion        = 0x004 // uint32
	offHeaderSize     = 0x008 // uint32
	offPageSize       = 0x00C // uint32
	offMetadataPages  = 0x010 // uint32
	offEntrySize      = 0x014 // uint32
	offRecordCapacity = 0x018 // uint64
	offDirOffset      = 0x020 // uint64
	offConfigCRC32C   = 0x028 // uint32
	offState          = 0x02C // uint32
	offTick           = 0x030 // uint64 (atomic)
	offGeneration     = 0x038 // uint64 (atomic, seqlock)
	offHeapEnd        = 0x040 // uint64
	offLiveCount      = 0x048 // uint64
	offReservedStart  = 0x050 // reserved bytes through 0x0FF
)

// configCRCEnd is the end of the CRC-covered immutable config region.
const configCRCEnd = 0x030

// Container state values (stored at offState).
const (
	stateNormal uint32 = 0
)

// Directory entry field offsets (bytes from entry start).
const (
	entOffMeta       = 0x00 // uint64 (atomic, bit0 = USED)
	entOffHeapOffset = 0x08 // uint64
	entOffLength     = 0x10 // uint64
	entOffRecordGen  = 0x18 // uint64
	entOffNameHash   = 0x20 // uint64
	entOffNameLen    = 0x28 // uint16
	entOffName       = 0x2A // [maxRecordNameLen]byte, NUL padded
)

// Directory entry meta bit flags.
const (
	// entMetaUsed indicates a live (non-deleted) entry.
	entMetaUsed uint64 = 1 << 0

	// entMetaReservedMask covers bits that MUST be zero in v1. A set
	// reserved bit under a stable even generation is corruption.
	entMetaReservedMask = ^entMetaUsed
)

// Heap frame field offsets (bytes from frame start).
const (
	frmOffMagic     = 0x00 // uint32
	frmOffLength    = 0x04 // uint32
	frmOffRecordGen = 0x08 // uint64
	frmOffNameHash  = 0x10 // uint64
	frmOffPayload   = frameHeaderSize
)

// swr1Header represents the decoded superblock.
type swr1Header struct {
	Magic          [4]byte
	Version        uint32
	HeaderSize     uint32
	PageSize       uint32
	MetadataPages  uint32
	EntrySize      uint32
	RecordCapacity uint64
	DirOffset      uint64
	ConfigCRC32C   uint32
	State          uint32
	Tick           uint64
	Generation     uint64
	HeapEnd        uint64
	LiveCount      uint64
	// Reserved bytes from 0x050 to 0x0FF MUST be zero.
}

// encodeHeader serializes the superblock to a 256-byte slice.
// The config CRC is computed and stored in the output.
func encodeHeader(header *swr1Header) []byte {
	buf := make([]byte, swr1HeaderSize)

	copy(buf[offMagic:], header.Magic[:])
	binary.LittleEndian.PutUint32(buf[offVersion:], header.Version)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], header.HeaderSize)
	binary.LittleEndian.PutUint32(buf[offPageSize:], header.PageSize)
	binary.LittleEndian.PutUint32(buf[offMetadataPages:], header.MetadataPages)
	binary.LittleEndian.PutUint32(buf[offEntrySize:], header.EntrySize)
	binary.LittleEndian.PutUint64(buf[offRecordCapacity:], header.RecordCapacity)
	binary.LittleEndian.PutUint64(buf[offDirOffset:], header.DirOffset)

	crc := computeConfigCRC(buf)
	binary.LittleEndian.PutUint32(buf[offConfigCRC32C:], crc)

	binary.LittleEndian.PutUint32(buf[offState:], header.State)
	binary.LittleEndian.PutUint64(buf[offTick:], header.Tick)
	binary.LittleEndian.PutUint64(buf[offGeneration:], header.Generation)
	binary.LittleEndian.PutUint64(buf[offHeapEnd:], header.HeapEnd)
	binary.LittleEndian.PutUint64(buf[offLiveCount:], header.LiveCount)

	return buf
}

// decodeHeader deserializes a 256-byte superblock buffer.
func decodeHeader(buf []byte) swr1Header {
	var header swr1Header

	copy(header.Magic[:], buf[offMagic:offMagic+4])
	header.Version = binary.LittleEndian.Uint32(buf[offVersion:])
	header.HeaderSize = binary.LittleEndian.Uint32(buf[offHeaderSize:])
	header.PageSize = binary.LittleEndian.Uint32(buf[offPageSize:])
	header.MetadataPages = binary.LittleEndian.Uint32(buf[offMetadataPages:])
	header.EntrySize = binary.LittleEndian.Uint32(buf[offEntrySize:])
	header.RecordCapacity = binary.LittleEndian.Uint64(buf[offRecordCapacity:])
	header.DirOffset = binary.LittleEndian.Uint64(buf[offDirOffset:])
	header.ConfigCRC32C = binary.LittleEndian.Uint32(buf[offConfigCRC32C:])
	header.State = binary.LittleEndian.Uint32(buf[offState:])
	header.Tick = binary.LittleEndian.Uint64(buf[offTick:])
	header.Generation = binary.LittleEndian.Uint64(buf[offGeneration:])
	header.HeapEnd = binary.LittleEndian.Uint64(buf[offHeapEnd:])
	header.LiveCount = binary.LittleEndian.Uint64(buf[offLiveCount:])

	return header
}

// computeConfigCRC calculates the CRC32-C checksum of the immutable
// config region with the crc field treated as zero.
//
// Mutable fields (tick, generation, heap end, live count) are outside
// the covered region so commits never need to recompute the CRC.
func computeConfigCRC(buf []byte) uint32 {
	tmp := make([]byte, configCRCEnd)
	copy(tmp, buf[:configCRCEnd])

	// Zero crc field (4 bytes at offConfigCRC32C).
	for i := offConfigCRC32C; i < offConfigCRC32C+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crc32.MakeTable(crc32.Castagnoli))
}

// validateConfigCRC checks if the stored CRC matches the computed CRC.
func validateConfigCRC(buf []byte) bool {
	storedCRC := binary.LittleEndian.Uint32(buf[offConfigCRC32C:])

	return storedCRC == computeConfigCRC(buf)
}

// hasReservedBytesSet checks if any reserved tail bytes are non-zero.
func hasReservedBytesSet(buf []byte) bool {
	for i := offReservedStart; i < swr1HeaderSize; i++ {
		if buf[i] != 0 {
			return true
		}
	}

	return false
}

// newHeader creates a superblock for a new container file.
func newHeader(pageSize, metadataPages uint32) swr1Header {
	mdBytes := uint64(metadataPages) * uint64(pageSize)

	return swr1Header{
		Magic:          [4]byte{'S', 'W', 'R', '1'},
		Version:        swr1Version,
		HeaderSize:     swr1HeaderSize,
		PageSize:       pageSize,
		MetadataPages:  metadataPages,
		EntrySize:      swr1EntrySize,
		RecordCapacity: (mdBytes - swr1HeaderSize) / swr1EntrySize,
		DirOffset:      swr1HeaderSize,
		ConfigCRC32C:   0, // computed during encode
		State:          stateNormal,
		Tick:           0,
		Generation:     0, // even = stable
		HeapEnd:        mdBytes,
		LiveCount:      0,
	}
}

// encodeFrameHeader serializes a heap frame header.
func encodeFrameHeader(length uint32, recordGen, nameHash uint64) []byte {
	buf := make([]byte, frameHeaderSize)

	binary.LittleEndian.PutUint32(buf[frmOffMagic:], frameMagic)
	binary.LittleEndian.PutUint32(buf[frmOffLength:], length)
	binary.LittleEndian.PutUint64(buf[frmOffRecordGen:], recordGen)
	binary.LittleEndian.PutUint64(buf[frmOffNameHash:], nameHash)

	return buf
}

// align8 rounds x up to the next multiple of 8.
//
// Heap frames start at 8-aligned offsets so the frame header fields
// stay naturally aligned.
func align8(x uint64) uint64 {
	return (x + 7) &^ 7
}

// atomicLoadUint64 performs an atomic 64-bit load from an
// 8-byte-aligned position in the mapping. The cross-process seqlock
// requires the generation (and tick) reads to be single atomic loads;
// Go's sync/atomic gives sequential consistency, which is stronger
// than the acquire semantics the protocol needs.
//
// Preconditions:
//   - buf must be at least 8 bytes
//   - buf[0] must be 8-byte aligned (the SWR1 layout places tick and
//     generation at 8-aligned superblock offsets, and the mapping
//     starts at the file's first byte)
func atomicLoadUint64(buf []byte) uint64 {
	// Bounds check.
	_ = buf[7]

	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[0])))
}

// atomicStoreUint64 performs an atomic 64-bit store to an
// 8-byte-aligned position in the mapping. Same preconditions as
// [atomicLoadUint64]; the store publishes with release semantics so
// readers that observe the new generation also observe all prior
// directory writes.
func atomicStoreUint64(buf []byte, val uint64) {
	// Bounds check.
	_ = buf[7]

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&buf[0])), val)
}
