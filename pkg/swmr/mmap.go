package swmr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sysPageSize is the OS page size, used for aligning msync ranges.
var sysPageSize = unix.Getpagesize()

// mmapMetadata maps the fixed-size metadata prefix of the container.
//
// The prefix (superblock + record directory) never grows, which is
// what makes a shared mapping safe: heap growth past the prefix never
// invalidates it.
func mmapMetadata(fd int, length int, writable bool) ([]byte, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(fd, 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap metadata: %w", err)
	}

	return data, nil
}

// munmapMetadata unmaps a mapping returned by mmapMetadata.
func munmapMetadata(data []byte) error {
	if data == nil {
		return nil
	}

	return unix.Munmap(data)
}

// msyncRange performs a synchronous msync on the given byte range.
// The range is page-aligned automatically; macOS requires aligned
// ranges for msync.
func msyncRange(data []byte, offset, length int) error {
	if length <= 0 || offset < 0 || offset >= len(data) {
		return fmt.Errorf("msyncRange: bad range offset=%d length=%d: %w", offset, length, ErrInvalidInput)
	}

	if offset+length > len(data) {
		length = len(data) - offset
	}

	alignedStart := (offset / sysPageSize) * sysPageSize
	end := offset + length
	alignedEnd := min(((end+sysPageSize-1)/sysPageSize)*sysPageSize, len(data))

	err := unix.Msync(data[alignedStart:alignedEnd], unix.MS_SYNC)
	if err != nil {
		return fmt.Errorf("msync: %w", err)
	}

	return nil
}

// pwriteFull writes all of buf at off, retrying short writes and
// EINTR.
func pwriteFull(fd int, buf []byte, off int64) error {
	total := 0

	for total < len(buf) {
		n, err := unix.Pwrite(fd, buf[total:], off+int64(total))
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("pwrite at %d: %w", off+int64(total), err)
		}

		total += n
	}

	return nil
}

// preadFull reads exactly len(buf) bytes at off, retrying short reads.
// Returns the number of bytes actually read; a read past end-of-file
// returns short without error (the caller zero-fills).
func preadFull(fd int, buf []byte, off int64) (int, error) {
	total := 0

	for total < len(buf) {
		n, err := unix.Pread(fd, buf[total:], off+int64(total))
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return total, fmt.Errorf("pread at %d: %w", off+int64(total), err)
		}

		if n == 0 {
			// EOF.
			break
		}

		total += n
	}

	return total, nil
}
