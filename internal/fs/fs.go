// Package fs provides the filesystem abstractions used by the swmr
// container: an [FS] interface over the os package with atomic
// publish-by-rename writes, and a flock-based [Locker] for writer
// exclusion.
//
// The interfaces exist so tests can substitute failing filesystems;
// production code uses [Real].
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// Satisfied by [os.File]. Implementations must return a real OS file
// descriptor from [File.Fd] usable with syscalls (flock, pread, mmap)
// until the file is closed, and must be safe for concurrent use.
type File interface {
	io.ReadWriteCloser
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the filesystem operations the swmr container needs.
//
// All methods mirror their [os] package equivalents. Paths use OS
// semantics, not the slash-separated paths of io/fs.
//
// Implementations must be safe for concurrent use.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions.
	// See [os.OpenFile].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomic writes data to path atomically: the bytes land in
	// a temp file that is renamed over path, so concurrent readers see
	// either the old content or the new content, never a partial write.
	WriteFileAtomic(path string, data []byte) error

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error

	// Rename moves/renames a file. Atomic on the same filesystem.
	// See [os.Rename].
	Rename(oldpath, newpath string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
