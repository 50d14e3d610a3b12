// Package mmap provides memory-mapped file I/O with advisory locking.
package mmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked is returned when the file's advisory lock is held by another
// opener.
var ErrLocked = errors.New("mmap: file is locked")

// File is a file mapped read-only into memory. Writes go through the file
// descriptor (WriteAt); the mapping observes them because it is MAP_SHARED.
type File struct {
	file *os.File
	data []byte
	size int64
}

// Open opens or creates the file at path, acquires an exclusive advisory
// lock on it, and maps at least mapSize bytes read-only.
//
// The lock is non-blocking: if another opener holds it, Open fails with
// ErrLocked. The mapping may extend past the end of the file; bytes beyond
// EOF must not be accessed until the file has grown to cover them.
func Open(path string, mapSize int64) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > mapSize {
		mapSize = info.Size()
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(mapSize),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap: %w", err)
	}

	return &File{
		file: file,
		data: data,
		size: mapSize,
	}, nil
}

// Close unmaps the file, releases the advisory lock, and closes the
// descriptor.
func (f *File) Close() error {
	if f.data != nil {
		if err := unix.Munmap(f.data); err != nil {
			return fmt.Errorf("failed to munmap: %w", err)
		}
		f.data = nil
	}
	if f.file != nil {
		// Closing the descriptor releases the flock.
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("failed to close file: %w", err)
		}
		f.file = nil
	}
	return nil
}

// Sync flushes written data to stable storage (fsync on the descriptor).
func (f *File) Sync() error {
	if f.file == nil {
		return fmt.Errorf("mmap is closed")
	}
	return f.file.Sync()
}

// Size returns the current mapped size.
func (f *File) Size() int64 {
	return f.size
}

// FileSize returns the current size of the underlying file.
func (f *File) FileSize() (int64, error) {
	if f.file == nil {
		return 0, fmt.Errorf("mmap is closed")
	}
	info, err := f.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	return info.Size(), nil
}

// Slice returns a slice of the mapped memory.
// Returns nil if the range is invalid.
func (f *File) Slice(offset, length int64) []byte {
	if f.data == nil {
		return nil
	}
	if offset < 0 || length < 0 || offset+length > f.size {
		return nil
	}
	return f.data[offset : offset+length]
}

// WriteAt writes data through the file descriptor at the given offset,
// extending the file if needed.
func (f *File) WriteAt(b []byte, offset int64) error {
	if f.file == nil {
		return fmt.Errorf("mmap is closed")
	}
	n, err := f.file.WriteAt(b, offset)
	if err != nil {
		return fmt.Errorf("failed to write at %d: %w", offset, err)
	}
	if n != len(b) {
		return fmt.Errorf("short write at %d: %d of %d bytes", offset, n, len(b))
	}
	return nil
}

// ReadAt reads through the file descriptor, bypassing the mapping. Used for
// probing headers before the mapping geometry is known.
func (f *File) ReadAt(b []byte, offset int64) (int, error) {
	if f.file == nil {
		return 0, fmt.Errorf("mmap is closed")
	}
	return f.file.ReadAt(b, offset)
}

// Truncate grows the underlying file to size bytes. It never shrinks.
func (f *File) Truncate(size int64) error {
	if f.file == nil {
		return fmt.Errorf("mmap is closed")
	}
	info, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() >= size {
		return nil
	}
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to extend file: %w", err)
	}
	return nil
}

// Grow remaps the file with a larger mapping.
// This invalidates any previously returned slices.
func (f *File) Grow(newSize int64) error {
	if newSize <= f.size {
		return nil // No need to grow
	}

	if err := unix.Munmap(f.data); err != nil {
		return fmt.Errorf("failed to munmap during grow: %w", err)
	}

	data, err := unix.Mmap(int(f.file.Fd()), 0, int(newSize),
		unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to remap during grow: %w", err)
	}

	f.data = data
	f.size = newSize
	return nil
}
