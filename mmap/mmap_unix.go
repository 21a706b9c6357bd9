//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// New creates a new anonymous, private, read-write mapping of the given
// length. The memory is zero-filled by the kernel.
func New(length int) (*Map, error) {
	if length <= 0 {
		return nil, ErrInvalidSize
	}

	data, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, &Error{Op: "mmap", Err: err}
	}

	return &Map{
		data: data,
		size: int64(length),
	}, nil
}

// Close releases the memory mapping.
func (m *Map) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	return err
}

// Grow extends the mapping to newSize bytes. Existing contents are
// preserved; the extension is zero-filled. On platforms without mremap
// the region is remapped, so callers must not retain slices across Grow.
func (m *Map) Grow(newSize int64) error {
	if m.data == nil {
		return ErrNotMapped
	}

	if newSize <= 0 {
		return ErrInvalidSize
	}

	if newSize <= m.size {
		return nil
	}

	// Try mremap on Linux
	newData, err := m.tryMremap(int(newSize))
	if err == nil {
		m.data = newData
		m.size = newSize
		return nil
	}

	// Fallback: map a fresh region and copy
	fresh, err := unix.Mmap(-1, 0, int(newSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return &Error{Op: "mmap for grow", Err: err}
	}

	copy(fresh, m.data)
	if err := unix.Munmap(m.data); err != nil {
		_ = unix.Munmap(fresh)
		return &Error{Op: "munmap for grow", Err: err}
	}

	m.data = fresh
	m.size = newSize
	return nil
}

// Advise provides hints to the kernel about memory usage patterns.
func (m *Map) Advise(advice int) error {
	if m.data == nil {
		return ErrNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// AdviseRandom hints that pages will be accessed randomly.
func (m *Map) AdviseRandom() error {
	return m.Advise(unix.MADV_RANDOM)
}

// AdviseDontNeed hints that pages won't be needed soon.
func (m *Map) AdviseDontNeed() error {
	return m.Advise(unix.MADV_DONTNEED)
}
