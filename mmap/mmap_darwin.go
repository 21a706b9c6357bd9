//go:build darwin

package mmap

import "syscall"

// tryMremap is not available on Darwin; callers fall back to map-and-copy.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	return nil, syscall.ENOTSUP
}
