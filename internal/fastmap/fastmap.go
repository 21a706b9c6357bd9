// Package fastmap provides a fast hash map for integer keys.
// Uses fibonacci hashing for better distribution of sequential keys.
package fastmap

import "unsafe"

// Uint32Map is a fast hash map from uint32 to unsafe.Pointer.
// Uses open addressing with linear probing, fibonacci hashing and
// tombstone deletion.
type Uint32Map struct {
	buckets []bucket
	count   int // live entries
	filled  int // live entries + tombstones
	mask    uint32
}

type bucket struct {
	key   uint32
	value unsafe.Pointer
	state uint8 // 0 = empty, 1 = used, 2 = tombstone
}

const (
	bucketEmpty = iota
	bucketUsed
	bucketDead
)

// Fibonacci hash constant: 2^32 / golden ratio
const fibHash32 = 2654435769

// hash computes a fast hash using fibonacci hashing
func (m *Uint32Map) hash(key uint32) uint32 {
	return key * fibHash32
}

// Get returns the value for the given key, or nil if not found.
func (m *Uint32Map) Get(key uint32) unsafe.Pointer {
	if len(m.buckets) == 0 {
		return nil
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if b.state == bucketEmpty {
			return nil
		}
		if b.state == bucketUsed && b.key == key {
			return b.value
		}
		idx = (idx + 1) & m.mask
	}
}

// Set stores a key-value pair.
func (m *Uint32Map) Set(key uint32, value unsafe.Pointer) {
	if len(m.buckets) == 0 {
		m.buckets = make([]bucket, 16)
		m.mask = 15
	} else if m.filled >= len(m.buckets)*3/4 {
		m.grow()
	}

	idx := m.hash(key) & m.mask
	reuse := -1
	for {
		b := &m.buckets[idx]
		if b.state == bucketEmpty {
			if reuse >= 0 {
				b = &m.buckets[reuse]
			} else {
				m.filled++
			}
			b.key = key
			b.value = value
			b.state = bucketUsed
			m.count++
			return
		}
		if b.state == bucketDead && reuse < 0 {
			reuse = int(idx)
		}
		if b.state == bucketUsed && b.key == key {
			b.value = value
			return
		}
		idx = (idx + 1) & m.mask
	}
}

// Delete removes a key. Returns true if the key was present.
func (m *Uint32Map) Delete(key uint32) bool {
	if len(m.buckets) == 0 {
		return false
	}
	idx := m.hash(key) & m.mask
	for {
		b := &m.buckets[idx]
		if b.state == bucketEmpty {
			return false
		}
		if b.state == bucketUsed && b.key == key {
			b.value = nil
			b.state = bucketDead
			m.count--
			return true
		}
		idx = (idx + 1) & m.mask
	}
}

// grow doubles the hash table size and drops tombstones.
func (m *Uint32Map) grow() {
	oldBuckets := m.buckets
	newSize := len(oldBuckets) * 2
	m.buckets = make([]bucket, newSize)
	m.mask = uint32(newSize - 1)
	m.count = 0
	m.filled = 0

	for i := range oldBuckets {
		if oldBuckets[i].state == bucketUsed {
			m.Set(oldBuckets[i].key, oldBuckets[i].value)
		}
	}
}

// ForEach iterates over all key-value pairs.
func (m *Uint32Map) ForEach(fn func(uint32, unsafe.Pointer)) {
	for i := range m.buckets {
		if m.buckets[i].state == bucketUsed {
			fn(m.buckets[i].key, m.buckets[i].value)
		}
	}
}

// Clear removes all entries but keeps the backing array.
func (m *Uint32Map) Clear() {
	clear(m.buckets)
	m.count = 0
	m.filled = 0
}

// Len returns the number of entries.
func (m *Uint32Map) Len() int {
	return m.count
}
