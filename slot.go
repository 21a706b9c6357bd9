package zram

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// slot is one page of the device. The flags word packs the stored object
// size, the lock bit, the state flags and the idle-age counter; entry and
// element carry the payload. Everything except the lock bit itself is
// read and written with the lock bit held, so the non-CAS stores below
// cannot race with anything but lock acquisition attempts.
type slot struct {
	flags   atomic.Uint64
	entry   *entry // pool entry; nil for same-fill, written-back and empty slots
	element uint64 // same-fill word, or backing block index when flagWB is set
	acTime  int64  // unix nanos of last access; only under access tracking
}

// slotTable is the dense per-page descriptor array.
type slotTable struct {
	slots []slot
}

func newSlotTable(numPages uint64) *slotTable {
	return &slotTable{slots: make([]slot, numPages)}
}

func (t *slotTable) numSlots() uint32 {
	return uint32(len(t.slots))
}

// tryLock attempts one acquisition of the slot's spin bit.
func (t *slotTable) tryLock(index uint32) bool {
	s := &t.slots[index]
	old := s.flags.Load()
	if old&flagLock != 0 {
		return false
	}
	return s.flags.CompareAndSwap(old, old|flagLock)
}

// lock acquires the slot's spin bit, spinning with backoff.
func (t *slotTable) lock(index uint32) {
	sw := spin.Wait{}
	for !t.tryLock(index) {
		sw.Once()
	}
}

// unlock releases the slot's spin bit.
func (t *slotTable) unlock(index uint32) {
	t.slots[index].flags.And(^flagLock)
}

func (t *slotTable) testFlag(index uint32, flag uint64) bool {
	return t.slots[index].flags.Load()&flag != 0
}

func (t *slotTable) setFlag(index uint32, flag uint64) {
	t.slots[index].flags.Or(flag)
}

func (t *slotTable) clearFlag(index uint32, flag uint64) {
	t.slots[index].flags.And(^flag)
}

// size returns the stored object size, 0 when none.
func (t *slotTable) size(index uint32) int {
	return int(t.slots[index].flags.Load() & slotSizeMask)
}

// setSize stores the object size, preserving flags and idle counter.
func (t *slotTable) setSize(index uint32, size int) {
	s := &t.slots[index]
	f := s.flags.Load()
	s.flags.Store(f&^slotSizeMask | uint64(size))
}

func (t *slotTable) entryAt(index uint32) *entry {
	return t.slots[index].entry
}

func (t *slotTable) setEntry(index uint32, e *entry) {
	t.slots[index].entry = e
}

func (t *slotTable) element(index uint32) uint64 {
	return t.slots[index].element
}

func (t *slotTable) setElement(index uint32, element uint64) {
	t.slots[index].element = element
}

// idleCount returns the slot's idle-age counter.
func (t *slotTable) idleCount(index uint32) uint {
	return uint(t.slots[index].flags.Load() >> idleCountShift & idleCountMask)
}

func (t *slotTable) setIdleCount(index uint32, count uint) {
	s := &t.slots[index]
	f := s.flags.Load()
	s.flags.Store(f&^(idleCountMask<<idleCountShift) | uint64(count)<<idleCountShift)
}

func (t *slotTable) clearIdleCount(index uint32) {
	t.slots[index].flags.And(^(idleCountMask << idleCountShift))
}

// incIdleCount bumps the idle-age counter, saturating at wbIdleMax.
func (t *slotTable) incIdleCount(index uint32) {
	if count := t.idleCount(index); count < wbIdleMax {
		t.setIdleCount(index, count+1)
	}
}

// allocated reports whether the slot holds content in any form.
func (t *slotTable) allocated(index uint32) bool {
	return t.size(index) > 0 ||
		t.testFlag(index, flagSame) ||
		t.testFlag(index, flagWB)
}
