package zram

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Giulio2002/zram/comp"
	"github.com/Giulio2002/zram/mempool"
)

// Device is a compressed RAM-backed block device. It presents a virtual
// disk of disksize bytes; writes are compressed into an in-memory pool
// and reads decompress on demand. An optional backing block device
// receives cold pages through the writeback engine.
//
// A Device is created unconfigured. Compressor, dedup mode and backing
// device may only be changed before Init; Init allocates the metadata and
// makes the device live; Reset tears everything down again.
type Device struct {
	// initMu is the outermost lock: read-held by every operation that
	// requires initialized state, write-held by Init, Reset and the
	// pre-init configuration changes.
	initMu sync.RWMutex

	disksize uint64
	table    *slotTable
	pool     *mempool.Pool
	comp     *comp.Pool

	compressor string
	useDedup   bool
	dedup      *dedupIndex

	// hugeClassSize is queried once per pool creation and cached.
	hugeClassSize int

	limitPages       atomic.Int64
	lowCompressRatio atomic.Uint32

	backing *backingDev

	// wbLimitMu guards the writeback quota and the tracking toggle.
	// Held for O(1) only.
	wbLimitMu     sync.Mutex
	wbLimitEnable bool
	bdWbLimit     uint64
	trackAccess   bool

	stats deviceStats

	log *zap.Logger
	id  int
}

// New creates an unconfigured device. A nil logger disables logging.
func New(log *zap.Logger) *Device {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Device{
		compressor: comp.DefaultAlgorithm,
		log:        log,
		id:         -1,
	}
	d.lowCompressRatio.Store(DefaultLowCompressRatio)
	return d
}

// initDone reports whether the device is live. Callers hold initMu.
func (d *Device) initDone() bool {
	return d.disksize > 0
}

// ID returns the registry id of the device, or -1 when unregistered.
func (d *Device) ID() int {
	return d.id
}

// DiskSize returns the configured virtual disk size in bytes, 0 before
// Init.
func (d *Device) DiskSize() uint64 {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	return d.disksize
}

// InitState returns 1 when the device is initialized, else 0.
func (d *Device) InitState() int {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	if d.initDone() {
		return 1
	}
	return 0
}

// Init sets the disk size and brings the device live. The size is rounded
// up to a page multiple. Fails with ErrBusy once initialized and with
// ErrInvalid for a zero size.
func (d *Device) Init(disksize uint64) error {
	if disksize == 0 {
		return NewError(ErrInvalid)
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initDone() {
		d.log.Info("cannot change disksize for initialized device")
		return NewError(ErrBusy)
	}

	disksize = pageAlign(disksize)

	pool, err := comp.NewPool(d.compressor)
	if err != nil {
		return WrapError(ErrInvalid, err)
	}

	d.table = newSlotTable(disksize >> PageShift)
	d.pool = mempool.New()
	d.hugeClassSize = d.pool.HugeClassSize()
	d.comp = pool
	if d.useDedup {
		d.dedup = newDedupIndex(d)
	}
	d.disksize = disksize

	d.log.Info("device initialized",
		zap.Int("id", d.id),
		zap.Uint64("disksize", disksize),
		zap.String("compressor", d.compressor),
		zap.Bool("dedup", d.useDedup))
	return nil
}

// Reset tears the device down: every slot is freed, the pool is unmapped,
// statistics are zeroed and the backing device is detached. Pre-init
// configuration (compressor, dedup mode) survives.
func (d *Device) Reset() {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	d.limitPages.Store(0)

	if d.initDone() {
		nrPages := d.table.numSlots()
		for index := uint32(0); index < nrPages; index++ {
			d.table.lock(index)
			d.freeSlot(index)
			d.table.unlock(index)
		}
		d.pool.Close()
		d.table = nil
		d.pool = nil
		d.comp = nil
		d.dedup = nil
		d.disksize = 0
	}

	d.stats.reset()
	d.resetBdevLocked()

	d.wbLimitMu.Lock()
	d.wbLimitEnable = false
	d.bdWbLimit = 0
	d.wbLimitMu.Unlock()

	d.log.Info("device reset", zap.Int("id", d.id))
}

// SetCompressor selects the compression algorithm. Only allowed before
// Init; unknown names fail with ErrInvalid.
func (d *Device) SetCompressor(name string) error {
	if !comp.Available(name) {
		return NewError(ErrInvalid)
	}

	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initDone() {
		d.log.Info("cannot change algorithm for initialized device")
		return NewError(ErrBusy)
	}
	d.compressor = name
	return nil
}

// Compressor returns the configured algorithm name.
func (d *Device) Compressor() string {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	return d.compressor
}

// SetUseDedup toggles content deduplication. Only allowed before Init.
func (d *Device) SetUseDedup(enable bool) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	if d.initDone() {
		d.log.Info("cannot change dedup usage for initialized device")
		return NewError(ErrBusy)
	}
	d.useDedup = enable
	return nil
}

// UseDedup reports whether deduplication is enabled.
func (d *Device) UseDedup() bool {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	return d.useDedup
}

// SetMemLimit caps the pool size in bytes; 0 removes the limit.
func (d *Device) SetMemLimit(limit uint64) {
	d.initMu.Lock()
	d.limitPages.Store(int64(pageAlign(limit) >> PageShift))
	d.initMu.Unlock()
}

// RebaseMemUsedMax resets the historical pool-usage maximum to the
// current pool size.
func (d *Device) RebaseMemUsedMax() {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	if d.initDone() {
		d.stats.maxUsedPages.Store(d.pool.TotalPages())
	}
}

// Compact triggers pool compaction and returns the pages released.
func (d *Device) Compact() (int64, error) {
	d.initMu.RLock()
	defer d.initMu.RUnlock()
	if !d.initDone() {
		return 0, NewError(ErrInvalid)
	}
	return d.pool.Compact(), nil
}

// SetLowCompressRatio configures the savings-percentage threshold below
// which slots are marked low-ratio.
func (d *Device) SetLowCompressRatio(ratio uint32) {
	d.lowCompressRatio.Store(ratio)
}

// LowCompressRatio returns the configured threshold.
func (d *Device) LowCompressRatio() uint32 {
	return d.lowCompressRatio.Load()
}

// SetAccessTracking toggles per-slot access-time recording.
func (d *Device) SetAccessTracking(enable bool) {
	d.wbLimitMu.Lock()
	d.trackAccess = enable
	d.wbLimitMu.Unlock()
}

// accessTracking reads the toggle.
func (d *Device) accessTracking() bool {
	d.wbLimitMu.Lock()
	defer d.wbLimitMu.Unlock()
	return d.trackAccess
}

// SetWritebackLimit sets the remaining writeback quota in pages.
func (d *Device) SetWritebackLimit(pages uint64) {
	d.initMu.RLock()
	d.wbLimitMu.Lock()
	d.bdWbLimit = pages
	d.wbLimitMu.Unlock()
	d.initMu.RUnlock()
}

// WritebackLimit returns the remaining writeback quota in pages.
func (d *Device) WritebackLimit() uint64 {
	d.initMu.RLock()
	d.wbLimitMu.Lock()
	v := d.bdWbLimit
	d.wbLimitMu.Unlock()
	d.initMu.RUnlock()
	return v
}

// SetWritebackLimitEnable toggles quota enforcement.
func (d *Device) SetWritebackLimitEnable(enable bool) {
	d.initMu.RLock()
	d.wbLimitMu.Lock()
	d.wbLimitEnable = enable
	d.wbLimitMu.Unlock()
	d.initMu.RUnlock()
}

// WritebackLimitEnable reports whether the quota is enforced.
func (d *Device) WritebackLimitEnable() bool {
	d.initMu.RLock()
	d.wbLimitMu.Lock()
	v := d.wbLimitEnable
	d.wbLimitMu.Unlock()
	d.initMu.RUnlock()
	return v
}

// pageAlign rounds up to a page multiple.
func pageAlign(n uint64) uint64 {
	return (n + PageSize - 1) &^ uint64(PageSize-1)
}
