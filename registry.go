package zram

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Process-wide device registry. Creation and removal are serialised by a
// single mutex; device I/O never touches it.
var (
	registryMu sync.Mutex
	registry   = make(map[int]*Device)
)

// Add creates a new device and registers it under the lowest free id.
func Add(log *zap.Logger) *Device {
	registryMu.Lock()
	defer registryMu.Unlock()

	id := 0
	for {
		if _, ok := registry[id]; !ok {
			break
		}
		id++
	}

	d := New(log)
	d.id = id
	registry[id] = d
	return d
}

// Get returns the device registered under id.
func Get(id int) (*Device, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	d, ok := registry[id]
	return d, ok
}

// Remove unregisters and resets the device under id. An initialized
// device is refused with ErrBusy; reset it first.
func Remove(id int) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	d, ok := registry[id]
	if !ok {
		return NewError(ErrInvalid)
	}
	if d.InitState() != 0 {
		return NewError(ErrBusy)
	}

	d.Reset()
	d.id = -1
	delete(registry, id)
	return nil
}

// IDs returns the registered device ids in ascending order.
func IDs() []int {
	registryMu.Lock()
	defer registryMu.Unlock()

	ids := make([]int, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
