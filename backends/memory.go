package backends

import (
	"fmt"
	"sync"
)

// DeviceMemory accounts for the bytes reserved by engine buffers against an optional budget.
// A limit of zero means unlimited.
type DeviceMemory struct {
	reserved map[string]int64
	mu       sync.Mutex
	limit    int64
}

func NewDeviceMemory(limit int64) *DeviceMemory {
	return &DeviceMemory{limit: limit, reserved: map[string]int64{}}
}

// Reserve replaces the reservation held by owner with bytes. On failure the owner holds nothing.
func (m *DeviceMemory) Reserve(owner string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, owner)
	if m.limit > 0 {
		var inUse int64
		for _, b := range m.reserved {
			inUse += b
		}
		if inUse+bytes > m.limit {
			return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrOutOfDeviceMemory, owner, bytes, inUse, m.limit)
		}
	}
	m.reserved[owner] = bytes
	return nil
}

func (m *DeviceMemory) Free(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, owner)
}

func (m *DeviceMemory) InUse() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, b := range m.reserved {
		total += b
	}
	return total
}

func (m *DeviceMemory) Limit() int64 {
	return m.limit
}
