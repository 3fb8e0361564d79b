package vkdevice

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"

	"github.com/gfxmem/suballoc/backing"
)

// Memory is a backing.Allocation carried by one Vulkan buffer and the device memory
// bound to it. Host-visible memory stays persistently mapped for its whole lifetime.
type Memory struct {
	callbacks *driver.AllocationCallbacks

	buffer core1_0.Buffer
	memory core1_0.DeviceMemory

	capacity    int
	hostVisible bool
	mapped      []byte
}

var _ backing.Allocation = &Memory{}

func (m *Memory) Capacity() int {
	return m.capacity
}

func (m *Memory) HostVisible() bool {
	return m.hostVisible
}

func (m *Memory) Bytes() []byte {
	return m.mapped
}

// Buffer returns the Vulkan buffer handle, for use in descriptor and draw plumbing.
func (m *Memory) Buffer() core1_0.Buffer {
	return m.buffer
}

// DeviceMemory returns the underlying Vulkan device memory handle.
func (m *Memory) DeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) Free() {
	if m.buffer == nil {
		panic("double free of a device memory allocation")
	}

	if m.hostVisible {
		m.memory.Unmap()
		m.mapped = nil
	}

	m.buffer.Destroy(m.callbacks)
	m.memory.Free(m.callbacks)
	m.buffer = nil
	m.memory = nil
}

// PoolMemory is a backing.Allocation holding raw device memory with no buffer
// attached, used to back image pools. It is never host-visible.
type PoolMemory struct {
	callbacks *driver.AllocationCallbacks

	memory   core1_0.DeviceMemory
	capacity int
}

var _ backing.Allocation = &PoolMemory{}

func (m *PoolMemory) Capacity() int {
	return m.capacity
}

func (m *PoolMemory) HostVisible() bool {
	return false
}

func (m *PoolMemory) Bytes() []byte {
	return nil
}

// DeviceMemory returns the underlying Vulkan device memory handle.
func (m *PoolMemory) DeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *PoolMemory) Free() {
	if m.memory == nil {
		panic("double free of a pool memory allocation")
	}
	m.memory.Free(m.callbacks)
	m.memory = nil
}

func mapBytes(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}
