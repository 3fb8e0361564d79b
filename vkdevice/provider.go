package vkdevice

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
)

// BufferProvider is a backing.Provider that creates Vulkan buffers of one usage and
// memory property class, allocates device memory for them, binds, and maps when the
// property flags include host visibility.
type BufferProvider struct {
	logger *slog.Logger

	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	callbacks      *driver.AllocationCallbacks

	usage      core1_0.BufferUsageFlags
	properties core1_0.MemoryPropertyFlags
}

var _ backing.Provider = &BufferProvider{}

// NewBufferProvider creates a BufferProvider for one usage/property class. Transfer
// source and destination usage are always added: every allocation made here may be
// the source or target of a growth or shift copy.
func NewBufferProvider(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	usage core1_0.BufferUsageFlags,
	properties core1_0.MemoryPropertyFlags,
	callbacks *driver.AllocationCallbacks,
) *BufferProvider {
	if logger == nil {
		logger = slog.Default()
	}

	return &BufferProvider{
		logger:         logger,
		physicalDevice: physicalDevice,
		device:         device,
		callbacks:      callbacks,
		usage:          usage | core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst,
		properties:     properties,
	}
}

func (p *BufferProvider) Allocate(size int) (backing.Allocation, error) {
	p.logger.Debug("BufferProvider::Allocate", slog.Int("size", size))

	buffer, _, err := p.device.CreateBuffer(p.callbacks, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       p.usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, cerrors.Wrapf(memutil.AllocationFailedError, "creating a %d-byte buffer: %s", size, err.Error())
	}

	memReqs := buffer.MemoryRequirements()
	memoryType, err := findMemoryType(p.physicalDevice.MemoryProperties(), memReqs.MemoryTypeBits, p.properties)
	if err != nil {
		buffer.Destroy(p.callbacks)
		return nil, err
	}

	memory, _, err := p.device.AllocateMemory(p.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memoryType,
	})
	if err != nil {
		buffer.Destroy(p.callbacks)
		return nil, cerrors.Wrapf(memutil.AllocationFailedError, "allocating %d bytes of memory type %d: %s", memReqs.Size, memoryType, err.Error())
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		buffer.Destroy(p.callbacks)
		memory.Free(p.callbacks)
		return nil, cerrors.Wrapf(memutil.AllocationFailedError, "binding buffer memory: %s", err.Error())
	}

	hostVisible := p.properties&core1_0.MemoryPropertyHostVisible != 0

	var mapped []byte
	if hostVisible {
		ptr, _, err := memory.Map(0, size, 0)
		if err != nil {
			buffer.Destroy(p.callbacks)
			memory.Free(p.callbacks)
			return nil, cerrors.Wrapf(memutil.AllocationFailedError, "mapping host-visible memory: %s", err.Error())
		}
		mapped = mapBytes(ptr, size)
	}

	return &Memory{
		callbacks:   p.callbacks,
		buffer:      buffer,
		memory:      memory,
		capacity:    size,
		hostVisible: hostVisible,
		mapped:      mapped,
	}, nil
}

// RequiredAlignment reports the offset alignment the driver demands for buffers of
// this provider's usage class. Pass it to subbuf.CreateOptions.Alignment.
func (p *BufferProvider) RequiredAlignment() (uint, error) {
	probe, _, err := p.device.CreateBuffer(p.callbacks, core1_0.BufferCreateInfo{
		Size:        1,
		Usage:       p.usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return 0, cerrors.Wrapf(memutil.AllocationFailedError, "creating an alignment probe buffer: %s", err.Error())
	}
	defer probe.Destroy(p.callbacks)

	return uint(probe.MemoryRequirements().Alignment), nil
}

// findMemoryType walks the device's memory types for the first one that is both in
// the candidate mask and carries all the requested property flags.
func findMemoryType(
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	typeBits uint32,
	properties core1_0.MemoryPropertyFlags,
) (int, error) {
	for i := 0; i < len(memoryProperties.MemoryTypes); i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		if memoryProperties.MemoryTypes[i].PropertyFlags&properties == properties {
			return i, nil
		}
	}

	return -1, cerrors.Wrapf(memutil.AllocationFailedError, "no device memory type in mask %x carries the properties %s", typeBits, properties)
}
