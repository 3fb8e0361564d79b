package vkdevice

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"golang.org/x/exp/slog"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/imagepool"
	"github.com/gfxmem/suballoc/memutil"
)

// ImageMemory is the imagepool.DeviceMemory surface over a Vulkan device: memory
// type selection against a fixed property class and raw device memory allocation
// for image pools.
type ImageMemory struct {
	logger *slog.Logger

	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	callbacks      *driver.AllocationCallbacks

	properties core1_0.MemoryPropertyFlags
}

var _ imagepool.DeviceMemory = &ImageMemory{}

// NewImageMemory creates an ImageMemory for one memory property class, usually
// core1_0.MemoryPropertyDeviceLocal for sampled textures and attachments.
func NewImageMemory(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	properties core1_0.MemoryPropertyFlags,
	callbacks *driver.AllocationCallbacks,
) *ImageMemory {
	if logger == nil {
		logger = slog.Default()
	}

	return &ImageMemory{
		logger:         logger,
		physicalDevice: physicalDevice,
		device:         device,
		callbacks:      callbacks,
		properties:     properties,
	}
}

func (m *ImageMemory) FindMemoryTypeIndex(typeBits uint32) (int, error) {
	return findMemoryType(m.physicalDevice.MemoryProperties(), typeBits, m.properties)
}

func (m *ImageMemory) AllocateMemory(memoryTypeIndex int, size int) (backing.Allocation, error) {
	m.logger.Debug("ImageMemory::AllocateMemory", slog.Int("memoryType", memoryTypeIndex), slog.Int("size", size))

	memory, _, err := m.device.AllocateMemory(m.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, cerrors.Wrapf(memutil.AllocationFailedError, "allocating a %d-byte image pool of memory type %d: %s", size, memoryTypeIndex, err.Error())
	}

	return &PoolMemory{
		callbacks: m.callbacks,
		memory:    memory,
		capacity:  size,
	}, nil
}

// Image adapts a core1_0.Image to imagepool.Resource.
type Image struct {
	Image core1_0.Image
}

var _ imagepool.Resource = Image{}

func (i Image) MemoryRequirements() imagepool.Requirements {
	reqs := i.Image.MemoryRequirements()

	return imagepool.Requirements{
		TypeBits:  reqs.MemoryTypeBits,
		Alignment: uint(reqs.Alignment),
		Size:      reqs.Size,
	}
}

func (i Image) BindMemory(alloc backing.Allocation, offset int) error {
	poolMemory, ok := alloc.(*PoolMemory)
	if !ok {
		return errors.New("allocation was not allocated from an ImageMemory")
	}

	_, err := i.Image.BindImageMemory(poolMemory.memory, offset)
	return err
}
