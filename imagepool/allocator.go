package imagepool

import (
	"strconv"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
)

// MemoryClassKey groups pools by the device memory type and alignment class their
// bindings require. A class's pool list is created lazily on the first allocation
// request for it and lives until Reset.
type MemoryClassKey struct {
	MemoryType int
	Alignment  uint
}

// Handle identifies one image memory binding: the class it was placed in, the pool
// within that class, and the slot within that pool. It is valid until RemoveImage.
type Handle struct {
	Class MemoryClassKey
	Pool  int
	Slot  int
}

// Requirements describes the device memory an image resource needs.
type Requirements struct {
	// TypeBits is a bitmask of the device memory type indices able to back the resource
	TypeBits uint32
	// Alignment is the required offset alignment, a power of two
	Alignment uint
	// Size is the required size in bytes
	Size int
}

// Resource is an opaque image whose memory this allocator places. Unlike buffer
// subbuffers, a resource's binding is never moved or resized; a size change
// requires a fresh binding.
type Resource interface {
	// MemoryRequirements reports the device memory the resource needs
	MemoryRequirements() Requirements
	// BindMemory binds the resource to a backing allocation at the provided offset
	BindMemory(alloc backing.Allocation, offset int) error
}

// DeviceMemory is the device surface the allocator consumes: memory type selection
// and raw device memory allocation for a chosen type.
type DeviceMemory interface {
	// FindMemoryTypeIndex picks a compatible memory type index from candidates,
	// or errors when none qualifies
	FindMemoryTypeIndex(typeBits uint32) (int, error)
	// AllocateMemory allocates size bytes of device memory of the provided type
	AllocateMemory(memoryTypeIndex int, size int) (backing.Allocation, error)
}

// defaultPoolCapacity is the fixed capacity of each pool when CreateOptions does not
// provide one. It is equal to 256Mb.
const defaultPoolCapacity = 256 * 1024 * 1024

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// PoolCapacity is the fixed size in bytes of every pool's backing allocation.
	// A single binding larger than this fails with OversizedRequestError. When 0,
	// defaultPoolCapacity is used.
	PoolCapacity int
	// Logger receives debug entries for public operations. When nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

type classPools struct {
	pools []*pool
}

// Allocator places opaque image memory bindings into fixed-capacity pools grouped
// by memory class. Allocation scans a class's pools in creation order for the first
// recycled slot of compatible size or room to append, and creates a new pool only
// when every existing one is exhausted. Space is never compacted or returned to the
// device until Reset.
//
// All operations are synchronous; the Allocator is not safe for concurrent use
// without external locking.
type Allocator struct {
	logger *slog.Logger
	device DeviceMemory

	poolCapacity int

	classes *swiss.Map[MemoryClassKey, *classPools]
	// Class keys in creation order, for deterministic diagnostics and reset
	classKeys []MemoryClassKey
}

// New creates an image memory Allocator on top of a DeviceMemory surface.
func New(device DeviceMemory, options CreateOptions) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("a DeviceMemory is required")
	}

	poolCapacity := options.PoolCapacity
	if poolCapacity == 0 {
		poolCapacity = defaultPoolCapacity
	}
	if poolCapacity < 1 {
		return nil, errors.Errorf("invalid pool capacity %d", poolCapacity)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Allocator{
		logger:       logger,
		device:       device,
		poolCapacity: poolCapacity,
		classes:      swiss.NewMap[MemoryClassKey, *classPools](16),
	}, nil
}

// AllocateMemory places and binds memory for a resource and returns its Handle.
func (a *Allocator) AllocateMemory(resource Resource) (Handle, error) {
	a.logger.Debug("Allocator::AllocateMemory")

	reqs := resource.MemoryRequirements()
	alignment := reqs.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutil.CheckPow2(alignment, "Requirements.Alignment")
	if err != nil {
		return Handle{}, err
	}

	memoryType, err := a.device.FindMemoryTypeIndex(reqs.TypeBits)
	if err != nil {
		return Handle{}, err
	}

	size := memutil.AlignUp(reqs.Size, alignment)
	if size > a.poolCapacity {
		return Handle{}, cerrors.Wrapf(memutil.OversizedRequestError, "image binding of %d bytes can never fit a pool of capacity %d", size, a.poolCapacity)
	}

	key := MemoryClassKey{MemoryType: memoryType, Alignment: alignment}
	class, ok := a.classes.Get(key)
	if !ok {
		class = &classPools{}
		a.classes.Put(key, class)
		a.classKeys = append(a.classKeys, key)
	}

	for poolIndex, p := range class.pools {
		slot, wasRecycled := p.takeRecycled(size)
		if !wasRecycled {
			var room bool
			slot, room = p.appendSlot(size)
			if !room {
				continue
			}
		}

		err = resource.BindMemory(p.memory, p.bindings[slot].offset)
		if err != nil {
			p.releaseSlot(slot, wasRecycled)
			return Handle{}, err
		}
		memutil.DebugValidate(a)
		return Handle{Class: key, Pool: poolIndex, Slot: slot}, nil
	}

	// Every pool in the class is exhausted
	memory, err := a.device.AllocateMemory(memoryType, a.poolCapacity)
	if err != nil {
		return Handle{}, err
	}

	newPool := &pool{memory: memory, capacity: a.poolCapacity}
	slot, _ := newPool.appendSlot(size)

	err = resource.BindMemory(newPool.memory, newPool.bindings[slot].offset)
	if err != nil {
		memory.Free()
		return Handle{}, err
	}

	class.pools = append(class.pools, newPool)
	memutil.DebugValidate(a)
	return Handle{Class: key, Pool: len(class.pools) - 1, Slot: slot}, nil
}

func (a *Allocator) lookup(handle Handle) (*pool, error) {
	class, ok := a.classes.Get(handle.Class)
	if !ok {
		return nil, cerrors.Wrapf(memutil.InvalidHandleError, "unknown memory class {type %d, alignment %d}", handle.Class.MemoryType, handle.Class.Alignment)
	}
	if handle.Pool < 0 || handle.Pool >= len(class.pools) {
		return nil, cerrors.Wrapf(memutil.InvalidHandleError, "pool index %d is out of range", handle.Pool)
	}
	return class.pools[handle.Pool], nil
}

// RemoveImage releases a binding's slot into its pool's recycle set. The space is
// not compacted or returned to the device. The caller is responsible for the bound
// resource's own lifetime.
func (a *Allocator) RemoveImage(handle Handle) error {
	a.logger.Debug("Allocator::RemoveImage")

	p, err := a.lookup(handle)
	if err != nil {
		return err
	}

	err = p.recycle(handle.Slot)
	if err != nil {
		return cerrors.Wrapf(memutil.InvalidHandleError, "%s", err.Error())
	}
	memutil.DebugValidate(a)
	return nil
}

// Offset returns the byte offset of a live binding within its pool's backing allocation.
func (a *Allocator) Offset(handle Handle) (int, error) {
	p, err := a.lookup(handle)
	if err != nil {
		return 0, err
	}
	if handle.Slot < 0 || handle.Slot >= len(p.bindings) || p.isRecycled(handle.Slot) {
		return 0, cerrors.Wrapf(memutil.InvalidHandleError, "slot index %d does not refer to a live binding", handle.Slot)
	}
	return p.bindings[handle.Slot].offset, nil
}

// PoolCount returns the number of pools that exist for a memory class.
func (a *Allocator) PoolCount(key MemoryClassKey) int {
	class, ok := a.classes.Get(key)
	if !ok {
		return 0
	}
	return len(class.pools)
}

// Reset frees every pool of every class. The caller must guarantee that no bound
// resource is still alive; this layer does not check.
func (a *Allocator) Reset() {
	a.logger.Debug("Allocator::Reset")

	for _, key := range a.classKeys {
		class, ok := a.classes.Get(key)
		if !ok {
			panic("a known memory class key has no pool list")
		}
		for _, p := range class.pools {
			p.memory.Free()
		}
	}

	a.classes = swiss.NewMap[MemoryClassKey, *classPools](16)
	a.classKeys = nil
	memutil.DebugValidate(a)
}

// Validate performs internal consistency checks on every pool. When the allocator is
// functioning correctly it cannot return an error.
func (a *Allocator) Validate() error {
	for _, key := range a.classKeys {
		class, ok := a.classes.Get(key)
		if !ok {
			return errors.Errorf("memory class {type %d, alignment %d} is tracked but has no pool list", key.MemoryType, key.Alignment)
		}
		for poolIndex, p := range class.pools {
			err := p.validate(key.Alignment)
			if err != nil {
				return cerrors.Wrapf(err, "pool %d of class {type %d, alignment %d}", poolIndex, key.MemoryType, key.Alignment)
			}
		}
	}
	return nil
}

// AddDetailedStatistics sums the counters of every pool into the provided statistics.
func (a *Allocator) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	for _, key := range a.classKeys {
		class, _ := a.classes.Get(key)
		if class == nil {
			continue
		}
		for _, p := range class.pools {
			p.addDetailedStatistics(stats)
		}
	}
}

// BuildStatsString populates a json object with the full pool map of this allocator.
// This is a diagnostic aid, not a stable wire format.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	for _, key := range a.classKeys {
		class, _ := a.classes.Get(key)
		if class == nil {
			continue
		}

		classObj := obj.Name("Type " + strconv.Itoa(key.MemoryType) + " Align " + strconv.Itoa(int(key.Alignment))).Object()
		for poolIndex, p := range class.pools {
			poolObj := classObj.Name(strconv.Itoa(poolIndex)).Object()
			poolObj.Name("TotalBytes").Int(p.capacity)
			poolObj.Name("BindingCount").Int(len(p.bindings))
			poolObj.Name("RecycledCount").Int(len(p.recycled))

			arr := poolObj.Name("Bindings").Array()
			for slot, b := range p.bindings {
				bindingObj := arr.Object()
				bindingObj.Name("Offset").Int(b.offset)
				bindingObj.Name("Size").Int(b.size)
				bindingObj.Name("Recycled").Bool(p.isRecycled(slot))
				bindingObj.End()
			}
			arr.End()
			poolObj.End()
		}
		classObj.End()
	}
}
