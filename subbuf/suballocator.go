package subbuf

import (
	"context"

	cerrors "github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
)

// SubBuffer is an integer handle to a named region inside a Suballocator. It is the
// index of the region's record and remains valid until Delete is called for it. A
// deleted handle may be handed out again by a later Suballoc call.
type SubBuffer int

// defaultInitialCapacity is the backing allocation size used when CreateOptions
// does not provide one. It is equal to 1Mb.
const defaultInitialCapacity = 1024 * 1024

// CreateOptions contains optional settings when creating a Suballocator
type CreateOptions struct {
	// InitialCapacity is the size in bytes of the first backing allocation. When 0,
	// defaultInitialCapacity is used. Growth is expensive, so allocate large upfront.
	InitialCapacity int
	// Alignment is the required offset alignment for subbuffers, usually reported by
	// the driver for the buffer's usage class. It must be a power of two. When 0,
	// an alignment of 1 is used.
	Alignment uint
	// MaxCapacity, when non-zero, is a hard ceiling on the backing allocation size.
	// A request that would need to grow past it fails with OversizedRequestError.
	MaxCapacity int
	// Logger receives debug entries for public operations and error entries for
	// regions still filled at Destroy. When nil, slog.Default() is used.
	Logger *slog.Logger
}

type record struct {
	size   int
	offset int
	filled int
}

// Suballocator carves one backing device allocation into independently growable
// subbuffers. Records are kept in a single flat sequence ordered by offset; live
// records are always contiguous, so the offset of any subbuffer is a single array
// lookup. Growing a subbuffer shifts every record after it, bouncing the moved
// bytes through a temporary allocation because device copies do not support
// overlapping ranges.
//
// All operations are synchronous and blocking; the Suballocator is not safe for
// concurrent use without external locking.
type Suballocator struct {
	logger   *slog.Logger
	provider backing.Provider
	channel  backing.TransferChannel

	alignment   uint
	maxCapacity int

	memory   backing.Allocation
	capacity int

	subbuffers []record
	// Indices of deleted records awaiting reuse, ascending. The lowest index is
	// reused first.
	recycled []SubBuffer
}

// New creates a Suballocator around one Provider and TransferChannel and eagerly
// creates its first backing allocation.
func New(provider backing.Provider, channel backing.TransferChannel, options CreateOptions) (*Suballocator, error) {
	if provider == nil {
		return nil, errors.New("a backing.Provider is required")
	}
	if channel == nil {
		return nil, errors.New("a backing.TransferChannel is required")
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = 1
	}
	err := memutil.CheckPow2(alignment, "CreateOptions.Alignment")
	if err != nil {
		return nil, err
	}

	capacity := options.InitialCapacity
	if capacity == 0 {
		capacity = defaultInitialCapacity
	}
	capacity = memutil.AlignUp(capacity, alignment)

	if options.MaxCapacity != 0 && options.MaxCapacity < capacity {
		return nil, errors.Errorf("CreateOptions.MaxCapacity (%d) is smaller than the initial capacity (%d)", options.MaxCapacity, capacity)
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	memory, err := provider.Allocate(capacity)
	if err != nil {
		return nil, err
	}

	return &Suballocator{
		logger:      logger,
		provider:    provider,
		channel:     channel,
		alignment:   alignment,
		maxCapacity: options.MaxCapacity,
		memory:      memory,
		capacity:    capacity,
	}, nil
}

// Size returns the capacity in bytes of the backing allocation.
func (s *Suballocator) Size() int {
	return s.capacity
}

// SubbufferCount returns the number of records, recycled records included.
func (s *Suballocator) SubbufferCount() int {
	return len(s.subbuffers)
}

// HostVisible returns true if the backing allocation is mapped into host address space.
func (s *Suballocator) HostVisible() bool {
	return s.memory.HostVisible()
}

// Mapped returns the mapped bytes of the backing allocation, or nil when it is not
// host-visible. Use this to read device data back on host-visible suballocators.
func (s *Suballocator) Mapped() []byte {
	return s.memory.Bytes()
}

// Offset returns the byte offset of a subbuffer within the backing allocation.
func (s *Suballocator) Offset(subBuffer SubBuffer) (int, error) {
	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return 0, err
	}
	return s.subbuffers[subBuffer].offset, nil
}

// Filled returns the number of bytes of a subbuffer currently holding data.
func (s *Suballocator) Filled(subBuffer SubBuffer) (int, error) {
	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return 0, err
	}
	return s.subbuffers[subBuffer].filled, nil
}

// SubSize returns the reserved capacity in bytes of a subbuffer.
func (s *Suballocator) SubSize(subBuffer SubBuffer) (int, error) {
	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return 0, err
	}
	return s.subbuffers[subBuffer].size, nil
}

func (s *Suballocator) isRecycled(subBuffer SubBuffer) bool {
	_, found := slices.BinarySearch(s.recycled, subBuffer)
	return found
}

func (s *Suballocator) checkSubbuffer(subBuffer SubBuffer) error {
	if subBuffer < 0 || int(subBuffer) >= len(s.subbuffers) {
		return cerrors.Wrapf(memutil.InvalidHandleError, "subbuffer index %d is out of range", subBuffer)
	}
	if s.isRecycled(subBuffer) {
		return cerrors.Wrapf(memutil.InvalidHandleError, "subbuffer index %d has been deleted", subBuffer)
	}
	return nil
}

// Suballoc reserves a new subbuffer at the end of the backing allocation and returns
// its handle, growing the backing allocation when the new record does not fit.
//
// When the recycle set is not empty, the lowest recycled index is returned instead,
// with its previous size and offset unchanged and a filled length of 0. The requested
// size is not reconciled with the recycled record's capacity; a caller that needs
// more room grows the subbuffer explicitly or lets Append grow it on demand.
func (s *Suballocator) Suballoc(size int) (SubBuffer, error) {
	s.logger.Debug("Suballocator::Suballoc")

	if len(s.recycled) > 0 {
		subBuffer := s.recycled[0]
		s.recycled = s.recycled[1:]
		memutil.DebugValidate(s)
		return subBuffer, nil
	}

	size = memutil.AlignUp(size, s.alignment)

	var offset int
	if len(s.subbuffers) > 0 {
		last := s.subbuffers[len(s.subbuffers)-1]
		offset = last.offset + last.size
	}

	end := offset + size
	if end > s.capacity {
		if s.maxCapacity != 0 && end > s.maxCapacity {
			return 0, cerrors.Wrapf(memutil.OversizedRequestError, "suballocation of %d bytes needs %d total, maximum backing capacity is %d", size, end, s.maxCapacity)
		}
		err := s.growAllocation(end)
		if err != nil {
			return 0, err
		}
	}

	s.subbuffers = append(s.subbuffers, record{size: size, offset: offset})
	memutil.DebugValidate(s)
	return SubBuffer(len(s.subbuffers) - 1), nil
}

// growAllocation replaces the backing allocation with a larger one. The records are
// untouched: offsets are positions within the logical stream and do not depend on
// the identity of the physical backing.
func (s *Suballocator) growAllocation(minSize int) error {
	if s.memory == nil {
		panic("attempting to grow a destroyed suballocator")
	}

	newCapacity := memutil.AlignUp(minSize, s.alignment)
	newMemory, err := s.provider.Allocate(newCapacity)
	if err != nil {
		return err
	}

	err = s.channel.CopyRange(s.memory, newMemory, 0, 0, s.capacity)
	if err != nil {
		newMemory.Free()
		return err
	}

	s.memory.Free()
	s.memory = newMemory
	s.capacity = newCapacity
	return nil
}

// Grow extends a subbuffer's reserved capacity in place. Every record after it is
// shifted right; their bytes are moved through a temporary allocation in two hops,
// because the source and destination of the shift overlap. Growing past the current
// backing capacity replaces the backing allocation first.
//
// A newSize at or below the current reserved capacity is a no-op.
func (s *Suballocator) Grow(subBuffer SubBuffer, newSize int) error {
	s.logger.Debug("Suballocator::Grow")

	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return err
	}

	newSize = memutil.AlignUp(newSize, s.alignment)
	if newSize <= s.subbuffers[subBuffer].size {
		return nil
	}
	shift := newSize - s.subbuffers[subBuffer].size

	last := s.subbuffers[len(s.subbuffers)-1]
	newTotal := last.offset + last.size + shift
	if newTotal > s.capacity {
		if s.maxCapacity != 0 && newTotal > s.maxCapacity {
			return cerrors.Wrapf(memutil.OversizedRequestError, "growing subbuffer %d to %d bytes needs %d total, maximum backing capacity is %d", subBuffer, newSize, newTotal, s.maxCapacity)
		}
		err = s.growAllocation(newTotal)
		if err != nil {
			return err
		}
	}

	var tailLength int
	for i := int(subBuffer) + 1; i < len(s.subbuffers); i++ {
		tailLength += s.subbuffers[i].size
	}

	if tailLength > 0 {
		// The tail offset is pinned before any record is mutated.
		oldTailOffset := s.subbuffers[subBuffer+1].offset

		err = s.bounceCopy(oldTailOffset, oldTailOffset+shift, tailLength)
		if err != nil {
			return err
		}
	}

	// Metadata changes only after all device work has completed.
	s.subbuffers[subBuffer].size = newSize
	for i := int(subBuffer) + 1; i < len(s.subbuffers); i++ {
		s.subbuffers[i].offset += shift
	}
	memutil.DebugValidate(s)
	return nil
}

// bounceCopy moves length bytes from srcOffset to dstOffset within the backing
// allocation by routing them through a scoped temporary allocation.
func (s *Suballocator) bounceCopy(srcOffset, dstOffset, length int) error {
	temp, err := s.provider.Allocate(length)
	if err != nil {
		return err
	}
	defer temp.Free()

	err = s.channel.CopyRange(s.memory, temp, srcOffset, 0, length)
	if err != nil {
		return err
	}
	return s.channel.CopyRange(temp, s.memory, 0, dstOffset, length)
}

// Append writes data at the filled end of a subbuffer through the host mapping,
// growing the subbuffer first when the write would exceed its reserved capacity.
// It fails with NotHostVisibleError on device-local suballocators.
func (s *Suballocator) Append(subBuffer SubBuffer, data []byte) error {
	s.logger.Debug("Suballocator::Append")

	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return err
	}
	if !s.memory.HostVisible() {
		return cerrors.Wrapf(memutil.NotHostVisibleError, "cannot append to subbuffer %d", subBuffer)
	}

	rec := s.subbuffers[subBuffer]
	if rec.filled+len(data) > rec.size {
		err = s.Grow(subBuffer, rec.filled+len(data))
		if err != nil {
			return err
		}
		rec = s.subbuffers[subBuffer]
	}

	copy(s.memory.Bytes()[rec.offset+rec.filled:], data)
	s.subbuffers[subBuffer].filled += len(data)
	memutil.DebugValidate(s)
	return nil
}

// CopyRaw writes data at an absolute offset in the backing allocation, ignoring
// subbuffer records, growing the backing allocation when needed. Do not use it on a
// suballocator that also has managed subbuffers.
func (s *Suballocator) CopyRaw(data []byte, offset int) error {
	s.logger.Debug("Suballocator::CopyRaw")

	if !s.memory.HostVisible() {
		return cerrors.Wrap(memutil.NotHostVisibleError, "cannot write raw bytes")
	}
	if offset < 0 {
		return cerrors.Wrapf(memutil.RangeError, "negative offset %d", offset)
	}

	end := offset + len(data)
	if end > s.capacity {
		if s.maxCapacity != 0 && end > s.maxCapacity {
			return cerrors.Wrapf(memutil.OversizedRequestError, "raw write needs %d total, maximum backing capacity is %d", end, s.maxCapacity)
		}
		err := s.growAllocation(end)
		if err != nil {
			return err
		}
	}

	copy(s.memory.Bytes()[offset:], data)
	memutil.DebugValidate(s)
	return nil
}

// CopyInto copies the first length filled bytes of the src subbuffer into the dst
// subbuffer of target at its filled end, through the device transfer channel. The
// destination grows first when the copy would exceed its reserved capacity. Both
// suballocators must share a transfer channel that can reach their allocations.
func (s *Suballocator) CopyInto(target *Suballocator, dst SubBuffer, length int, src SubBuffer) error {
	s.logger.Debug("Suballocator::CopyInto")

	err := s.checkSubbuffer(src)
	if err != nil {
		return err
	}
	err = target.checkSubbuffer(dst)
	if err != nil {
		return err
	}

	srcRec := s.subbuffers[src]
	if length > srcRec.filled {
		return cerrors.Wrapf(memutil.RangeError, "copy of %d bytes from subbuffer %d exceeds its %d filled bytes", length, src, srcRec.filled)
	}

	dstRec := target.subbuffers[dst]
	if length+dstRec.filled > dstRec.size {
		err = target.Grow(dst, length+dstRec.filled)
		if err != nil {
			return err
		}
		dstRec = target.subbuffers[dst]
		// A self-copy grow shifts the source record along with the rest of the tail
		srcRec = s.subbuffers[src]
	}

	err = s.channel.CopyRange(s.memory, target.memory, srcRec.offset, dstRec.offset+dstRec.filled, length)
	if err != nil {
		return err
	}

	target.subbuffers[dst].filled += length
	memutil.DebugValidate(target)
	return nil
}

// Pop treats a subbuffer as a stack and discards the last length filled bytes.
// Nothing is physically erased; a later Append overwrites.
func (s *Suballocator) Pop(subBuffer SubBuffer, length int) error {
	s.logger.Debug("Suballocator::Pop")

	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return err
	}
	if length > s.subbuffers[subBuffer].filled {
		return cerrors.Wrapf(memutil.UnderflowError, "popping %d bytes from subbuffer %d with %d filled", length, subBuffer, s.subbuffers[subBuffer].filled)
	}

	s.subbuffers[subBuffer].filled -= length
	memutil.DebugValidate(s)
	return nil
}

// Remove deletes a byte range from the middle of a subbuffer's filled bytes. The
// bytes after the removed range are shifted left through a temporary allocation,
// the same two-hop move Grow performs.
func (s *Suballocator) Remove(subBuffer SubBuffer, atOffset, length int) error {
	s.logger.Debug("Suballocator::Remove")

	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return err
	}

	rec := s.subbuffers[subBuffer]
	if atOffset < 0 || atOffset+length > rec.filled {
		return cerrors.Wrapf(memutil.RangeError, "removing [%d, %d) from subbuffer %d with %d filled", atOffset, atOffset+length, subBuffer, rec.filled)
	}

	shiftStart := atOffset + length
	shiftLength := rec.filled - shiftStart
	if shiftLength > 0 {
		err = s.bounceCopy(rec.offset+shiftStart, rec.offset+atOffset, shiftLength)
		if err != nil {
			return err
		}
	}

	s.subbuffers[subBuffer].filled -= length
	memutil.DebugValidate(s)
	return nil
}

// Clear resets a subbuffer's filled length to 0.
func (s *Suballocator) Clear(subBuffer SubBuffer) error {
	s.logger.Debug("Suballocator::Clear")

	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return err
	}
	s.subbuffers[subBuffer].filled = 0
	memutil.DebugValidate(s)
	return nil
}

// Delete marks a subbuffer for recycling by the next Suballoc call. Its space is
// not compacted; the record keeps its size and offset and continues to occupy the
// backing allocation. Every other operation on the handle fails until it is reused.
func (s *Suballocator) Delete(subBuffer SubBuffer) error {
	s.logger.Debug("Suballocator::Delete")

	err := s.checkSubbuffer(subBuffer)
	if err != nil {
		return err
	}

	s.subbuffers[subBuffer].filled = 0
	insertAt, _ := slices.BinarySearch(s.recycled, subBuffer)
	s.recycled = slices.Insert(s.recycled, insertAt, subBuffer)
	memutil.DebugValidate(s)
	return nil
}

// Validate performs internal consistency checks on the record sequence. When the
// suballocator is functioning correctly it cannot return an error.
func (s *Suballocator) Validate() error {
	var expectedOffset int
	for i, rec := range s.subbuffers {
		if rec.offset != expectedOffset {
			return errors.Errorf("subbuffer %d has offset %d, expected %d - records must stay contiguous", i, rec.offset, expectedOffset)
		}
		if memutil.AlignDown(rec.offset, s.alignment) != rec.offset {
			return errors.Errorf("subbuffer %d has offset %d, which is not aligned to %d", i, rec.offset, s.alignment)
		}
		if memutil.AlignUp(rec.size, s.alignment) != rec.size {
			return errors.Errorf("subbuffer %d has size %d, which is not aligned to %d", i, rec.size, s.alignment)
		}
		if rec.filled > rec.size {
			return errors.Errorf("subbuffer %d has %d bytes filled but only %d reserved", i, rec.filled, rec.size)
		}
		expectedOffset = rec.offset + rec.size
	}

	if expectedOffset > s.capacity {
		return errors.Errorf("records end at %d, past the backing capacity %d", expectedOffset, s.capacity)
	}

	for i, subBuffer := range s.recycled {
		if subBuffer < 0 || int(subBuffer) >= len(s.subbuffers) {
			return errors.Errorf("recycled index %d is out of range", subBuffer)
		}
		if i > 0 && s.recycled[i-1] >= subBuffer {
			return errors.New("the recycle set is not sorted ascending")
		}
		if s.subbuffers[subBuffer].filled != 0 {
			return errors.Errorf("recycled subbuffer %d still has %d bytes filled", subBuffer, s.subbuffers[subBuffer].filled)
		}
	}

	return nil
}

// AddStatistics sums this suballocator's counters into the provided statistics.
func (s *Suballocator) AddStatistics(stats *memutil.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += s.capacity

	for i, rec := range s.subbuffers {
		if s.isRecycled(SubBuffer(i)) {
			continue
		}
		stats.RegionCount++
		stats.RegionBytes += rec.size
	}
}

// AddDetailedStatistics sums this suballocator's counters into the provided
// statistics. Recycled records and the unreserved tail count as unused ranges.
func (s *Suballocator) AddDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += s.capacity

	var end int
	for i, rec := range s.subbuffers {
		if s.isRecycled(SubBuffer(i)) {
			stats.AddUnusedRange(rec.size)
		} else {
			stats.AddRegion(rec.size)
		}
		end = rec.offset + rec.size
	}

	if end < s.capacity {
		stats.AddUnusedRange(s.capacity - end)
	}
}

// BuildStatsString populates a json object with the full record map of this
// suballocator. This is a diagnostic aid, not a stable wire format.
func (s *Suballocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("TotalBytes").Int(s.capacity)
	obj.Name("Alignment").Int(int(s.alignment))
	obj.Name("SubbufferCount").Int(len(s.subbuffers))
	obj.Name("RecycledCount").Int(len(s.recycled))

	arr := obj.Name("Subbuffers").Array()
	defer arr.End()

	for i, rec := range s.subbuffers {
		recordObj := arr.Object()
		recordObj.Name("Offset").Int(rec.offset)
		recordObj.Name("Size").Int(rec.size)
		recordObj.Name("Filled").Int(rec.filled)
		recordObj.Name("Recycled").Bool(s.isRecycled(SubBuffer(i)))
		recordObj.End()
	}
}

// Destroy releases the backing allocation. Subbuffers still holding filled bytes are
// logged as leaks first. The Suballocator must not be used afterward.
func (s *Suballocator) Destroy() {
	s.logger.Debug("Suballocator::Destroy")

	if s.memory == nil {
		panic("attempting to destroy a suballocator that was already destroyed")
	}

	for i, rec := range s.subbuffers {
		if rec.filled > 0 {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] subbuffer still filled at destroy",
				slog.Int("subbuffer", i),
				slog.Int("offset", rec.offset),
				slog.Int("filled", rec.filled),
			)
		}
	}

	s.memory.Free()
	s.memory = nil
	s.subbuffers = nil
	s.recycled = nil
}
