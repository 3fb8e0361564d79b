package imagepool

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
)

type binding struct {
	size   int
	offset int
}

// pool is one fixed-capacity backing allocation holding opaque image bindings for a
// single memory class. Bindings are appended in arrival order and never shifted or
// resized; a freed slot keeps its size and offset and waits in the recycle set for
// a binding of compatible size.
type pool struct {
	memory   backing.Allocation
	capacity int

	bindings []binding
	// Freed slot indices, ascending. The lowest compatible slot is reused first.
	recycled []int
}

// takeRecycled claims the lowest recycled slot whose reserved size can hold size
// bytes. The slot's size and offset stay as they were reserved.
func (p *pool) takeRecycled(size int) (int, bool) {
	for i, slot := range p.recycled {
		if p.bindings[slot].size >= size {
			p.recycled = slices.Delete(p.recycled, i, i+1)
			return slot, true
		}
	}
	return 0, false
}

// appendSlot reserves a new slot at the end of the pool if there is room.
func (p *pool) appendSlot(size int) (int, bool) {
	var offset int
	if len(p.bindings) > 0 {
		last := p.bindings[len(p.bindings)-1]
		offset = last.offset + last.size
	}

	if offset+size > p.capacity {
		return 0, false
	}

	p.bindings = append(p.bindings, binding{size: size, offset: offset})
	return len(p.bindings) - 1, true
}

// releaseSlot undoes a takeRecycled or appendSlot that could not be bound.
func (p *pool) releaseSlot(slot int, wasRecycled bool) {
	if !wasRecycled && slot == len(p.bindings)-1 {
		p.bindings = p.bindings[:slot]
		return
	}

	insertAt, _ := slices.BinarySearch(p.recycled, slot)
	p.recycled = slices.Insert(p.recycled, insertAt, slot)
}

func (p *pool) isRecycled(slot int) bool {
	_, found := slices.BinarySearch(p.recycled, slot)
	return found
}

func (p *pool) recycle(slot int) error {
	if slot < 0 || slot >= len(p.bindings) {
		return errors.Errorf("slot index %d is out of range", slot)
	}
	if p.isRecycled(slot) {
		return errors.Errorf("slot index %d is already recycled", slot)
	}

	insertAt, _ := slices.BinarySearch(p.recycled, slot)
	p.recycled = slices.Insert(p.recycled, insertAt, slot)
	return nil
}

func (p *pool) validate(alignment uint) error {
	var expectedEnd int
	for i, b := range p.bindings {
		if b.offset < expectedEnd {
			return errors.Errorf("binding %d at offset %d overlaps the previous binding ending at %d", i, b.offset, expectedEnd)
		}
		if memutil.AlignDown(b.offset, alignment) != b.offset {
			return errors.Errorf("binding %d has offset %d, which is not aligned to %d", i, b.offset, alignment)
		}
		expectedEnd = b.offset + b.size
	}

	if expectedEnd > p.capacity {
		return errors.Errorf("bindings end at %d, past the pool capacity %d", expectedEnd, p.capacity)
	}

	for i, slot := range p.recycled {
		if slot < 0 || slot >= len(p.bindings) {
			return errors.Errorf("recycled slot %d is out of range", slot)
		}
		if i > 0 && p.recycled[i-1] >= slot {
			return errors.New("the recycle set is not sorted ascending")
		}
	}

	return nil
}

func (p *pool) addDetailedStatistics(stats *memutil.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += p.capacity

	var end int
	for i, b := range p.bindings {
		if p.isRecycled(i) {
			stats.AddUnusedRange(b.size)
		} else {
			stats.AddRegion(b.size)
		}
		end = b.offset + b.size
	}

	if end < p.capacity {
		stats.AddUnusedRange(p.capacity - end)
	}
}
