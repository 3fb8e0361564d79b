package memutil

import "math"

// Statistics is a minimal set of allocation counters for one backing allocation or a
// whole allocator. BlockCount and BlockBytes describe backing allocations; RegionCount
// and RegionBytes describe the live regions suballocated from them.
type Statistics struct {
	BlockCount  int
	RegionCount int
	BlockBytes  int
	RegionBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.RegionCount = 0
	s.BlockBytes = 0
	s.RegionBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.RegionCount += other.RegionCount
	s.BlockBytes += other.BlockBytes
	s.RegionBytes += other.RegionBytes
}

// DetailedStatistics additionally tracks free-range counts and region size extremes.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	RegionSizeMin      int
	RegionSizeMax      int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.RegionSizeMin = math.MaxInt
	s.RegionSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size

	if size < s.RegionSizeMin {
		s.RegionSizeMin = size
	}

	if size > s.RegionSizeMax {
		s.RegionSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.RegionSizeMin < s.RegionSizeMin {
		s.RegionSizeMin = other.RegionSizeMin
	}

	if other.RegionSizeMax > s.RegionSizeMax {
		s.RegionSizeMax = other.RegionSizeMax
	}
}
