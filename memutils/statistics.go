package memutils

import "math"

// Statistics summarizes how much of a region has been handed out. Because released blocks
// are never reclaimed, every block ever granted is counted.
type Statistics struct {
	RegionCount   int
	BlockCount    int
	RegionBytes   int
	PayloadBytes  int
	OverheadBytes int
}

func (s *Statistics) Clear() {
	s.RegionCount = 0
	s.BlockCount = 0
	s.RegionBytes = 0
	s.PayloadBytes = 0
	s.OverheadBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.BlockCount += other.BlockCount
	s.RegionBytes += other.RegionBytes
	s.PayloadBytes += other.PayloadBytes
	s.OverheadBytes += other.OverheadBytes
}

// UnusedBytes is the number of region bytes past the cursor
func (s *Statistics) UnusedBytes() int {
	return s.RegionBytes - s.PayloadBytes - s.OverheadBytes
}

type DetailedStatistics struct {
	Statistics
	PaddingRangeCount int
	PayloadSizeMin    int
	PayloadSizeMax    int
	PaddingSizeMax    int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.PaddingRangeCount = 0
	s.PayloadSizeMin = math.MaxInt
	s.PayloadSizeMax = 0
	s.PaddingSizeMax = 0
}

// AddPadding records alignment padding placed in front of a header
func (s *DetailedStatistics) AddPadding(size int) {
	if size == 0 {
		return
	}

	s.PaddingRangeCount++
	s.OverheadBytes += size

	if size > s.PaddingSizeMax {
		s.PaddingSizeMax = size
	}
}

// AddBlock records one granted block. overhead is the header plus any debug margin.
func (s *DetailedStatistics) AddBlock(payloadSize, overhead int) {
	s.BlockCount++
	s.PayloadBytes += payloadSize
	s.OverheadBytes += overhead

	if payloadSize < s.PayloadSizeMin {
		s.PayloadSizeMin = payloadSize
	}

	if payloadSize > s.PayloadSizeMax {
		s.PayloadSizeMax = payloadSize
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.PaddingRangeCount += other.PaddingRangeCount

	if other.PayloadSizeMin < s.PayloadSizeMin {
		s.PayloadSizeMin = other.PayloadSizeMin
	}

	if other.PayloadSizeMax > s.PayloadSizeMax {
		s.PayloadSizeMax = other.PayloadSizeMax
	}

	if other.PaddingSizeMax > s.PaddingSizeMax {
		s.PaddingSizeMax = other.PaddingSizeMax
	}
}
