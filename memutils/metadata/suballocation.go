package metadata

import "math"

// BlockAllocationHandle identifies a block within a region. For BumpBlockMetadata it is the
// payload offset from the start of the region.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// RegionType classifies the byte ranges reported by BlockMetadata.VisitAllRegions
type RegionType uint32

const (
	// RegionTypeBlock is a header plus the payload it describes
	RegionTypeBlock RegionType = iota
	// RegionTypePadding is the gap left in front of a header so that its payload is aligned
	RegionTypePadding
	// RegionTypeUnused is the range between the cursor and the end of the region
	RegionTypeUnused
)

var regionTypeMapping = map[RegionType]string{
	RegionTypeBlock:   "Block",
	RegionTypePadding: "Padding",
	RegionTypeUnused:  "Unused",
}

func (t RegionType) String() string {
	return regionTypeMapping[t]
}
