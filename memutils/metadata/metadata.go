package metadata

import (
	"fmt"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bam/memutils"
)

// BlockMetadata tracks the layout of a single large region of memory. It works purely in
// offsets from the start of the region: the consumer owns the memory itself, writes headers,
// and passes the region's address to the methods that need to read it back.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. The size parameter is the size in bytes
	// of the region being managed.
	Init(size int)
	// Size retrieves the size in bytes that the region was initialized with
	Size() int

	// Validate performs cheap internal consistency checks that do not require reading the region.
	Validate() error
	// ValidateRegion walks the region at blockData and checks that every header it finds agrees
	// with the metadata. This reads every header and should only be done for diagnostics.
	ValidateRegion(blockData unsafe.Pointer) error
	// AllocationCount returns the number of blocks that have been granted from the region
	AllocationCount() int
	// SumFreeSize returns the number of bytes between the cursor and the end of the region
	SumFreeSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether an allocation of the provided payload
	// size could possibly succeed. False positives are possible, false negatives are not.
	MayHaveFreeBlock(size int) bool
	// IsEmpty will return true if no block has ever been granted from the region
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each block, padding range, and the
	// unused tail of the region at blockData, in address order.
	VisitAllRegions(blockData unsafe.Pointer, handleRegion func(handle BlockAllocationHandle, offset int, size int, regionType RegionType) error) error

	// AddDetailedStatistics sums this region's statistics into the provided memutils.DetailedStatistics.
	// It walks the region at blockData.
	AddDetailedStatistics(blockData unsafe.Pointer, stats *memutils.DetailedStatistics) error
	// AddStatistics sums this region's statistics into the provided memutils.Statistics
	AddStatistics(stats *memutils.Statistics)
	// BlockJsonData populates a json object with information about this region
	BlockJsonData(json jwriter.ObjectState)

	// CheckCorruption returns an error wrapping memutils.ErrCorruption if the debug markers after
	// any payload in the region at blockData have been overwritten. Markers are only written when
	// memutils is built with the build flag `debug_mem_utils`.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest calculates where a payload of allocSize bytes would be placed. The
	// boolean return is false if the region does not have room for it.
	CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest, advancing the cursor. It returns an error if the
	// request is stale or no longer fits.
	Alloc(request AllocationRequest) error
	// Free is called when the consumer releases a block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase holds the properties shared by BlockMetadata implementations
type BlockMetadataBase struct {
	size        int
	baseAddress uintptr
	alignment   uint
}

// NewBlockMetadata creates a new BlockMetadataBase. baseAddress is the absolute address of the
// start of the region and alignment is the boundary every payload must land on.
func NewBlockMetadata(baseAddress uintptr, alignment uint) BlockMetadataBase {
	return BlockMetadataBase{
		size:        0,
		baseAddress: baseAddress,
		alignment:   alignment,
	}
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BaseAddress returns the absolute address of the first byte of the region
func (m *BlockMetadataBase) BaseAddress() uintptr { return m.baseAddress }

// Alignment returns the payload alignment in bytes
func (m *BlockMetadataBase) Alignment() uint { return m.alignment }

// WriteBlockJson writes the fields every implementation reports
func (m *BlockMetadataBase) WriteBlockJson(json jwriter.ObjectState, usedBytes, blockCount int) {
	json.Name("BaseAddress").String(fmt.Sprintf("%#x", m.baseAddress))
	json.Name("Alignment").Int(int(m.alignment))
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UsedBytes").Int(usedBytes)
	json.Name("UnusedBytes").Int(m.Size() - usedBytes)
	json.Name("Blocks").Int(blockCount)
}
