package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/bam/memutils"
)

// BumpBlockMetadata is a BlockMetadata implementation for a pointer-bumping heap. Blocks are
// carved from the region in address order by advancing a single cursor, and the cursor never
// moves backwards: released blocks are leaked, never reused.
//
// Each block is a header of HeaderSize bytes followed by the payload, with enough padding in
// front of the header that the payload's absolute address is a multiple of the alignment.
// Because the padding is a pure function of the cursor, the layout of the whole region can be
// recovered by walking the headers from offset 0, and no per-block bookkeeping is kept.
type BumpBlockMetadata struct {
	BlockMetadataBase

	cursor       int
	blockCount   int
	payloadBytes int
}

var _ BlockMetadata = &BumpBlockMetadata{}

// NewBumpBlockMetadata creates a new BumpBlockMetadata for a region starting at baseAddress.
// Payloads will be aligned to alignment, which must be a power of two.
func NewBumpBlockMetadata(baseAddress uintptr, alignment uint) *BumpBlockMetadata {
	memutils.DebugCheckPow2(alignment, "alignment")

	return &BumpBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(baseAddress, alignment),
	}
}

// Cursor returns the region offset of the next unused byte
func (m *BumpBlockMetadata) Cursor() int { return m.cursor }

// SumFreeSize returns the number of bytes between the cursor and the end of the region
func (m *BumpBlockMetadata) SumFreeSize() int {
	return m.Size() - m.cursor
}

// AllocationCount returns the number of blocks that have been granted. Released blocks are
// still counted, since they are never reclaimed.
func (m *BumpBlockMetadata) AllocationCount() int {
	return m.blockCount
}

// IsEmpty will return true if no block has ever been granted from the region
func (m *BumpBlockMetadata) IsEmpty() bool {
	return m.blockCount == 0
}

// MayHaveFreeBlock is a fast heuristic indicating whether an allocation of the provided payload
// size could possibly succeed. It ignores padding, so it may return false positives.
func (m *BumpBlockMetadata) MayHaveFreeBlock(size int) bool {
	return size >= 0 && size <= m.SumFreeSize()-HeaderSize-memutils.DebugMargin
}

// nextHeaderOffset returns the offset of the header for the first block placed at or after
// offset.
func (m *BumpBlockMetadata) nextHeaderOffset(offset int) (int, bool) {
	unpadded := m.baseAddress + uintptr(offset) + uintptr(HeaderSize)
	payloadAddress, ok := memutils.AlignUpPtr(unpadded, m.alignment)
	if !ok {
		return 0, false
	}

	return int(payloadAddress-m.baseAddress) - HeaderSize, true
}

// CreateAllocationRequest calculates where a payload of allocSize bytes would be placed. The
// boolean return is false if the block would cross the end of the region; in that case
// nothing about the metadata changes.
func (m *BumpBlockMetadata) CreateAllocationRequest(allocSize int) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Errorf("allocation size must be positive, but was %d", allocSize)
	}

	headerOffset, ok := m.nextHeaderOffset(m.cursor)
	if !ok {
		return false, AllocationRequest{}, nil
	}
	payloadOffset := headerOffset + HeaderSize

	// Compared this way around so that a huge allocSize cannot overflow
	remaining := m.Size() - payloadOffset - memutils.DebugMargin
	if allocSize > remaining {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(payloadOffset),
		Cursor:                m.cursor,
		Padding:               headerOffset - m.cursor,
		HeaderOffset:          headerOffset,
		PayloadOffset:         payloadOffset,
		Size:                  allocSize,
		End:                   payloadOffset + allocSize + memutils.DebugMargin,
	}, nil
}

// Alloc commits an AllocationRequest, advancing the cursor to the end of the new block
func (m *BumpBlockMetadata) Alloc(request AllocationRequest) error {
	if request.Cursor != m.cursor {
		return errors.Errorf("allocation request was created at cursor %d, but the cursor is now %d", request.Cursor, m.cursor)
	}

	if request.HeaderOffset != request.Cursor+request.Padding || request.PayloadOffset != request.HeaderOffset+HeaderSize {
		return errors.Errorf("allocation request layout is inconsistent: cursor %d, padding %d, header offset %d, payload offset %d",
			request.Cursor, request.Padding, request.HeaderOffset, request.PayloadOffset)
	}

	if request.End > m.Size() {
		return errors.Errorf("allocation request ends at offset %d, past the end of the region at %d", request.End, m.Size())
	}

	m.cursor = request.End
	m.blockCount++
	m.payloadBytes += request.Size

	return nil
}

// Free does nothing. Released blocks are leaked: the cursor only moves forward and no range is
// ever handed out twice.
func (m *BumpBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	return nil
}

// Validate performs cheap internal consistency checks that do not require reading the region.
func (m *BumpBlockMetadata) Validate() error {
	if m.cursor < 0 || m.cursor > m.Size() {
		return errors.Errorf("cursor %d is outside of the region, which has size %d", m.cursor, m.Size())
	}

	if m.blockCount < 0 || m.payloadBytes < 0 {
		return errors.Errorf("metadata reports %d blocks and %d payload bytes", m.blockCount, m.payloadBytes)
	}

	if m.payloadBytes+m.blockCount*(HeaderSize+memutils.DebugMargin) > m.cursor {
		return errors.Errorf("metadata reports %d blocks holding %d payload bytes, which cannot fit before cursor %d",
			m.blockCount, m.payloadBytes, m.cursor)
	}

	if m.blockCount == 0 && m.cursor != 0 {
		return errors.Errorf("no blocks have been granted, but the cursor is at %d", m.cursor)
	}

	return nil
}

// ValidateRegion walks the region at blockData and checks that the headers it finds agree with
// the metadata.
func (m *BumpBlockMetadata) ValidateRegion(blockData unsafe.Pointer) error {
	err := m.Validate()
	if err != nil {
		return err
	}

	var blockCount, payloadBytes int
	err = m.VisitAllRegions(blockData, func(handle BlockAllocationHandle, offset int, size int, regionType RegionType) error {
		if regionType != RegionTypeBlock {
			return nil
		}

		if !memutils.IsAligned(m.baseAddress+uintptr(offset), m.alignment) {
			return errors.Errorf("payload at offset %d is not aligned to %d bytes", offset, m.alignment)
		}

		blockCount++
		payloadBytes += size
		return nil
	})
	if err != nil {
		return err
	}

	if blockCount != m.blockCount {
		return errors.Errorf("walked %d blocks in the region, but metadata indicates there should be %d", blockCount, m.blockCount)
	}

	if payloadBytes != m.payloadBytes {
		return errors.Errorf("walked %d payload bytes in the region, but metadata indicates there should be %d", payloadBytes, m.payloadBytes)
	}

	return nil
}

// VisitAllRegions will call the provided callback once for each block, padding range, and the
// unused tail of the region at blockData, in address order. For blocks, offset and size describe
// the payload as recorded in its header.
func (m *BumpBlockMetadata) VisitAllRegions(blockData unsafe.Pointer, handleRegion func(handle BlockAllocationHandle, offset int, size int, regionType RegionType) error) error {
	offset := 0

	for offset < m.cursor {
		headerOffset, ok := m.nextHeaderOffset(offset)
		if !ok || headerOffset+HeaderSize > m.cursor {
			return errors.Errorf("expected a header after offset %d, but it would lie past the cursor at %d", offset, m.cursor)
		}

		if headerOffset > offset {
			err := handleRegion(NoAllocation, offset, headerOffset-offset, RegionTypePadding)
			if err != nil {
				return err
			}
		}

		payloadOffset := headerOffset + HeaderSize
		size := ReadHeader(unsafe.Add(blockData, headerOffset))
		if size <= 0 || size > m.cursor-payloadOffset-memutils.DebugMargin {
			return errors.Errorf("header at offset %d records a payload size of %d, which does not fit before the cursor at %d", headerOffset, size, m.cursor)
		}

		err := handleRegion(BlockAllocationHandle(payloadOffset), payloadOffset, size, RegionTypeBlock)
		if err != nil {
			return err
		}

		offset = payloadOffset + size + memutils.DebugMargin
	}

	if m.cursor < m.Size() {
		return handleRegion(NoAllocation, m.cursor, m.Size()-m.cursor, RegionTypeUnused)
	}

	return nil
}

// AddDetailedStatistics sums this region's statistics into the provided memutils.DetailedStatistics
func (m *BumpBlockMetadata) AddDetailedStatistics(blockData unsafe.Pointer, stats *memutils.DetailedStatistics) error {
	stats.RegionCount++
	stats.RegionBytes += m.Size()

	return m.VisitAllRegions(blockData, func(handle BlockAllocationHandle, offset int, size int, regionType RegionType) error {
		switch regionType {
		case RegionTypePadding:
			stats.AddPadding(size)
		case RegionTypeBlock:
			stats.AddBlock(size, HeaderSize+memutils.DebugMargin)
		}

		return nil
	})
}

// AddStatistics sums this region's statistics into the provided memutils.Statistics
func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.RegionCount++
	stats.RegionBytes += m.Size()
	stats.BlockCount += m.blockCount
	stats.PayloadBytes += m.payloadBytes
	stats.OverheadBytes += m.cursor - m.payloadBytes
}

// BlockJsonData populates a json object with information about this region
func (m *BumpBlockMetadata) BlockJsonData(json jwriter.ObjectState) {
	m.WriteBlockJson(json, m.cursor, m.blockCount)
	json.Name("PayloadBytes").Int(m.payloadBytes)
	json.Name("OverheadBytes").Int(m.cursor - m.payloadBytes)
}

// CheckCorruption verifies the debug markers written after every payload in the region at
// blockData.
func (m *BumpBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	return m.VisitAllRegions(blockData, func(handle BlockAllocationHandle, offset int, size int, regionType RegionType) error {
		if regionType != RegionTypeBlock {
			return nil
		}

		if !memutils.ValidateMagicValue(blockData, offset+size) {
			return errors.Wrapf(memutils.ErrCorruption, "marker after the payload at offset %d (size %d) was overwritten", offset, size)
		}

		return nil
	})
}
