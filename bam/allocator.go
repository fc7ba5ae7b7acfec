package bam

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bam/bam/internal/utils"
	"github.com/vkngwrapper/bam/memutils"
	"github.com/vkngwrapper/bam/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocator is a pointer-bumping heap. It owns one contiguous region of memory and a cursor
// into it; every block is carved from the cursor, which only ever moves forward. Released
// blocks are never reused.
//
// The four allocation methods mirror malloc, calloc, realloc, and free. Like those, they report
// failure only by returning nil.
type Allocator struct {
	logger      *slog.Logger
	createFlags CreateFlags
	regionSize  int
	alignment   uint
	reserver    Reserver

	mutex       utils.OptionalMutex
	initialized bool
	initErr     error

	memory   []byte
	base     unsafe.Pointer
	metadata *metadata.BumpBlockMetadata
}

// Init reserves the allocator's region if that has not happened yet. It is called implicitly
// by every allocation method, where a failure is fatal; calling it directly lets the consumer
// handle the error instead. Reservation is only ever attempted once: if it failed, every later
// call returns the same error.
func (a *Allocator) Init() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.initLocked()
}

func (a *Allocator) initLocked() error {
	if a.initialized {
		return a.initErr
	}
	a.initialized = true

	data, err := a.reserver.Reserve(a.regionSize)
	if err == nil && len(data) < a.regionSize {
		err = errors.Newf("reserver returned %d bytes, but %d were requested", len(data), a.regionSize)
	}
	if err != nil {
		a.initErr = errors.Mark(errors.Wrapf(err, "could not reserve %d bytes for the heap region", a.regionSize), memutils.ErrRegionReservation)
		return a.initErr
	}

	a.memory = data[:a.regionSize:a.regionSize]
	a.base = unsafe.Pointer(unsafe.SliceData(a.memory))
	a.metadata = metadata.NewBumpBlockMetadata(uintptr(a.base), a.alignment)
	a.metadata.Init(a.regionSize)

	a.logger.Debug("Allocator::Init",
		slog.String("BaseAddress", fmt.Sprintf("%p", a.base)),
		slog.Int("RegionSize", a.regionSize),
	)

	return nil
}

// ensureInitialized reserves the region on first use. Nothing can be allocated without the
// region, so a failure here panics.
func (a *Allocator) ensureInitialized() {
	err := a.initLocked()
	if err != nil {
		a.logger.Error("heap region could not be reserved", slog.Any("error", err))
		panic(err)
	}
}

// Allocate returns a pointer to size bytes of uninitialized memory whose address is a multiple
// of the allocator's alignment. It returns nil if size is 0, which is not a failure, and nil
// if size is negative or the region does not have room for the block.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ensureInitialized()

	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size))
	return a.allocateLocked(size)
}

func (a *Allocator) allocateLocked(size int) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if size < 0 {
		a.logger.Debug("  Allocate FAILED: negative size", slog.Int("Size", size))
		return nil
	}

	success, request, err := a.metadata.CreateAllocationRequest(size)
	if err != nil {
		a.logger.Error("  Allocate FAILED", slog.Any("error", err))
		return nil
	}
	if !success {
		a.logger.Debug("  Allocate FAILED: out of memory",
			slog.Int("Size", size),
			slog.Int("SumFreeSize", a.metadata.SumFreeSize()),
		)
		return nil
	}

	err = a.metadata.Alloc(request)
	if err != nil {
		panic(fmt.Sprintf("failed to commit allocation request with unexpected error: %+v", err))
	}

	header := unsafe.Add(a.base, request.HeaderOffset)
	metadata.WriteHeader(header, size)
	memutils.WriteMagicValue(a.base, request.PayloadOffset+size)
	memutils.DebugValidate(a.metadata)

	return metadata.PayloadFromHeader(header)
}

// ZeroAllocate returns a pointer to count*elemSize bytes of memory, every one of which is zero.
// It returns nil if the product is 0, and nil if either operand is negative, the product
// overflows an int, or the region does not have room for the block.
func (a *Allocator) ZeroAllocate(count, elemSize int) unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ensureInitialized()

	a.logger.Debug("Allocator::ZeroAllocate", slog.Int("Count", count), slog.Int("ElementSize", elemSize))

	size, ok := memutils.MulInt(count, elemSize)
	if !ok {
		a.logger.Debug("  ZeroAllocate FAILED: size overflows", slog.Int("Count", count), slog.Int("ElementSize", elemSize))
		return nil
	}

	ptr := a.allocateLocked(size)
	if ptr != nil {
		clear(unsafe.Slice((*byte)(ptr), size))
	}

	return ptr
}

// Resize changes the size of the block at ptr to newSize bytes.
//
// A nil ptr behaves like Allocate(newSize), and a newSize of 0 releases the block and returns nil.
// If newSize fits in the size the block was granted with, ptr is returned as-is and the block's
// recorded size is left alone, even when shrinking. Otherwise a new block is allocated, the old
// block's contents are copied into it, and the old block is released. If that allocation fails,
// Resize returns nil and the block at ptr remains valid and untouched.
func (a *Allocator) Resize(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ensureInitialized()

	a.logger.Debug("Allocator::Resize", slog.String("Address", fmt.Sprintf("%p", ptr)), slog.Int("Size", newSize))

	if ptr == nil {
		return a.allocateLocked(newSize)
	}

	if newSize == 0 {
		a.releaseLocked(ptr)
		return nil
	}

	if newSize < 0 {
		a.logger.Debug("  Resize FAILED: negative size", slog.Int("Size", newSize))
		return nil
	}

	oldSize := metadata.PayloadSize(ptr)
	if newSize <= oldSize {
		return ptr
	}

	newPtr := a.allocateLocked(newSize)
	if newPtr == nil {
		return nil
	}

	copy(unsafe.Slice((*byte)(newPtr), oldSize), unsafe.Slice((*byte)(ptr), oldSize))
	a.releaseLocked(ptr)

	return newPtr
}

// Release hands the block at ptr back to the allocator, which does nothing with it. The block
// is leaked: its bytes are not reclaimed, zeroed, or ever handed out again. Releasing nil, or
// the same pointer more than once, is harmless.
func (a *Allocator) Release(ptr unsafe.Pointer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.ensureInitialized()

	a.releaseLocked(ptr)
}

func (a *Allocator) releaseLocked(ptr unsafe.Pointer) {
	a.logger.Debug("Allocator::Release", slog.String("Address", fmt.Sprintf("%p", ptr)))

	// BumpBlockMetadata.Free does not move the cursor, so the block is leaked
	_ = a.metadata.Free(a.handleFor(ptr))
}

func (a *Allocator) handleFor(ptr unsafe.Pointer) metadata.BlockAllocationHandle {
	if ptr == nil || a.base == nil {
		return metadata.NoAllocation
	}

	address := uintptr(ptr)
	base := uintptr(a.base)
	if address < base || address >= base+uintptr(a.regionSize) {
		return metadata.NoAllocation
	}

	return metadata.BlockAllocationHandle(address - base)
}

// UsableSize returns the payload size recorded for the block at ptr, which must have been
// returned by this allocator. After a shrinking Resize this is still the size the block was
// originally granted with. It returns 0 for nil.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}

	return metadata.PayloadSize(ptr)
}

// Validate walks every header in the region and verifies that the allocator's layout is
// consistent. It is expensive and meant for diagnostics. It returns nil if the region has not
// been reserved yet.
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.initialized {
		return nil
	}
	if a.initErr != nil {
		return a.initErr
	}

	return a.metadata.ValidateRegion(a.base)
}

// CheckCorruption verifies the debug markers written after every payload. Markers are only
// written when built with the `debug_mem_utils` build tag; otherwise this walks the region
// and returns nil.
func (a *Allocator) CheckCorruption() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.logger.Debug("Allocator::CheckCorruption")

	if !a.initialized {
		return nil
	}
	if a.initErr != nil {
		return a.initErr
	}

	return a.metadata.CheckCorruption(a.base)
}

// CalculateStatistics clears stats and fills it with the allocator's current statistics. Every
// block ever granted is counted, released or not.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.Clear()

	if !a.initialized || a.initErr != nil {
		return nil
	}

	return a.metadata.AddDetailedStatistics(a.base, stats)
}

// BuildStatsString returns a JSON document describing the allocator. When detailedMap is true,
// it includes every block and padding range in the region.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("RegionSize").Int(a.regionSize)
	general.Name("Alignment").Int(int(a.alignment))
	general.Name("HeaderSize").Int(metadata.HeaderSize)
	general.Name("Flags").String(a.createFlags.String())
	general.Name("Initialized").Bool(a.initialized && a.initErr == nil)
	general.End()

	var stats memutils.DetailedStatistics
	stats.Clear()
	if a.initialized && a.initErr == nil {
		err := a.metadata.AddDetailedStatistics(a.base, &stats)
		if err != nil {
			a.logger.Error("failed to walk heap region for statistics", slog.Any("error", err))
		}
	}
	printStatistics(root.Name("Total").Object(), &stats)

	if a.initialized && a.initErr == nil {
		region := root.Name("Region").Object()
		a.metadata.BlockJsonData(region)
		if detailedMap {
			a.printDetailedMap(region)
		}
		region.End()
	}

	root.End()

	return string(writer.Bytes())
}

func printStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	defer json.End()

	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("PayloadBytes").Int(stats.PayloadBytes)
	json.Name("OverheadBytes").Int(stats.OverheadBytes)
	json.Name("UnusedBytes").Int(stats.UnusedBytes())
	json.Name("PaddingRangeCount").Int(stats.PaddingRangeCount)

	if stats.BlockCount > 0 {
		json.Name("PayloadSizeMin").Int(stats.PayloadSizeMin)
		json.Name("PayloadSizeMax").Int(stats.PayloadSizeMax)
	}
	if stats.PaddingRangeCount > 0 {
		json.Name("PaddingSizeMax").Int(stats.PaddingSizeMax)
	}
}

func (a *Allocator) printDetailedMap(json jwriter.ObjectState) {
	arrayState := json.Name("Map").Array()
	defer arrayState.End()

	err := a.metadata.VisitAllRegions(a.base, func(handle metadata.BlockAllocationHandle, offset int, size int, regionType metadata.RegionType) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Type").String(regionType.String())
		obj.Name("Size").Int(size)

		return nil
	})
	if err != nil {
		a.logger.Error("failed to walk heap region for detailed map", slog.Any("error", err))
	}
}
