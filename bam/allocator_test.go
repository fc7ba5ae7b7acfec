package bam_test

import (
	"encoding/json"
	"io"
	"math"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bam/bam"
	"github.com/vkngwrapper/bam/memutils"
	"github.com/vkngwrapper/bam/memutils/metadata"
	mock_bam "github.com/vkngwrapper/bam/bam/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

// poisonedReserver backs the region with Go memory filled with a known byte, optionally starting
// at an address that is not itself aligned.
type poisonedReserver struct {
	fill byte
	skew int
}

func (r poisonedReserver) Reserve(size int) ([]byte, error) {
	data := make([]byte, size+r.skew)
	for i := range data {
		data[i] = r.fill
	}
	return data[r.skew:], nil
}

func readyAllocator(t *testing.T, options bam.CreateOptions) *bam.Allocator {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := bam.New(logger, options)
	require.NoError(t, err)

	return allocator
}

func bytesAt(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func requireAligned(t *testing.T, ptr unsafe.Pointer) {
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%16, "pointer %p is not 16-byte aligned", ptr)
}

func TestResizeScenario(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 1024 * 1024})

	a := allocator.Allocate(24)
	b := allocator.Allocate(19)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotEqual(t, a, b)

	require.Equal(t, a, allocator.Resize(a, 24))
	require.Equal(t, a, allocator.Resize(a, 22))
	require.NotEqual(t, b, allocator.Resize(b, 23))

	c := allocator.Allocate(24)
	require.Equal(t, c, allocator.Resize(c, 23))

	require.NoError(t, allocator.Validate())
}

func TestAllocateAlignment(t *testing.T) {
	for _, skew := range []int{0, 1, 3, 8, 15} {
		allocator := readyAllocator(t, bam.CreateOptions{
			RegionSize: 64 * 1024,
			Reserver:   poisonedReserver{fill: 0xCD, skew: skew},
		})

		ptr1 := allocator.Allocate(111)
		ptr2 := allocator.Allocate(222)
		ptr3 := allocator.Allocate(12)
		requireAligned(t, ptr1)
		requireAligned(t, ptr2)
		requireAligned(t, ptr3)

		for size := 1; size <= 64; size++ {
			requireAligned(t, allocator.Allocate(size))
		}

		requireAligned(t, allocator.Resize(ptr1, 92))
		requireAligned(t, allocator.Resize(ptr2, 141))
		requireAligned(t, allocator.Resize(ptr3, 1))
		requireAligned(t, allocator.Resize(ptr3, 500))

		require.NoError(t, allocator.Validate())
	}
}

func TestResizeNoShrinkMove(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 1024 * 1024})

	ptr := allocator.Allocate(100)
	copy(bytesAt(ptr, 100), []byte("pointer bumping"))

	var stats memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&stats))

	for size := 100; size > 0; size-- {
		require.Equal(t, ptr, allocator.Resize(ptr, size))
	}

	// The recorded size is not updated by a shrink, so growing back is still in place
	require.Equal(t, 100, allocator.UsableSize(ptr))
	require.Equal(t, ptr, allocator.Resize(ptr, 100))
	require.Equal(t, []byte("pointer bumping"), bytesAt(ptr, 15))

	var after memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&after))
	require.Equal(t, stats, after)
}

func TestResizeGrowCopies(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{
		RegionSize: 64 * 1024,
		Reserver:   poisonedReserver{fill: 0xEE},
	})

	ptr := allocator.Allocate(13)
	original := bytesAt(ptr, 13)
	for i := range original {
		original[i] = byte(i + 1)
	}

	grown := allocator.Resize(ptr, 17)
	require.NotNil(t, grown)
	require.NotEqual(t, ptr, grown)
	require.Equal(t, 17, allocator.UsableSize(grown))
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}, bytesAt(grown, 13))

	// Only the old size is copied; the rest of the new payload is whatever the region held
	require.Equal(t, []byte{0xEE, 0xEE, 0xEE, 0xEE}, bytesAt(unsafe.Add(grown, 13), 4))

	// The old block is leaked, not scrubbed
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}, bytesAt(ptr, 13))
	require.Greater(t, uintptr(grown), uintptr(ptr)+13)
}

func TestResizeNilAllocates(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	ptr := allocator.Resize(nil, 40)
	requireAligned(t, ptr)
	require.Equal(t, 40, allocator.UsableSize(ptr))

	require.Nil(t, allocator.Resize(nil, 0))
}

type grantedRange struct {
	start uintptr
	end   uintptr
}

func TestNoOverlap(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 1024 * 1024})

	var granted []grantedRange
	seen := map[unsafe.Pointer]bool{}
	record := func(ptr unsafe.Pointer) {
		require.NotNil(t, ptr)
		if seen[ptr] {
			return
		}
		seen[ptr] = true

		size := allocator.UsableSize(ptr)
		granted = append(granted, grantedRange{
			start: uintptr(ptr) - uintptr(metadata.HeaderSize),
			end:   uintptr(ptr) + uintptr(size),
		})
	}

	var live []unsafe.Pointer
	for i := 0; i < 200; i++ {
		size := (i*37)%300 + 1
		ptr := allocator.Allocate(size)
		record(ptr)
		live = append(live, ptr)

		if i%3 == 0 {
			victim := live[i/2]
			resized := allocator.Resize(victim, allocator.UsableSize(victim)+i%50)
			record(resized)
			live[i/2] = resized
		}

		if i%5 == 0 {
			allocator.Release(live[i/4])
		}
	}

	// Blocks are minted in address order, so sorting by start must keep them in mint order too
	require.True(t, sort.SliceIsSorted(granted, func(i, j int) bool {
		return granted[i].start < granted[j].start
	}))
	for i := 1; i < len(granted); i++ {
		require.GreaterOrEqual(t, granted[i].start, granted[i-1].end)
	}

	require.NoError(t, allocator.Validate())
}

func TestZeroSize(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	require.NotPanics(t, func() {
		require.Nil(t, allocator.Allocate(0))
	})

	ptr := allocator.Allocate(64)
	require.NotNil(t, ptr)
	require.Nil(t, allocator.Resize(ptr, 0))

	// The released block is still intact; nothing was reclaimed
	require.Equal(t, 64, allocator.UsableSize(ptr))

	require.Nil(t, allocator.ZeroAllocate(0, 16))
	require.Nil(t, allocator.ZeroAllocate(16, 0))

	var stats memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&stats))
	require.Equal(t, 1, stats.BlockCount)
}

func TestNegativeSize(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	require.Nil(t, allocator.Allocate(-1))

	ptr := allocator.Allocate(32)
	require.Nil(t, allocator.Resize(ptr, -1))
	require.Equal(t, 32, allocator.UsableSize(ptr))
}

func TestOutOfCapacity(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{
		RegionSize: 4096,
		Reserver:   poisonedReserver{fill: 0x11},
	})

	ptr := allocator.Allocate(100)
	payload := bytesAt(ptr, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	snapshot := append([]byte(nil), payload...)

	var before memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&before))

	require.Nil(t, allocator.Allocate(4096))
	require.Nil(t, allocator.Allocate(math.MaxInt))
	require.Nil(t, allocator.ZeroAllocate(1024, 1024))
	require.Nil(t, allocator.Resize(ptr, 8192))

	var after memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&after))
	require.Equal(t, before, after)

	require.Equal(t, snapshot, bytesAt(ptr, 100))
	require.Equal(t, 100, allocator.UsableSize(ptr))

	// Whatever room is left is still usable
	rest := allocator.Allocate(before.UnusedBytes() - 2*metadata.HeaderSize - 16 - memutils.DebugMargin)
	require.NotNil(t, rest)
	require.NoError(t, allocator.Validate())
}

func TestZeroAllocateFills(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{
		RegionSize: 1024 * 1024,
		Reserver:   poisonedReserver{fill: 0xAB},
	})

	require.Nil(t, allocator.ZeroAllocate(0, 1))

	ptr := allocator.ZeroAllocate(1, 1)
	requireAligned(t, ptr)
	require.Equal(t, []byte{0}, bytesAt(ptr, 1))

	const pages = 16
	size := pages * 4096
	ptr = allocator.ZeroAllocate(pages, 4096)
	requireAligned(t, ptr)
	require.Equal(t, make([]byte, size), bytesAt(ptr, size))

	// Plain Allocate does not clear anything
	raw := allocator.Allocate(8)
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB}, bytesAt(raw, 8))
}

func TestZeroAllocateOverflow(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	var before memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&before))

	require.Nil(t, allocator.ZeroAllocate(math.MaxInt, 2))
	require.Nil(t, allocator.ZeroAllocate(1<<40, 1<<40))
	require.Nil(t, allocator.ZeroAllocate(-1, 8))

	var after memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&after))
	require.Equal(t, before, after)
}

func TestReleaseIsNoop(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	ptr := allocator.Allocate(48)
	copy(bytesAt(ptr, 48), []byte("leaked on purpose"))

	var before memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&before))

	allocator.Release(ptr)
	allocator.Release(ptr)
	allocator.Release(nil)
	allocator.Release(unsafe.Pointer(&before))

	var after memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&after))
	require.Equal(t, before, after)
	require.Equal(t, []byte("leaked on purpose"), bytesAt(ptr, 17))

	next := allocator.Allocate(48)
	require.Greater(t, uintptr(next), uintptr(ptr)+48)
}

func TestInitIsIdempotent(t *testing.T) {
	ctrl := gomock.NewController(t)
	reserver := mock_bam.NewMockReserver(ctrl)
	reserver.EXPECT().Reserve(8192).Return(make([]byte, 8192), nil).Times(1)

	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 8192, Reserver: reserver})

	require.NoError(t, allocator.Init())
	require.NoError(t, allocator.Init())

	ptr := allocator.Allocate(16)
	require.NotNil(t, ptr)
	require.NotNil(t, allocator.ZeroAllocate(2, 8))
	require.NotNil(t, allocator.Resize(ptr, 32))
	allocator.Release(ptr)
	require.NoError(t, allocator.Init())
}

func TestInitIsLazy(t *testing.T) {
	ctrl := gomock.NewController(t)
	reserver := mock_bam.NewMockReserver(ctrl)

	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 8192, Reserver: reserver})
	require.NoError(t, allocator.Validate())
	require.NoError(t, allocator.CheckCorruption())

	var stats memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&stats))
	require.Zero(t, stats.BlockCount)

	reserver.EXPECT().Reserve(8192).Return(make([]byte, 8192), nil).Times(1)
	require.Nil(t, allocator.Allocate(0))
}

func TestInitFailureIsFatal(t *testing.T) {
	ctrl := gomock.NewController(t)
	reserver := mock_bam.NewMockReserver(ctrl)
	reserveErr := errors.New("cannot allocate memory")
	reserver.EXPECT().Reserve(8192).Return(nil, reserveErr).Times(1)

	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 8192, Reserver: reserver})

	require.Panics(t, func() {
		allocator.Allocate(16)
	})
	require.Panics(t, func() {
		allocator.Release(nil)
	})

	err := allocator.Init()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrRegionReservation))
	require.True(t, errors.Is(err, reserveErr))
	require.ErrorIs(t, allocator.Validate(), err)
}

func TestInitShortReservation(t *testing.T) {
	ctrl := gomock.NewController(t)
	reserver := mock_bam.NewMockReserver(ctrl)
	reserver.EXPECT().Reserve(8192).Return(make([]byte, 4096), nil).Times(1)

	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 8192, Reserver: reserver})

	err := allocator.Init()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrRegionReservation))
}

func TestNewOptions(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := bam.New(logger, bam.CreateOptions{Alignment: 24})
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))

	_, err = bam.New(logger, bam.CreateOptions{Alignment: 4})
	require.Error(t, err)

	_, err = bam.New(logger, bam.CreateOptions{RegionSize: -1})
	require.Error(t, err)

	allocator, err := bam.New(nil, bam.CreateOptions{Alignment: 64, RegionSize: 64 * 1024})
	require.NoError(t, err)
	for i := 1; i < 20; i++ {
		ptr := allocator.Allocate(i)
		require.Zero(t, uintptr(ptr)%64)
	}
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", bam.CreateFlags(0).String())
	require.Equal(t, "CreateSynchronized", bam.CreateSynchronized.String())
	require.Equal(t, "CreateSynchronized|Unknown", (bam.CreateSynchronized | 8).String())
}

func TestStatistics(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	for _, size := range []int{24, 19, 32} {
		require.NotNil(t, allocator.Allocate(size))
	}

	var stats memutils.DetailedStatistics
	require.NoError(t, allocator.CalculateStatistics(&stats))

	require.Equal(t, 1, stats.RegionCount)
	require.Equal(t, 64*1024, stats.RegionBytes)
	require.Equal(t, 3, stats.BlockCount)
	require.Equal(t, 75, stats.PayloadBytes)
	require.Equal(t, 19, stats.PayloadSizeMin)
	require.Equal(t, 32, stats.PayloadSizeMax)
	require.GreaterOrEqual(t, stats.OverheadBytes, 3*metadata.HeaderSize)
	require.Less(t, stats.PaddingSizeMax, 16)
}

func TestBuildStatsString(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	var uninitialized map[string]any
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &uninitialized))
	require.Equal(t, false, uninitialized["General"].(map[string]any)["Initialized"])
	require.NotContains(t, uninitialized, "Region")

	allocator.Allocate(24)
	allocator.Allocate(24)

	var doc struct {
		General struct {
			RegionSize  int
			Alignment   int
			HeaderSize  int
			Flags       string
			Initialized bool
		}
		Total struct {
			BlockCount   int
			PayloadBytes int
		}
		Region struct {
			TotalBytes int
			Blocks     int
			Map        []struct {
				Offset int
				Type   string
				Size   int
			}
		}
	}
	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &doc))

	require.Equal(t, 64*1024, doc.General.RegionSize)
	require.Equal(t, 16, doc.General.Alignment)
	require.Equal(t, metadata.HeaderSize, doc.General.HeaderSize)
	require.Equal(t, "None", doc.General.Flags)
	require.True(t, doc.General.Initialized)
	require.Equal(t, 2, doc.Total.BlockCount)
	require.Equal(t, 48, doc.Total.PayloadBytes)
	require.Equal(t, 64*1024, doc.Region.TotalBytes)
	require.Equal(t, 2, doc.Region.Blocks)

	var blocks []int
	for _, region := range doc.Region.Map {
		if region.Type == metadata.RegionTypeBlock.String() {
			blocks = append(blocks, region.Size)
		}
	}
	require.Equal(t, []int{24, 24}, blocks)
	require.Equal(t, metadata.RegionTypeUnused.String(), doc.Region.Map[len(doc.Region.Map)-1].Type)
}

func TestSynchronizedAllocations(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{
		Flags:      bam.CreateSynchronized,
		RegionSize: 4 * 1024 * 1024,
	})

	const workers = 8
	const perWorker = 200

	results := make([][]unsafe.Pointer, workers)
	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ptr := allocator.Allocate(32)
				if i%2 == 0 {
					ptr = allocator.Resize(ptr, 48)
				}
				results[worker] = append(results[worker], ptr)
			}
		}(worker)
	}
	wg.Wait()

	var all []uintptr
	for _, pointers := range results {
		for _, ptr := range pointers {
			require.NotNil(t, ptr)
			all = append(all, uintptr(ptr))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i := 1; i < len(all); i++ {
		require.GreaterOrEqual(t, all[i]-all[i-1], uintptr(32+metadata.HeaderSize))
	}

	require.NoError(t, allocator.Validate())
}

func TestDefaultAllocator(t *testing.T) {
	require.Same(t, bam.Default(), bam.Default())

	x := bam.Malloc(24)
	y := bam.Malloc(19)
	requireAligned(t, x)
	requireAligned(t, y)
	require.NotEqual(t, x, y)

	require.Equal(t, x, bam.Realloc(x, 24))
	require.Equal(t, x, bam.Realloc(x, 22))
	require.NotEqual(t, y, bam.Realloc(y, 23))

	z := bam.Calloc(4, 8)
	require.Equal(t, make([]byte, 32), bytesAt(z, 32))

	bam.Free(z)
	bam.Free(nil)
	require.Nil(t, bam.Malloc(0))
}
