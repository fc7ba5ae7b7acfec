// Command bam-smoketest drives a bam.Allocator through its four allocation methods and prints
// a PASS or FAIL line for each scenario. It exits with status 1 if any scenario fails.
package main

import (
	"flag"
	"fmt"
	"os"
	"unsafe"

	"github.com/vkngwrapper/bam/bam"
	"golang.org/x/exp/slog"
)

type scenario struct {
	name string
	run  func(allocator *bam.Allocator) bool
}

func bytesAt(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func aligned(pointers ...unsafe.Pointer) bool {
	for _, ptr := range pointers {
		if ptr == nil || uintptr(ptr)%16 != 0 {
			return false
		}
	}
	return true
}

var scenarios = []scenario{
	{
		name: "no copy when new size == old size",
		run: func(allocator *bam.Allocator) bool {
			x := allocator.Allocate(24)
			return x != nil && allocator.Resize(x, 24) == x
		},
	},
	{
		name: "no copy when new size < old size",
		run: func(allocator *bam.Allocator) bool {
			x := allocator.Allocate(24)
			return x != nil && allocator.Resize(x, 22) == x
		},
	},
	{
		name: "copy when new size > old size",
		run: func(allocator *bam.Allocator) bool {
			y := allocator.Allocate(19)
			yNew := allocator.Resize(y, 23)
			return y != nil && yNew != nil && yNew != y
		},
	},
	{
		name: "resize copies contents",
		run: func(allocator *bam.Allocator) bool {
			arr := allocator.Allocate(13)
			if arr == nil {
				return false
			}
			for i, b := 0, bytesAt(arr, 13); i < len(b); i++ {
				b[i] = byte(i)
			}

			arrNew := allocator.Resize(arr, 17)
			if arrNew == nil {
				return false
			}
			for i, b := 0, bytesAt(arrNew, 13); i < len(b); i++ {
				if b[i] != byte(i) {
					return false
				}
			}
			return true
		},
	},
	{
		name: "allocate alignment",
		run: func(allocator *bam.Allocator) bool {
			return aligned(allocator.Allocate(111), allocator.Allocate(222), allocator.Allocate(12))
		},
	},
	{
		name: "resize alignment",
		run: func(allocator *bam.Allocator) bool {
			ptr1 := allocator.Allocate(111)
			ptr2 := allocator.Allocate(222)
			ptr3 := allocator.Allocate(12)
			return aligned(allocator.Resize(ptr1, 92), allocator.Resize(ptr2, 141), allocator.Resize(ptr3, 1), allocator.Resize(ptr3, 300))
		},
	},
	{
		name: "zero size is not a failure",
		run: func(allocator *bam.Allocator) bool {
			x := allocator.Allocate(8)
			return allocator.Allocate(0) == nil && x != nil && allocator.Resize(x, 0) == nil
		},
	},
	{
		name: "zero allocate clears memory",
		run: func(allocator *bam.Allocator) bool {
			const size = 3 * 4096
			ptr := allocator.ZeroAllocate(3, 4096)
			if ptr == nil {
				return false
			}
			for _, b := range bytesAt(ptr, size) {
				if b != 0 {
					return false
				}
			}
			return true
		},
	},
	{
		name: "release is a no-op",
		run: func(allocator *bam.Allocator) bool {
			x := allocator.Allocate(32)
			allocator.Release(x)
			allocator.Release(x)
			allocator.Release(nil)
			y := allocator.Allocate(32)
			return y != nil && uintptr(y) > uintptr(x)
		},
	},
}

func main() {
	regionSize := flag.Int("region-size", bam.DefaultRegionSize, "bytes of address space to reserve for the heap")
	verbose := flag.Bool("v", false, "log every allocator operation")
	stats := flag.Bool("stats", false, "print allocator statistics as JSON when done")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	allocator, err := bam.New(logger, bam.CreateOptions{RegionSize: *regionSize})
	if err != nil {
		logger.Error("could not create allocator", slog.Any("error", err))
		os.Exit(2)
	}

	err = allocator.Init()
	if err != nil {
		logger.Error("could not reserve heap region", slog.Any("error", err))
		os.Exit(2)
	}

	failed := 0
	for index, s := range scenarios {
		result := "PASS"
		if !s.run(allocator) {
			result = "FAIL"
			failed++
		}
		fmt.Printf("TEST_%d (%s) %s\n", index+1, s.name, result)
	}

	err = allocator.Validate()
	if err != nil {
		fmt.Printf("heap validation FAILED: %+v\n", err)
		failed++
	}

	if *stats {
		fmt.Println(allocator.BuildStatsString(true))
	}

	if failed > 0 {
		os.Exit(1)
	}
}
