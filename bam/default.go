package bam

import (
	"sync"
	"unsafe"

	"golang.org/x/exp/slog"
)

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide Allocator used by Malloc, Calloc, Realloc, and Free. It is
// created with default CreateOptions and slog.Default() on first use; its region is reserved on
// the first allocation.
func Default() *Allocator {
	defaultOnce.Do(func() {
		allocator, err := New(slog.Default(), CreateOptions{})
		if err != nil {
			panic(err)
		}
		defaultAllocator = allocator
	})

	return defaultAllocator
}

// Malloc allocates size bytes from the default allocator. See Allocator.Allocate.
func Malloc(size int) unsafe.Pointer {
	return Default().Allocate(size)
}

// Calloc allocates count*elemSize zeroed bytes from the default allocator. See Allocator.ZeroAllocate.
func Calloc(count, elemSize int) unsafe.Pointer {
	return Default().ZeroAllocate(count, elemSize)
}

// Realloc resizes a block from the default allocator. See Allocator.Resize.
func Realloc(ptr unsafe.Pointer, size int) unsafe.Pointer {
	return Default().Resize(ptr, size)
}

// Free releases a block from the default allocator, which leaks it. See Allocator.Release.
func Free(ptr unsafe.Pointer) {
	Default().Release(ptr)
}
