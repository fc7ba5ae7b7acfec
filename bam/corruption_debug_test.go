//go:build debug_mem_utils

package bam_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bam/bam"
	"github.com/vkngwrapper/bam/memutils"
)

func TestCheckCorruptionDetectsOverrun(t *testing.T) {
	allocator := readyAllocator(t, bam.CreateOptions{RegionSize: 64 * 1024})

	first := allocator.Allocate(16)
	allocator.Allocate(16)
	require.NoError(t, allocator.CheckCorruption())

	// Write four bytes past the end of the first payload
	overrun := bytesAt(first, 20)
	for i := range overrun {
		overrun[i] = 0xFF
	}

	err := allocator.CheckCorruption()
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrCorruption))
}
