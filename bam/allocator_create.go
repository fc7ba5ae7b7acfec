package bam

import (
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bam/bam/internal/utils"
	"github.com/vkngwrapper/bam/memutils"
	"github.com/vkngwrapper/bam/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSynchronized guards region initialization and every cursor advance with a mutex so
	// that the allocator may be used from several goroutines at once. Without it, the consumer
	// must guarantee the allocator is only used from one goroutine at a time.
	CreateSynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = []struct {
	flag CreateFlags
	name string
}{
	{CreateSynchronized, "CreateSynchronized"},
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for _, mapping := range createFlagsMapping {
		if f&mapping.flag != 0 {
			names = append(names, mapping.name)
			f &^= mapping.flag
		}
	}

	if f != 0 {
		names = append(names, "Unknown")
	}

	return strings.Join(names, "|")
}

const (
	// DefaultRegionSize is the number of bytes of virtual address space reserved when CreateOptions
	// does not provide a RegionSize. It is equal to 2Gb.
	DefaultRegionSize int = 2 * 1024 * 1024 * 1024
	// DefaultAlignment is the payload alignment used when CreateOptions does not provide one
	DefaultAlignment uint = 16
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// RegionSize is the size in bytes of the single region every block is carved from. It is
	// reserved in full the first time the allocator is used and never grows.
	RegionSize int
	// Alignment is the boundary, in bytes, that every payload address is a multiple of. It must
	// be a power of two no smaller than metadata.HeaderSize.
	Alignment uint
	// Reserver provides the backing memory. MmapReserver is used if it is left nil.
	Reserver Reserver
}

// New creates a new Allocator. The region is not reserved until the first allocation or an
// explicit call to Init.
//
// logger - Receives debug output for every operation. A nil logger discards it.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	allocator := &Allocator{
		logger:      logger,
		createFlags: options.Flags,
		regionSize:  options.RegionSize,
		alignment:   options.Alignment,
		reserver:    options.Reserver,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateSynchronized != 0,
		},
	}

	if allocator.regionSize == 0 {
		allocator.regionSize = DefaultRegionSize
	} else if allocator.regionSize < 0 {
		return nil, errors.Newf("bam.CreateOptions.RegionSize must not be negative, but was %d", options.RegionSize)
	}

	if allocator.alignment == 0 {
		allocator.alignment = DefaultAlignment
	}
	err := memutils.CheckPow2(allocator.alignment, "bam.CreateOptions.Alignment")
	if err != nil {
		return nil, err
	}
	if allocator.alignment < uint(metadata.HeaderSize) {
		return nil, errors.Newf("bam.CreateOptions.Alignment must be at least %d, but was %d", metadata.HeaderSize, allocator.alignment)
	}

	if allocator.reserver == nil {
		allocator.reserver = MmapReserver{}
	}

	logger.Debug("Allocator::New",
		slog.Int("RegionSize", allocator.regionSize),
		slog.Int("Alignment", int(allocator.alignment)),
		slog.String("Flags", allocator.createFlags.String()),
	)

	return allocator, nil
}
