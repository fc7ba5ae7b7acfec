package bam

//go:generate mockgen -source reserver.go -destination mocks/reserver.go -package mock_bam

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bam/bam/internal/mmap"
)

// Reserver provides the memory that backs an Allocator's region. Reserve is called at most once
// per Allocator, with the configured region size, and the returned slice must be at least that
// long. The memory is held for the rest of the process's life.
type Reserver interface {
	Reserve(size int) ([]byte, error)
}

// MmapReserver is the default Reserver. It maps an anonymous, private, read/write range of
// virtual memory, so pages are only committed by the operating system as they are touched.
type MmapReserver struct{}

var _ Reserver = MmapReserver{}

func (MmapReserver) Reserve(size int) ([]byte, error) {
	data, err := mmap.MapAnonymous(size)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}

	return data, nil
}
