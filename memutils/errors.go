package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrRegionReservation is wrapped around any failure to reserve the backing region. Allocators
// treat it as fatal when it happens lazily inside an allocation.
var ErrRegionReservation error = errors.New("could not reserve heap region")

// ErrCorruption is returned by corruption checks when a debug marker after a payload has been
// overwritten
var ErrCorruption error = errors.New("memory corruption detected")

// ErrNotInitialized is returned by diagnostics that need a region before one has been reserved
var ErrNotInitialized error = errors.New("heap region has not been initialized")
