//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
)

// MapAnonymous reserves size bytes of private, zero-filled, read/write memory that is not backed
// by any file. Heap regions are never unmapped.
func MapAnonymous(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}
