//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of bytes of marker data placed directly after every payload
	// handed out by an allocator built on memutils
	DebugMargin int = 0
)

// WriteMagicValue fills DebugMargin bytes at data+offset with an easy-to-identify marker.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
}

// ValidateMagicValue returns false if any part of the marker written by WriteMagicValue at
// data+offset has been overwritten.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// DebugValidate calls Validate on the provided object and panics if it fails.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 panics if value is not a power of two.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}
