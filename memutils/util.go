package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// AlignUpPtr rounds an absolute address up to the next multiple of alignment. The second
// return value is false if the rounded address would not fit in a uintptr.
func AlignUpPtr(address uintptr, alignment uint) (uintptr, bool) {
	mask := uintptr(alignment) - 1
	sum, carry := bits.Add64(uint64(address), uint64(mask), 0)
	if carry != 0 || sum > uint64(^uintptr(0)) {
		return 0, false
	}
	return uintptr(sum) &^ mask, true
}

// IsAligned reports whether address is a multiple of alignment
func IsAligned(address uintptr, alignment uint) bool {
	return address&(uintptr(alignment)-1) == 0
}

// MulInt multiplies two non-negative ints, reporting false if either operand is negative or
// the product does not fit in an int.
func MulInt(a, b int) (int, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > uint64(maxInt) {
		return 0, false
	}
	return int(lo), true
}

const maxInt = int(^uint(0) >> 1)
