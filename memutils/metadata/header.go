package metadata

import "unsafe"

// HeaderSize is the number of bytes of bookkeeping written directly in front of every payload.
// The header holds a single uint64: the payload size the block was granted with.
const HeaderSize int = int(unsafe.Sizeof(uint64(0)))

// HeaderFromPayload steps back from a payload pointer to its header. Every header lookup in the
// module goes through here.
func HeaderFromPayload(payload unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(payload, -HeaderSize)
}

// PayloadFromHeader steps forward from a header to the payload it describes
func PayloadFromHeader(header unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(header, HeaderSize)
}

// ReadHeader returns the payload size recorded in the header at the provided address
func ReadHeader(header unsafe.Pointer) int {
	return int(*(*uint64)(header))
}

// WriteHeader records size in the header at the provided address
func WriteHeader(header unsafe.Pointer, size int) {
	*(*uint64)(header) = uint64(size)
}

// PayloadSize reads the recorded size of the block whose payload starts at the provided address
func PayloadSize(payload unsafe.Pointer) int {
	return ReadHeader(HeaderFromPayload(payload))
}
