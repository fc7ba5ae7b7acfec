package metadata

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and indicates where the
// metadata intends to place a new block. The consumer writes the header into real memory and then
// commits the request with BlockMetadata.Alloc.
type AllocationRequest struct {
	// BlockAllocationHandle identifies the block once committed
	BlockAllocationHandle BlockAllocationHandle
	// Cursor is the cursor value the request was calculated against. Alloc rejects the request
	// if the cursor has moved since.
	Cursor int
	// Padding is the number of bytes skipped between Cursor and HeaderOffset
	Padding int
	// HeaderOffset is the region offset of the block header
	HeaderOffset int
	// PayloadOffset is the region offset of the payload, always HeaderOffset + HeaderSize
	PayloadOffset int
	// Size is the payload size that was requested
	Size int
	// End is the cursor value after the request is committed
	End int
}
