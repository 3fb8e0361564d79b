package backing

// Allocation is one contiguous block of device memory. It is exclusively owned by a
// single suballocator or pool: the owner frees it, grows it by replacing it, and
// addresses regions inside it by byte offset. An Allocation is never resized in place.
type Allocation interface {
	// Capacity returns the usable size of the allocation in bytes
	Capacity() int
	// HostVisible returns true if the allocation is mapped into host address space
	HostVisible() bool
	// Bytes returns the mapped bytes of a host-visible allocation. It returns nil
	// for device-local allocations.
	Bytes() []byte
	// Free releases the allocation back to the device. The Allocation must not be
	// used afterward.
	Free()
}

// Provider allocates backing allocations of a single usage/property class. A
// suballocator is constructed around one Provider and uses it both for its main
// backing allocation and for the short-lived temporary allocations it bounces
// overlapping copies through.
type Provider interface {
	Allocate(size int) (Allocation, error)
}

// TransferChannel copies a byte range between two backing allocations on the device
// and blocks until the device reports completion. Implementations are not required
// to support overlapping ranges within a single allocation; callers route such
// moves through a temporary allocation with two calls.
type TransferChannel interface {
	CopyRange(src Allocation, dst Allocation, srcOffset, dstOffset, length int) error
}
