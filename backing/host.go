package backing

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"

	"github.com/gfxmem/suballoc/memutil"
)

// HostAllocation is an Allocation backed by host memory. A HostProvider can hand
// them out posing as device-local, in which case Bytes reports nil the way a real
// device-local allocation would, but HostTransferChannel can still reach the data.
type HostAllocation struct {
	data        []byte
	hostVisible bool
	freed       bool
}

func (a *HostAllocation) Capacity() int {
	return len(a.data)
}

func (a *HostAllocation) HostVisible() bool {
	return a.hostVisible
}

func (a *HostAllocation) Bytes() []byte {
	if a.freed {
		panic("attempting to access a freed host allocation")
	}
	if !a.hostVisible {
		return nil
	}
	return a.data
}

func (a *HostAllocation) Free() {
	if a.freed {
		panic("double free of a host allocation")
	}
	a.freed = true
	a.data = nil
}

// HostProvider is a Provider that hands out host-memory allocations. It backs the
// test suites and serves as the substrate for staging-side suballocators that never
// touch the device. With DeviceLocal set, its allocations hide their bytes from the
// host and are reachable only through a HostTransferChannel, mimicking device-local
// memory.
type HostProvider struct {
	DeviceLocal bool
}

func (p HostProvider) Allocate(size int) (Allocation, error) {
	if size < 1 {
		return nil, errors.Errorf("invalid backing allocation size %d", size)
	}
	return &HostAllocation{
		data:        make([]byte, size),
		hostVisible: !p.DeviceLocal,
	}, nil
}

// HostTransferChannel is a TransferChannel between host allocations. Like a device
// copy, it refuses overlapping ranges within a single allocation, so the bounce
// behavior of its consumers is exercised rather than papered over.
type HostTransferChannel struct{}

func (c HostTransferChannel) CopyRange(src Allocation, dst Allocation, srcOffset, dstOffset, length int) error {
	srcHost, ok := src.(*HostAllocation)
	if !ok {
		return errors.New("source allocation was not allocated from a HostProvider")
	}
	dstHost, ok := dst.(*HostAllocation)
	if !ok {
		return errors.New("destination allocation was not allocated from a HostProvider")
	}

	if srcHost.freed || dstHost.freed {
		panic("attempting to copy through a freed host allocation")
	}

	if srcOffset < 0 || srcOffset+length > srcHost.Capacity() {
		return cerrors.Wrapf(memutil.RangeError, "source range [%d, %d) exceeds capacity %d", srcOffset, srcOffset+length, srcHost.Capacity())
	}
	if dstOffset < 0 || dstOffset+length > dstHost.Capacity() {
		return cerrors.Wrapf(memutil.RangeError, "destination range [%d, %d) exceeds capacity %d", dstOffset, dstOffset+length, dstHost.Capacity())
	}

	if srcHost == dstHost && srcOffset < dstOffset+length && dstOffset < srcOffset+length {
		return errors.New("overlapping self-copy is not supported by the transfer channel")
	}

	copy(dstHost.data[dstOffset:dstOffset+length], srcHost.data[srcOffset:srcOffset+length])
	return nil
}
