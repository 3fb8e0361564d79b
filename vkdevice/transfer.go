package vkdevice

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/core/v2/core1_0"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
)

// TransferChannel is a backing.TransferChannel that records a one-time-submit copy
// on a caller-supplied command buffer and blocks on the transfer queue until the
// device has finished it. Two sequential copies are therefore always observed by
// the device in program order; there is no pipelining.
type TransferChannel struct {
	commandBuffer core1_0.CommandBuffer
	queue         core1_0.Queue
}

var _ backing.TransferChannel = &TransferChannel{}

// NewTransferChannel wraps a primary command buffer and the queue it will be
// submitted to. The command buffer is reset at the start of every copy and must not
// be shared with other recording while a TransferChannel owns it.
func NewTransferChannel(commandBuffer core1_0.CommandBuffer, queue core1_0.Queue) *TransferChannel {
	return &TransferChannel{
		commandBuffer: commandBuffer,
		queue:         queue,
	}
}

func (c *TransferChannel) CopyRange(src backing.Allocation, dst backing.Allocation, srcOffset, dstOffset, length int) error {
	srcMem, ok := src.(*Memory)
	if !ok {
		return errors.New("source allocation was not allocated from a BufferProvider")
	}
	dstMem, ok := dst.(*Memory)
	if !ok {
		return errors.New("destination allocation was not allocated from a BufferProvider")
	}

	if srcOffset < 0 || srcOffset+length > srcMem.capacity {
		return cerrors.Wrapf(memutil.RangeError, "source range [%d, %d) exceeds capacity %d", srcOffset, srcOffset+length, srcMem.capacity)
	}
	if dstOffset < 0 || dstOffset+length > dstMem.capacity {
		return cerrors.Wrapf(memutil.RangeError, "destination range [%d, %d) exceeds capacity %d", dstOffset, dstOffset+length, dstMem.capacity)
	}

	_, err := c.commandBuffer.Reset(core1_0.CommandBufferResetReleaseResources)
	if err != nil {
		return err
	}

	_, err = c.commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return err
	}

	err = c.commandBuffer.CmdCopyBuffer(srcMem.buffer, dstMem.buffer, []core1_0.BufferCopy{
		{
			SrcOffset: srcOffset,
			DstOffset: dstOffset,
			Size:      length,
		},
	})
	if err != nil {
		return err
	}

	_, err = c.commandBuffer.End()
	if err != nil {
		return err
	}

	_, err = c.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{c.commandBuffer},
		},
	})
	if err != nil {
		return err
	}

	// Block until the device confirms completion. Device loss surfacing here is
	// unrecoverable for this layer and is propagated as-is.
	_, err = c.queue.WaitIdle()
	return err
}
