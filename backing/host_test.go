package backing_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
)

func TestHostProviderAllocate(t *testing.T) {
	alloc, err := backing.HostProvider{}.Allocate(64)
	require.NoError(t, err)
	require.Equal(t, 64, alloc.Capacity())
	require.True(t, alloc.HostVisible())
	require.Len(t, alloc.Bytes(), 64)

	_, err = backing.HostProvider{}.Allocate(0)
	require.Error(t, err)
}

func TestHostProviderDeviceLocal(t *testing.T) {
	alloc, err := backing.HostProvider{DeviceLocal: true}.Allocate(64)
	require.NoError(t, err)
	require.False(t, alloc.HostVisible())
	require.Nil(t, alloc.Bytes())
}

func TestHostTransferChannelCopy(t *testing.T) {
	provider := backing.HostProvider{}
	channel := backing.HostTransferChannel{}

	src, err := provider.Allocate(32)
	require.NoError(t, err)
	dst, err := provider.Allocate(32)
	require.NoError(t, err)

	copy(src.Bytes(), []byte("0123456789abcdef"))
	require.NoError(t, channel.CopyRange(src, dst, 4, 8, 8))
	require.Equal(t, []byte("456789ab"), dst.Bytes()[8:16])
}

func TestHostTransferChannelBounds(t *testing.T) {
	provider := backing.HostProvider{}
	channel := backing.HostTransferChannel{}

	src, err := provider.Allocate(16)
	require.NoError(t, err)
	dst, err := provider.Allocate(16)
	require.NoError(t, err)

	err = channel.CopyRange(src, dst, 8, 0, 16)
	require.True(t, errors.Is(err, memutil.RangeError))

	err = channel.CopyRange(src, dst, 0, 8, 16)
	require.True(t, errors.Is(err, memutil.RangeError))
}

func TestHostTransferChannelRefusesOverlap(t *testing.T) {
	provider := backing.HostProvider{}
	channel := backing.HostTransferChannel{}

	alloc, err := provider.Allocate(64)
	require.NoError(t, err)

	err = channel.CopyRange(alloc, alloc, 0, 8, 16)
	require.Error(t, err)

	// Disjoint ranges within one allocation are fine
	require.NoError(t, channel.CopyRange(alloc, alloc, 0, 32, 16))
}
