package texture_test

import (
	"math/bits"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/imagepool"
	"github.com/gfxmem/suballoc/memutil"
	"github.com/gfxmem/suballoc/subbuf"
	"github.com/gfxmem/suballoc/texture"
)

type poolDevice struct{}

func (d poolDevice) FindMemoryTypeIndex(typeBits uint32) (int, error) {
	if typeBits == 0 {
		return 0, errors.Wrap(memutil.AllocationFailedError, "no memory type candidates")
	}
	return bits.TrailingZeros32(typeBits), nil
}

func (d poolDevice) AllocateMemory(memoryTypeIndex int, size int) (backing.Allocation, error) {
	return backing.HostProvider{DeviceLocal: true}.Allocate(size)
}

type poolImage struct {
	size        int
	boundOffset int
	bindCalls   int
}

func (i *poolImage) MemoryRequirements() imagepool.Requirements {
	return imagepool.Requirements{TypeBits: 0b1, Alignment: 256, Size: i.size}
}

func (i *poolImage) BindMemory(alloc backing.Allocation, offset int) error {
	i.bindCalls++
	i.boundOffset = offset
	return nil
}

func newManager(t *testing.T) (*texture.Manager, *imagepool.Allocator, *subbuf.Suballocator) {
	images, err := imagepool.New(poolDevice{}, imagepool.CreateOptions{PoolCapacity: 4096})
	require.NoError(t, err)

	staging, err := subbuf.New(backing.HostProvider{}, backing.HostTransferChannel{}, subbuf.CreateOptions{
		InitialCapacity: 256,
	})
	require.NoError(t, err)

	m, err := texture.NewManager(nil, images, staging)
	require.NoError(t, err)
	return m, images, staging
}

func TestUploadBindsAndStages(t *testing.T) {
	m, images, staging := newManager(t)

	img := &poolImage{size: 1024}
	texels := []byte("rgba rgba rgba rgba")

	staged, err := m.Upload(img, texels)
	require.NoError(t, err)
	require.Equal(t, 1, img.bindCalls)
	require.Equal(t, 0, img.boundOffset)
	require.Equal(t, len(texels), staged.Length)

	// The staged range holds the texel bytes, ready for a copy command
	require.Equal(t, texels, staging.Mapped()[staged.StagingOffset:staged.StagingOffset+staged.Length])

	offset, err := images.Offset(staged.Handle)
	require.NoError(t, err)
	require.Equal(t, 0, offset)
}

func TestUploadReusesStagingRegion(t *testing.T) {
	m, _, staging := newManager(t)

	first, err := m.Upload(&poolImage{size: 512}, []byte("first texture texels"))
	require.NoError(t, err)

	second, err := m.Upload(&poolImage{size: 512}, []byte("2nd"))
	require.NoError(t, err)

	// The staging region is reused, so only the latest range is valid
	require.Equal(t, first.StagingOffset, second.StagingOffset)
	require.Equal(t, 3, second.Length)
	require.Equal(t, []byte("2nd"), staging.Mapped()[second.StagingOffset:second.StagingOffset+3])
}

func TestRemoveRecyclesBinding(t *testing.T) {
	m, images, _ := newManager(t)

	staged, err := m.Upload(&poolImage{size: 1024}, []byte("texels"))
	require.NoError(t, err)

	require.NoError(t, m.Remove(staged.Handle))
	_, err = images.Offset(staged.Handle)
	require.True(t, errors.Is(err, memutil.InvalidHandleError))

	err = m.Remove(staged.Handle)
	require.True(t, errors.Is(err, memutil.InvalidHandleError))

	// The freed slot backs the next texture of compatible size
	img := &poolImage{size: 1024}
	replacement, err := m.Upload(img, []byte("new texels"))
	require.NoError(t, err)
	require.Equal(t, staged.Handle, replacement.Handle)
	require.Equal(t, 0, img.boundOffset)
}

func TestUploadOversizedBinding(t *testing.T) {
	m, _, staging := newManager(t)

	_, err := m.Upload(&poolImage{size: 8192}, []byte("texels"))
	require.True(t, errors.Is(err, memutil.OversizedRequestError))

	// A failed binding stages nothing
	stagingRegion := subbuf.SubBuffer(0)
	filled, err := staging.Filled(stagingRegion)
	require.NoError(t, err)
	require.Equal(t, 0, filled)
}

func TestManagerRequiresHostVisibleStaging(t *testing.T) {
	images, err := imagepool.New(poolDevice{}, imagepool.CreateOptions{PoolCapacity: 4096})
	require.NoError(t, err)

	deviceLocal, err := subbuf.New(backing.HostProvider{DeviceLocal: true}, backing.HostTransferChannel{}, subbuf.CreateOptions{
		InitialCapacity: 256,
	})
	require.NoError(t, err)

	_, err = texture.NewManager(nil, images, deviceLocal)
	require.True(t, errors.Is(err, memutil.NotHostVisibleError))
}
