package mesh_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/gfxmem/suballoc/backing"
	"github.com/gfxmem/suballoc/memutil"
	"github.com/gfxmem/suballoc/mesh"
	"github.com/gfxmem/suballoc/subbuf"
)

func newSuballocator(t *testing.T, deviceLocal bool) *subbuf.Suballocator {
	s, err := subbuf.New(
		backing.HostProvider{DeviceLocal: deviceLocal},
		backing.HostTransferChannel{},
		subbuf.CreateOptions{InitialCapacity: 256},
	)
	require.NoError(t, err)
	return s
}

func TestUploadReadBack(t *testing.T) {
	staging := newSuballocator(t, false)
	objects := newSuballocator(t, false)

	m, err := mesh.NewManager(nil, staging, objects)
	require.NoError(t, err)

	vertexData := []byte("vertex positions and normals")
	indexData := []byte("index data")

	uploaded, err := m.Upload(vertexData, indexData)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	offset, err := objects.Offset(uploaded.Indices)
	require.NoError(t, err)
	require.Equal(t, indexData, objects.Mapped()[offset:offset+len(indexData)])

	offset, err = objects.Offset(uploaded.Vertices)
	require.NoError(t, err)
	require.Equal(t, vertexData, objects.Mapped()[offset:offset+len(vertexData)])
}

func TestUploadToDeviceLocal(t *testing.T) {
	staging := newSuballocator(t, false)
	objects := newSuballocator(t, true)

	m, err := mesh.NewManager(nil, staging, objects)
	require.NoError(t, err)

	uploaded, err := m.Upload([]byte("vertices"), []byte("indices"))
	require.NoError(t, err)

	// Indices land before vertices in the object allocation
	indexOffset, err := objects.Offset(uploaded.Indices)
	require.NoError(t, err)
	vertexOffset, err := objects.Offset(uploaded.Vertices)
	require.NoError(t, err)
	require.Less(t, indexOffset, vertexOffset)

	filled, err := objects.Filled(uploaded.Vertices)
	require.NoError(t, err)
	require.Equal(t, len("vertices"), filled)
	require.NoError(t, objects.Validate())
}

func TestRemoveRecyclesRegions(t *testing.T) {
	staging := newSuballocator(t, false)
	objects := newSuballocator(t, false)

	m, err := mesh.NewManager(nil, staging, objects)
	require.NoError(t, err)

	first, err := m.Upload([]byte("mesh one vertices"), []byte("mesh one indices"))
	require.NoError(t, err)

	require.NoError(t, m.Remove(first))
	require.Equal(t, 0, m.Count())

	_, err = objects.Offset(first.Vertices)
	require.True(t, errors.Is(err, memutil.InvalidHandleError))

	// The next upload reuses the recycled regions
	second, err := m.Upload([]byte("mesh two vertices!!"), []byte("ix"))
	require.NoError(t, err)
	require.Equal(t, first.Indices, second.Indices)
	require.Equal(t, first.Vertices, second.Vertices)

	offset, err := objects.Offset(second.Vertices)
	require.NoError(t, err)
	require.Equal(t, []byte("mesh two vertices!!"), objects.Mapped()[offset:offset+19])
}

func TestRemoveUntracked(t *testing.T) {
	staging := newSuballocator(t, false)
	objects := newSuballocator(t, false)

	m, err := mesh.NewManager(nil, staging, objects)
	require.NoError(t, err)

	err = m.Remove(mesh.Mesh{Vertices: 5, Indices: 6})
	require.True(t, errors.Is(err, memutil.InvalidHandleError))
}

func TestManagerRequiresHostVisibleStaging(t *testing.T) {
	staging := newSuballocator(t, true)
	objects := newSuballocator(t, true)

	_, err := mesh.NewManager(nil, staging, objects)
	require.True(t, errors.Is(err, memutil.NotHostVisibleError))
}
