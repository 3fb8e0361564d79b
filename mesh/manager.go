package mesh

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/gfxmem/suballoc/memutil"
	"github.com/gfxmem/suballoc/subbuf"
)

// Mesh identifies the device-resident vertex and index regions of one uploaded model.
type Mesh struct {
	Vertices subbuf.SubBuffer
	Indices  subbuf.SubBuffer
}

// Manager places per-object vertex and index bytes into a device-local object
// suballocator, routing the bytes through one reused region of a host-visible
// staging suballocator.
type Manager struct {
	logger *slog.Logger

	staging       *subbuf.Suballocator
	objects       *subbuf.Suballocator
	stagingRegion subbuf.SubBuffer

	meshes []Mesh
}

// NewManager creates a Manager around a host-visible staging suballocator and a
// device-local object suballocator. One staging region is reserved up front and
// reused for every upload; it grows on demand.
func NewManager(logger *slog.Logger, staging *subbuf.Suballocator, objects *subbuf.Suballocator) (*Manager, error) {
	if staging == nil || objects == nil {
		return nil, errors.New("both a staging and an object suballocator are required")
	}
	if !staging.HostVisible() {
		return nil, cerrors.Wrap(memutil.NotHostVisibleError, "the staging suballocator must be host-visible")
	}

	if logger == nil {
		logger = slog.Default()
	}

	stagingRegion, err := staging.Suballoc(0)
	if err != nil {
		return nil, err
	}

	return &Manager{
		logger:        logger,
		staging:       staging,
		objects:       objects,
		stagingRegion: stagingRegion,
	}, nil
}

func (m *Manager) stage(data []byte, target subbuf.SubBuffer) error {
	err := m.staging.Clear(m.stagingRegion)
	if err != nil {
		return err
	}
	err = m.staging.Append(m.stagingRegion, data)
	if err != nil {
		return err
	}
	return m.staging.CopyInto(m.objects, target, len(data), m.stagingRegion)
}

// Upload reserves index and vertex subbuffers for one model and moves the bytes to
// the device through the staging region. Reserved object regions may come from the
// recycle set of earlier removals; they grow transparently when the new model is
// larger.
func (m *Manager) Upload(vertexData []byte, indexData []byte) (Mesh, error) {
	m.logger.Debug("Manager::Upload",
		slog.Int("vertexBytes", len(vertexData)),
		slog.Int("indexBytes", len(indexData)))

	indices, err := m.objects.Suballoc(len(indexData))
	if err != nil {
		return Mesh{}, err
	}
	err = m.stage(indexData, indices)
	if err != nil {
		return Mesh{}, err
	}

	vertices, err := m.objects.Suballoc(len(vertexData))
	if err != nil {
		return Mesh{}, err
	}
	err = m.stage(vertexData, vertices)
	if err != nil {
		return Mesh{}, err
	}

	mesh := Mesh{Vertices: vertices, Indices: indices}
	m.meshes = append(m.meshes, mesh)
	return mesh, nil
}

// Remove deletes a mesh's object regions, releasing their records for recycling.
func (m *Manager) Remove(mesh Mesh) error {
	m.logger.Debug("Manager::Remove")

	for i, tracked := range m.meshes {
		if tracked != mesh {
			continue
		}

		err := m.objects.Delete(mesh.Indices)
		if err != nil {
			return err
		}
		err = m.objects.Delete(mesh.Vertices)
		if err != nil {
			return err
		}

		m.meshes = append(m.meshes[:i], m.meshes[i+1:]...)
		return nil
	}

	return cerrors.Wrap(memutil.InvalidHandleError, "the mesh is not tracked by this manager")
}

// Count returns the number of meshes currently resident.
func (m *Manager) Count() int {
	return len(m.meshes)
}
